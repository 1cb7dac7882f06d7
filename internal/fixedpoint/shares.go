package fixedpoint

import "github.com/holiman/uint256"

var (
	// VirtualShares is added to total shares in every conversion. Together
	// with VirtualAssets it fixes the share price of an empty market at
	// 1e6 shares per asset unit and makes inflating that price by donation
	// prohibitively expensive.
	VirtualShares = uint256.NewInt(1e6)

	// VirtualAssets is added to total assets in every conversion.
	VirtualAssets = uint256.NewInt(1)
)

// ToSharesDown converts assets to shares, rounding down.
func ToSharesDown(assets, totalAssets, totalShares *uint256.Int) *uint256.Int {
	return MulDivDown(assets, Add(totalShares, VirtualShares), Add(totalAssets, VirtualAssets))
}

// ToSharesUp converts assets to shares, rounding up.
func ToSharesUp(assets, totalAssets, totalShares *uint256.Int) *uint256.Int {
	return MulDivUp(assets, Add(totalShares, VirtualShares), Add(totalAssets, VirtualAssets))
}

// ToAssetsDown converts shares to assets, rounding down.
func ToAssetsDown(shares, totalAssets, totalShares *uint256.Int) *uint256.Int {
	return MulDivDown(shares, Add(totalAssets, VirtualAssets), Add(totalShares, VirtualShares))
}

// ToAssetsUp converts shares to assets, rounding up.
func ToAssetsUp(shares, totalAssets, totalShares *uint256.Int) *uint256.Int {
	return MulDivUp(shares, Add(totalAssets, VirtualAssets), Add(totalShares, VirtualShares))
}
