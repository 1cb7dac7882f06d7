package engine

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/model"
)

var (
	domainTypeHash        = crypto.Keccak256Hash([]byte("EIP712Domain(uint256 chainId,address verifyingContract)"))
	authorizationTypeHash = crypto.Keccak256Hash([]byte("Authorization(address authorizer,address authorized,bool isAuthorized,uint256 nonce,uint256 deadline)"))
)

func wordUint(v uint64) []byte {
	w := uint256.NewInt(v).Bytes32()
	return w[:]
}

func wordAddress(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func wordBool(b bool) []byte {
	if b {
		return wordUint(1)
	}
	return wordUint(0)
}

// DomainSeparator binds signatures to this engine and chain.
func (e *Engine) DomainSeparator() common.Hash {
	return crypto.Keccak256Hash(domainTypeHash[:], wordUint(e.cfg.ChainID), wordAddress(e.cfg.Address))
}

// AuthorizationDigest is the hash an authorizer signs to grant or revoke an
// authorization without calling the engine itself.
func (e *Engine) AuthorizationDigest(a model.Authorization) common.Hash {
	structHash := crypto.Keccak256Hash(
		authorizationTypeHash[:],
		wordAddress(a.Authorizer),
		wordAddress(a.Authorized),
		wordBool(a.IsAuthorized),
		wordUint(a.Nonce),
		wordUint(a.Deadline),
	)
	domain := e.DomainSeparator()
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domain[:], structHash[:])
}

// SignAuthorization signs a with key. The signature is 65 bytes, R || S || V
// with V in {0, 1}.
func (e *Engine) SignAuthorization(a model.Authorization, key *ecdsa.PrivateKey) ([]byte, error) {
	digest := e.AuthorizationDigest(a)
	return crypto.Sign(digest[:], key)
}

var errMalformedSignature = errors.New("malformed signature")

func recoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errMalformedSignature
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	r, ss := new(big.Int).SetBytes(s[:32]), new(big.Int).SetBytes(s[32:64])
	if !crypto.ValidateSignatureValues(s[64], r, ss, true) {
		return common.Address{}, errMalformedSignature
	}
	pub, err := crypto.SigToPub(digest[:], s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SetAuthorization lets or stops authorized managing the sender's
// positions.
func (e *Engine) SetAuthorization(sender, authorized common.Address, isAuthorized bool) error {
	return e.atomic(func() error {
		if e.st.authorized[authKey{sender, authorized}] == isAuthorized {
			return ErrAlreadySet
		}
		e.st.setAuthorized(sender, authorized, isAuthorized)
		e.emit(model.Event{
			Kind: model.EventSetAuthorization, Caller: sender, OnBehalf: sender, Receiver: authorized,
			Details: map[string]string{"is_authorized": strconv.FormatBool(isAuthorized)},
		})
		return nil
	})
}

// SetAuthorizationWithSig applies an authorization signed by its authorizer.
// Anyone may submit it. The authorizer's nonce must match and is consumed.
func (e *Engine) SetAuthorizationWithSig(a model.Authorization, sig []byte) error {
	return e.atomic(func() error {
		if e.now() > a.Deadline {
			return ErrSignatureExpired
		}
		if a.Nonce != e.st.nonces[a.Authorizer] {
			return ErrInvalidNonce
		}
		signer, err := recoverSigner(e.AuthorizationDigest(a), sig)
		if err != nil || signer == (common.Address{}) || signer != a.Authorizer {
			return ErrInvalidSignature
		}

		e.st.setNonce(a.Authorizer, a.Nonce+1)
		e.emit(model.Event{
			Kind: model.EventIncrementNonce, Caller: a.Authorizer, OnBehalf: a.Authorizer,
			Details: map[string]string{"used_nonce": strconv.FormatUint(a.Nonce, 10)},
		})
		e.st.setAuthorized(a.Authorizer, a.Authorized, a.IsAuthorized)
		e.emit(model.Event{
			Kind: model.EventSetAuthorization, Caller: a.Authorizer, OnBehalf: a.Authorizer, Receiver: a.Authorized,
			Details: map[string]string{"is_authorized": strconv.FormatBool(a.IsAuthorized)},
		})
		return nil
	})
}
