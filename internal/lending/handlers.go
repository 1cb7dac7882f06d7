package lending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/engine"
	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
)

const maxBodyBytes = 1 << 20

// Routes registers the lending API on r. Mutating routes go through limit
// when it is non-nil.
func (s *Service) Routes(r chi.Router, limit func(http.Handler) http.Handler) {
	// Reads.
	r.Get("/markets", s.handleListMarkets)
	r.Get("/markets/{marketID}", s.handleGetMarket)
	r.Get("/markets/{marketID}/positions/{account}", s.handleGetPosition)
	r.Get("/markets/{marketID}/history", s.handleMarketHistory)
	r.Get("/accounts/{account}/positions", s.handleAccountPositions)
	r.Get("/accounts/{account}/history", s.handleAccountHistory)
	r.Get("/accounts/{account}/nonce", s.handleNonce)
	r.Get("/tokens/{token}/balances/{account}", s.handleBalance)

	r.Group(func(r chi.Router) {
		if limit != nil {
			r.Use(limit)
		}

		// Market registry and administration.
		r.Post("/markets", s.handleCreateMarket)
		r.Post("/markets/{marketID}/fee", s.handleSetFee)
		r.Post("/admin/thresholds", s.handleEnableThreshold)
		r.Post("/admin/rate-models", s.handleEnableRateModel)
		r.Post("/admin/owner", s.handleSetOwner)
		r.Post("/admin/fee-recipient", s.handleSetFeeRecipient)
		r.Post("/authorizations", s.handleSetAuthorization)

		// Position operations.
		r.Post("/markets/{marketID}/supply", s.marketAction((*Service).Supply))
		r.Post("/markets/{marketID}/withdraw", s.marketAction((*Service).Withdraw))
		r.Post("/markets/{marketID}/borrow", s.marketAction((*Service).Borrow))
		r.Post("/markets/{marketID}/repay", s.marketAction((*Service).Repay))
		r.Post("/markets/{marketID}/supply-collateral", s.marketAction((*Service).SupplyCollateral))
		r.Post("/markets/{marketID}/withdraw-collateral", s.marketAction((*Service).WithdrawCollateral))
		r.Post("/markets/{marketID}/liquidate", s.marketAction((*Service).Liquidate))
		r.Post("/markets/{marketID}/cover-bad-debt", s.marketAction((*Service).CoverBadDebt))
		r.Post("/markets/{marketID}/accrue", s.handleAccrue)

		// Development collaborators.
		r.Post("/oracles/{oracle}/price", s.handleSetPrice)
		r.Post("/tokens/{token}/approve", s.handleApprove)
		r.Post("/tokens/{token}/mint", s.handleMint)
	})
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for POST /markets. The threshold is a
// fraction such as "0.8".
type CreateMarketRequest struct {
	Sender               common.Address `json:"sender"`
	LoanToken            common.Address `json:"loan_token"`
	CollateralToken      common.Address `json:"collateral_token"`
	Oracle               common.Address `json:"oracle"`
	RateModel            common.Address `json:"rate_model"`
	LiquidationThreshold string         `json:"liquidation_threshold"`
}

// CreateMarketResponse is returned from POST /markets.
type CreateMarketResponse struct {
	ID     model.MarketID      `json:"id"`
	Events []model.LedgerEntry `json:"events"`
}

// ActionRequest is the JSON body of every position operation. Amounts are
// base units; exactly one of assets and shares is usually expected.
type ActionRequest struct {
	Sender   common.Address `json:"sender"`
	Assets   string         `json:"assets"`
	Shares   string         `json:"shares"`
	OnBehalf common.Address `json:"on_behalf"`
	Receiver common.Address `json:"receiver"`
	Borrower common.Address `json:"borrower"`
	Data     hexutil.Bytes  `json:"data"`
}

// AdminRequest is the JSON body of the administrative routes. Each route
// reads the fields it needs.
type AdminRequest struct {
	Sender       common.Address `json:"sender"`
	Threshold    string         `json:"threshold"`
	RateModel    common.Address `json:"rate_model"`
	Owner        common.Address `json:"owner"`
	FeeRecipient common.Address `json:"fee_recipient"`
	Fee          string         `json:"fee"`
}

// AuthorizationRequest either sets an authorization directly for Sender or,
// when Signature is present, applies the signed Authorization.
type AuthorizationRequest struct {
	Sender        common.Address       `json:"sender"`
	Operator      common.Address       `json:"operator"`
	Authorized    bool                 `json:"authorized"`
	Authorization *model.Authorization `json:"authorization,omitempty"`
	Signature     hexutil.Bytes        `json:"signature,omitempty"`
}

// PriceRequest is the JSON body for POST /oracles/{oracle}/price. Price is the
// human quote of one collateral base unit in loan base units.
type PriceRequest struct {
	Sender common.Address `json:"sender"`
	Price  string         `json:"price"`
}

// TokenRequest is the JSON body of the token routes.
type TokenRequest struct {
	Sender  common.Address `json:"sender"`
	Spender common.Address `json:"spender"`
	To      common.Address `json:"to"`
	Amount  string         `json:"amount"`
}

// EventsResponse wraps the ledger entries a mutation produced.
type EventsResponse struct {
	Events []model.LedgerEntry `json:"events"`
}

// BalanceResponse is returned from GET /tokens/{token}/balances/{account}.
type BalanceResponse struct {
	Token   common.Address `json:"token"`
	Account common.Address `json:"account"`
	Balance *uint256.Int   `json:"balance"`
}

// NonceResponse is returned from GET /accounts/{account}/nonce.
type NonceResponse struct {
	Account common.Address `json:"account"`
	Nonce   uint64         `json:"nonce"`
}

// --- HTTP Handlers ---

func (s *Service) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.Markets()
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &markets)
}

func (s *Service) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketParam(w, r)
	if !ok {
		return
	}
	view, err := s.Market(id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Service) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := marketParam(w, r)
	if !ok {
		return
	}
	account, ok := addressParam(w, r, "account")
	if !ok {
		return
	}
	view, err := s.Position(id, account)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Service) handleMarketHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := marketParam(w, r)
	if !ok {
		return
	}
	entries, err := s.MarketHistory(r.Context(), id)
	if err != nil {
		slog.Error("market history query failed", "market", id.String(), "err", err)
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, &entries)
}

func (s *Service) handleAccountPositions(w http.ResponseWriter, r *http.Request) {
	account, ok := addressParam(w, r, "account")
	if !ok {
		return
	}
	positions, err := s.AccountPositions(r.Context(), account)
	if err != nil {
		slog.Error("account positions query failed", "account", account.Hex(), "err", err)
		writeError(w, "failed to get positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []engine.PositionRecord{}
	}
	writeJSON(w, http.StatusOK, &positions)
}

func (s *Service) handleAccountHistory(w http.ResponseWriter, r *http.Request) {
	account, ok := addressParam(w, r, "account")
	if !ok {
		return
	}
	entries, err := s.AccountHistory(r.Context(), account)
	if err != nil {
		slog.Error("account history query failed", "account", account.Hex(), "err", err)
		writeError(w, "failed to get account history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, &entries)
}

func (s *Service) handleNonce(w http.ResponseWriter, r *http.Request) {
	account, ok := addressParam(w, r, "account")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, &NonceResponse{Account: account, Nonce: s.Nonce(account)})
}

func (s *Service) handleBalance(w http.ResponseWriter, r *http.Request) {
	tokenAddr, ok := addressParam(w, r, "token")
	if !ok {
		return
	}
	account, ok := addressParam(w, r, "account")
	if !ok {
		return
	}
	balance, err := s.Balance(tokenAddr, account)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &BalanceResponse{Token: tokenAddr, Account: account, Balance: balance})
}

func (s *Service) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}
	threshold, err := fixedpoint.ParseWad(strings.TrimSpace(req.LiquidationThreshold))
	if err != nil {
		writeError(w, "liquidation_threshold must be a fraction such as 0.8", http.StatusBadRequest)
		return
	}
	params := model.MarketParams{
		LoanToken:            req.LoanToken,
		CollateralToken:      req.CollateralToken,
		Oracle:               req.Oracle,
		RateModel:            req.RateModel,
		LiquidationThreshold: *threshold,
	}
	id, entries, err := s.CreateMarket(r.Context(), req.Sender, params)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &CreateMarketResponse{ID: id, Events: entries})
}

func (s *Service) handleSetFee(w http.ResponseWriter, r *http.Request) {
	id, ok := marketParam(w, r)
	if !ok {
		return
	}
	var req AdminRequest
	if !decode(w, r, &req) {
		return
	}
	fee, err := fixedpoint.ParseWad(strings.TrimSpace(req.Fee))
	if err != nil {
		writeError(w, "fee must be a fraction such as 0.1", http.StatusBadRequest)
		return
	}
	s.respondEvents(w, r, func(ctx context.Context) ([]model.LedgerEntry, error) {
		return s.SetFee(ctx, req.Sender, id, fee)
	})
}

func (s *Service) handleEnableThreshold(w http.ResponseWriter, r *http.Request) {
	var req AdminRequest
	if !decode(w, r, &req) {
		return
	}
	threshold, err := fixedpoint.ParseWad(strings.TrimSpace(req.Threshold))
	if err != nil {
		writeError(w, "threshold must be a fraction such as 0.8", http.StatusBadRequest)
		return
	}
	s.respondEvents(w, r, func(ctx context.Context) ([]model.LedgerEntry, error) {
		return s.EnableLiquidationThreshold(ctx, req.Sender, threshold)
	})
}

func (s *Service) handleEnableRateModel(w http.ResponseWriter, r *http.Request) {
	var req AdminRequest
	if !decode(w, r, &req) {
		return
	}
	s.respondEvents(w, r, func(ctx context.Context) ([]model.LedgerEntry, error) {
		return s.EnableRateModel(ctx, req.Sender, req.RateModel)
	})
}

func (s *Service) handleSetOwner(w http.ResponseWriter, r *http.Request) {
	var req AdminRequest
	if !decode(w, r, &req) {
		return
	}
	s.respondEvents(w, r, func(ctx context.Context) ([]model.LedgerEntry, error) {
		return s.SetOwner(ctx, req.Sender, req.Owner)
	})
}

func (s *Service) handleSetFeeRecipient(w http.ResponseWriter, r *http.Request) {
	var req AdminRequest
	if !decode(w, r, &req) {
		return
	}
	s.respondEvents(w, r, func(ctx context.Context) ([]model.LedgerEntry, error) {
		return s.SetFeeRecipient(ctx, req.Sender, req.FeeRecipient)
	})
}

func (s *Service) handleSetAuthorization(w http.ResponseWriter, r *http.Request) {
	var req AuthorizationRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Signature) > 0 {
		if req.Authorization == nil {
			writeError(w, "signature given without authorization", http.StatusBadRequest)
			return
		}
		s.respondEvents(w, r, func(ctx context.Context) ([]model.LedgerEntry, error) {
			return s.SetAuthorizationWithSig(ctx, *req.Authorization, req.Signature)
		})
		return
	}
	s.respondEvents(w, r, func(ctx context.Context) ([]model.LedgerEntry, error) {
		return s.SetAuthorization(ctx, req.Sender, req.Operator, req.Authorized)
	})
}

// marketAction adapts a position operation to an HTTP handler.
func (s *Service) marketAction(op func(*Service, context.Context, Action) (*Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := marketParam(w, r)
		if !ok {
			return
		}
		var req ActionRequest
		if !decode(w, r, &req) {
			return
		}
		assets, err := fixedpoint.ParseAmount(strings.TrimSpace(req.Assets))
		if err != nil {
			writeError(w, "assets must be a whole number of base units", http.StatusBadRequest)
			return
		}
		shares, err := fixedpoint.ParseAmount(strings.TrimSpace(req.Shares))
		if err != nil {
			writeError(w, "shares must be a whole number", http.StatusBadRequest)
			return
		}
		res, err := op(s, r.Context(), Action{
			Sender:   req.Sender,
			Market:   id,
			Assets:   assets,
			Shares:   shares,
			OnBehalf: req.OnBehalf,
			Receiver: req.Receiver,
			Borrower: req.Borrower,
			Data:     req.Data,
		})
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Service) handleAccrue(w http.ResponseWriter, r *http.Request) {
	id, ok := marketParam(w, r)
	if !ok {
		return
	}
	res, err := s.AccrueInterest(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	oracleAddr, ok := addressParam(w, r, "oracle")
	if !ok {
		return
	}
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := decimal.NewFromString(strings.TrimSpace(req.Price))
	if err != nil || d.IsNegative() {
		writeError(w, "price must be a non-negative decimal", http.StatusBadRequest)
		return
	}
	price, err := oracle.Scale(d)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.SetPrice(req.Sender, oracleAddr, price); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleApprove(w http.ResponseWriter, r *http.Request) {
	tokenAddr, ok := addressParam(w, r, "token")
	if !ok {
		return
	}
	var req TokenRequest
	amount, ok := decodeTokenRequest(w, r, &req)
	if !ok {
		return
	}
	if err := s.Approve(tokenAddr, req.Sender, req.Spender, amount); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleMint(w http.ResponseWriter, r *http.Request) {
	tokenAddr, ok := addressParam(w, r, "token")
	if !ok {
		return
	}
	var req TokenRequest
	amount, ok := decodeTokenRequest(w, r, &req)
	if !ok {
		return
	}
	if err := s.Mint(req.Sender, tokenAddr, req.To, amount); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) respondEvents(w http.ResponseWriter, r *http.Request, fn func(context.Context) ([]model.LedgerEntry, error)) {
	entries, err := fn(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &EventsResponse{Events: entries})
}

// --- Helpers ---

// signed is implemented by request bodies that name the acting account.
type signed interface {
	actor() common.Address
}

func (r *CreateMarketRequest) actor() common.Address { return r.Sender }
func (r *ActionRequest) actor() common.Address       { return r.Sender }
func (r *AdminRequest) actor() common.Address        { return r.Sender }
func (r *PriceRequest) actor() common.Address        { return r.Sender }
func (r *TokenRequest) actor() common.Address        { return r.Sender }

// A signed authorization acts for its authorizer.
func (r *AuthorizationRequest) actor() common.Address {
	if len(r.Signature) > 0 && r.Authorization != nil {
		return r.Authorization.Authorizer
	}
	return r.Sender
}

var errMissingSender = errors.New("sender is required")

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	if req, ok := dst.(signed); ok && req.actor() == (common.Address{}) {
		writeError(w, errMissingSender.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func decodeTokenRequest(w http.ResponseWriter, r *http.Request, req *TokenRequest) (*uint256.Int, bool) {
	if !decode(w, r, req) {
		return nil, false
	}
	amount, err := fixedpoint.ParseAmount(strings.TrimSpace(req.Amount))
	if err != nil {
		writeError(w, "amount must be a whole number of base units", http.StatusBadRequest)
		return nil, false
	}
	return amount, true
}

func marketParam(w http.ResponseWriter, r *http.Request) (model.MarketID, bool) {
	id, err := model.ParseMarketID(chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return id, false
	}
	return id, true
}

func addressParam(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := chi.URLParam(r, name)
	if !common.IsHexAddress(raw) {
		writeError(w, fmt.Sprintf("invalid %s address %q", name, raw), http.StatusBadRequest)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// statusFor maps service and engine errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrPersistence):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUnknownToken), errors.Is(err, ErrUnknownOracle):
		return http.StatusNotFound
	}
	switch engine.Classify(err) {
	case engine.ClassValidation:
		return http.StatusBadRequest
	case engine.ClassNotFound:
		return http.StatusNotFound
	case engine.ClassAuthorization:
		return http.StatusForbidden
	case engine.ClassSolvency:
		return http.StatusConflict
	case engine.ClassCollaborator:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeJSON encodes v, which must be a pointer: 256-bit amounts only
// marshal through addressable values.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
