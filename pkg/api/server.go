package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoBrian/OpenAudit/pkg/chain"
	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
	"github.com/MarcoBrian/OpenAudit/pkg/settlement"
)

// Settlement is the orchestrator surface served over HTTP.
type Settlement interface {
	Settle(ctx context.Context, req settlement.Request) (settlement.Record, error)
	Bridge(ctx context.Context, req settlement.BridgeRequest) (settlement.Record, error)
	Status(ctx context.Context, bridgeID string) (settlement.Record, error)
	StatusByBounty(ctx context.Context, bountyID uint64) (settlement.Record, error)
	EstimateFee(amount money.Amount, destination string) (settlement.Fee, error)
	Destinations() []settlement.Destination
	Source() settlement.Destination
	Abort(ctx context.Context, bridgeID string) (settlement.Record, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Options configures a Server. Zero values leave the feature off.
type Options struct {
	Auth        *Authenticator
	RateLimiter *RateLimiter
	Idempotency IdempotencyStore
	// Resolver serves GET /payout-destination/{address}.
	Resolver settlement.DestinationResolver
	Health   map[string]HealthCheck
	Logger   *slog.Logger
}

// Server routes the settlement HTTP API.
type Server struct {
	svc       Settlement
	opts      Options
	validator *Validator
	logger    *slog.Logger
	started   time.Time
}

func NewServer(svc Settlement, opts Options) (*Server, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	if opts.Auth == nil {
		logger.Warn("AUTH_JWT_SECRET not set: mutating routes are unauthenticated")
	}
	return &Server{svc: svc, opts: opts, validator: v, logger: logger, started: time.Now()}, nil
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	// Cached responses are replayed behind authentication.
	replay := func(h http.Handler) http.Handler { return h }
	if s.opts.Idempotency != nil {
		replay = Idempotency(s.opts.Idempotency, s.logger)
	}
	guard := func(h http.HandlerFunc) http.Handler {
		return s.opts.Auth.Require(OperatorRole, replay(h))
	}

	mux.Handle("POST /bridge", guard(s.handleBridge))
	mux.Handle("POST /settle", guard(s.handleSettle))
	mux.Handle("POST /bridge/{id}/abort", guard(s.handleAbort))
	mux.HandleFunc("GET /bridge/{id}", s.handleBridgeStatus)
	mux.HandleFunc("GET /settle/{bountyId}", s.handleSettleStatus)
	mux.HandleFunc("POST /estimate", s.handleEstimate)
	mux.HandleFunc("GET /destinations", s.handleDestinations)
	mux.HandleFunc("GET /payout-destination/{address}", s.handlePayoutDestination)
	mux.HandleFunc("GET /health", s.handleHealth)

	mws := []Middleware{Recover, RequestID, AccessLog(s.logger)}
	if s.opts.RateLimiter != nil {
		mws = append(mws, s.opts.RateLimiter.Middleware)
	}
	return Chain(mux, mws...)
}

type bridgeBody struct {
	Amount      money.Amount `json:"amount"`
	Recipient   string       `json:"recipient"`
	Destination string       `json:"destination"`
}

type settleBody struct {
	BountyID    uint64        `json:"bounty_id"`
	Winner      chain.Address `json:"winner"`
	Amount      money.Amount  `json:"amount"`
	Destination *string       `json:"destination"`
}

type estimateBody struct {
	Amount      money.Amount `json:"amount"`
	Destination string       `json:"destination"`
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	var body bridgeBody
	if err := s.validator.Decode(w, r, "bridge", &body); err != nil {
		WriteErrorR(w, r, err)
		return
	}
	rec, err := s.svc.Bridge(r.Context(), settlement.BridgeRequest{
		Amount:      body.Amount,
		Recipient:   body.Recipient,
		Destination: body.Destination,
	})
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var body settleBody
	if err := s.validator.Decode(w, r, "settle", &body); err != nil {
		WriteErrorR(w, r, err)
		return
	}
	rec, err := s.svc.Settle(r.Context(), settlement.Request{
		BountyID:    body.BountyID,
		Winner:      body.Winner,
		Amount:      body.Amount,
		Destination: body.Destination,
	})
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, recordStatus(rec), rec)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Abort(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleBridgeStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSettleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("bountyId"), 10, 64)
	if err != nil || id == 0 {
		WriteErrorR(w, r, errcode.InvalidRequest.Withf("bounty id %q", r.PathValue("bountyId")))
		return
	}
	rec, err := s.svc.StatusByBounty(r.Context(), id)
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var body estimateBody
	if err := s.validator.Decode(w, r, "estimate", &body); err != nil {
		WriteErrorR(w, r, err)
		return
	}
	fee, err := s.svc.EstimateFee(body.Amount, body.Destination)
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fee)
}

func (s *Server) handleDestinations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"source":       s.svc.Source(),
		"destinations": s.svc.Destinations(),
	})
}

type payoutDestination struct {
	Address     string `json:"address"`
	Raw         string `json:"raw"`
	Destination string `json:"destination,omitempty"`
	Supported   bool   `json:"supported"`
	SameChain   bool   `json:"same_chain"`
}

func (s *Server) handlePayoutDestination(w http.ResponseWriter, r *http.Request) {
	if s.opts.Resolver == nil {
		WriteNotFound(w, "No identity registry is configured")
		return
	}
	addr, err := chain.ParseAddress(r.PathValue("address"))
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	raw, err := s.opts.Resolver.PayoutDestination(r.Context(), addr)
	if err != nil {
		WriteErrorR(w, r, err)
		return
	}
	out := payoutDestination{Address: addr.Hex(), Raw: raw}
	if fee, err := s.svc.EstimateFee(0, raw); err == nil {
		out.Destination, out.Supported, out.SameChain = fee.Destination, true, fee.SameChain
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(s.opts.Health))
	for name, check := range s.opts.Health {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("health check failed", "check", name, "error", err)
			checks[name] = "unavailable"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"source":         s.svc.Source().ID,
		"checks":         checks,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// recordStatus is 200 for a final record and 202 while work remains.
func recordStatus(rec settlement.Record) int {
	if rec.Final() {
		return http.StatusOK
	}
	return http.StatusAccepted
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
