// Package gateway implements the inbound HTTP surface for client
// applications. It classifies each request's action and dispatches to the
// node RPC client or the work broker.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nanotools/nanogate/internal/config"
	"github.com/nanotools/nanogate/internal/node"
	"github.com/nanotools/nanogate/internal/work"
	"github.com/nanotools/nanogate/pkg/log"
)

// genericError is the only failure payload this surface produces. Transport
// errors, upstream errors and unroutable actions all collapse into it.
const genericError = `{"error":"1"}`

// WorkHandler resolves work_generate requests, possibly asynchronously.
type WorkHandler interface {
	Available() bool
	HandleWork(ctx context.Context, rawBody []byte, hash string, sink chan<- work.Result)
}

// PayoutStore records successful faucet payouts.
type PayoutStore interface {
	RecordPayout(ctx context.Context, account, amount, sendHash string) error
}

// Metrics records request outcomes by action.
type Metrics interface {
	RecordRequest(action string, ok bool)
}

// RateLimiter gates the faucet flow per requesting account.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

// Server is the gateway HTTP server. Every response is JSON with status 200;
// application-level failures carry the generic error payload.
type Server struct {
	cfg        *config.Config
	logger     *log.Logger
	rpc        node.RPCInterface
	work       WorkHandler
	payouts    PayoutStore
	metrics    Metrics
	limiter    RateLimiter
	httpServer *http.Server
}

// NewServer creates a gateway server. work, payouts, metrics and limiter may
// be nil.
func NewServer(cfg *config.Config, logger *log.Logger, rpc node.RPCInterface, workHandler WorkHandler, payouts PayoutStore, metrics Metrics, limiter RateLimiter) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger.WithComponent("gateway"),
		rpc:     rpc,
		work:    workHandler,
		payouts: payouts,
		metrics: metrics,
		limiter: limiter,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.ListenPort),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "address", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the dispatch handler for tests.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// handle reads one JSON body, inspects its action and dispatches.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, "", "failed to read request body")
		return
	}

	var req node.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, "", "malformed request body")
		return
	}

	switch {
	case req.Action == "request_nano":
		s.handleRequestNano(w, r.Context(), req.Account)

	case req.Action == "work_generate" && s.work != nil && s.work.Available():
		s.handleWorkGenerate(w, r, body, req.Hash)

	case node.ActionAllowed(req.Action):
		s.handlePassThrough(w, r.Context(), req.Action, body)

	default:
		s.logger.Debug("unroutable action", "action", req.Action)
		s.writeError(w, req.Action, "")
	}
}

// handlePassThrough forwards the raw body to the node and relays its response
// verbatim.
func (s *Server) handlePassThrough(w http.ResponseWriter, ctx context.Context, action string, body []byte) {
	started := time.Now()
	resp, err := s.rpc.Call(ctx, body)
	s.logger.LogRPCCall(action, float64(time.Since(started).Microseconds())/1000, err)

	if err != nil {
		s.writeError(w, action, "")
		return
	}

	s.write(w, action, resp)
}

// handleWorkGenerate delegates to the work broker and waits for the
// asynchronous result on behalf of the HTTP caller.
func (s *Server) handleWorkGenerate(w http.ResponseWriter, r *http.Request, body []byte, hash string) {
	sink := make(chan work.Result, 1)
	s.work.HandleWork(r.Context(), body, hash, sink)

	select {
	case res := <-sink:
		s.write(w, "work_generate", res.Body)
	case <-r.Context().Done():
		// Client gone; the broker discards the pending entry on its own.
	}
}

// requestNanoResponse is the faucet flow's success payload.
type requestNanoResponse struct {
	Account  string `json:"account"`
	Amount   string `json:"amount"`
	SendHash string `json:"send_hash"`
	Frontier string `json:"frontier"`
}

// handleRequestNano sends the configured amount to the requested account and
// reports the account's frontier, "0" when the account has no history yet.
func (s *Server) handleRequestNano(w http.ResponseWriter, ctx context.Context, account string) {
	if !s.allowPayout(ctx, account) {
		s.writeError(w, "request_nano", "rate limited")
		return
	}

	sendResp, err := s.rpc.Send(ctx, s.cfg.FaucetWallet, s.cfg.FaucetSource, account, s.cfg.FaucetRawAmount)
	if err != nil {
		s.logger.WithError(err).WithAccount(account).Warn("faucet send failed")
		s.writeError(w, "request_nano", "")
		return
	}

	info, err := s.rpc.AccountInfo(ctx, account)
	if err != nil {
		s.logger.WithError(err).WithAccount(account).Warn("faucet account_info failed")
		s.writeError(w, "request_nano", "")
		return
	}

	frontier := info.Frontier
	if info.Error != "" {
		// Account hasn't been opened yet.
		frontier = "0"
	}

	s.recordPayout(account, sendResp.Block)

	resp := &requestNanoResponse{
		Account:  account,
		Amount:   s.cfg.FaucetRawAmount,
		SendHash: sendResp.Block,
		Frontier: frontier,
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.writeError(w, "request_nano", "")
		return
	}

	s.write(w, "request_nano", data)
}

// allowPayout checks the per-account faucet rate limit. A limiter failure is
// treated as allowed; the faucet should not go dark because Redis did.
func (s *Server) allowPayout(ctx context.Context, account string) bool {
	if s.limiter == nil || s.cfg.FaucetRateLimit <= 0 {
		return true
	}
	ok, err := s.limiter.CheckRateLimit(ctx, "faucet:"+account, s.cfg.FaucetRateLimit, s.cfg.FaucetRateWindow)
	if err != nil {
		s.logger.WithError(err).WithAccount(account).Warn("faucet rate limit check failed")
		return true
	}
	return ok
}

// recordPayout persists the payout when a store is configured. Best effort;
// the client response does not depend on it.
func (s *Server) recordPayout(account, sendHash string) {
	if s.payouts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.payouts.RecordPayout(ctx, account, s.cfg.FaucetRawAmount, sendHash); err != nil {
		s.logger.WithError(err).WithAccount(account).Warn("failed to record payout")
	}
}

func (s *Server) write(w http.ResponseWriter, action string, body []byte) {
	if _, err := w.Write(body); err != nil {
		s.logger.WithError(err).Debug("failed to write response")
	}
	if s.metrics != nil {
		s.metrics.RecordRequest(action, true)
	}
}

func (s *Server) writeError(w http.ResponseWriter, action, reason string) {
	if reason != "" {
		s.logger.Debug("request rejected", "action", action, "reason", reason)
	}
	if _, err := w.Write([]byte(genericError)); err != nil {
		s.logger.WithError(err).Debug("failed to write error response")
	}
	if s.metrics != nil {
		s.metrics.RecordRequest(action, false)
	}
}
