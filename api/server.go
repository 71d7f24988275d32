// Package api exposes the escrow engine to the table/seat manager over JSON
// HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"octescrow/escrow"
)

// Server wires the lifecycle engine behind an authenticated HTTP router.
type Server struct {
	engine *escrow.Engine
	logger *slog.Logger
	router http.Handler
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine *escrow.Engine
	Logger *slog.Logger
	// TokenSecret enables HS256 bearer-token auth on the /v1 routes when
	// non-empty.
	TokenSecret string
	// RateLimitPerSec throttles mutating requests; zero disables the
	// limiter.
	RateLimitPerSec float64
}

// New constructs a configured HTTP server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{engine: cfg.Engine, logger: logger}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.TokenSecret != "" {
			r.Use(bearerAuth(cfg.TokenSecret, s.logger))
		}
		if cfg.RateLimitPerSec > 0 {
			r.Use(rateLimit(cfg.RateLimitPerSec))
		}

		r.Post("/quotes", s.handleCreateQuote)
		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Get("/sessions", s.handleLookupSession)
		r.Post("/sessions/{sessionID}/verify", s.handleVerifyDeposit)
		r.Post("/sessions/{sessionID}/play", s.handleStartPlaying)
		r.Post("/sessions/{sessionID}/stack", s.handleUpdateStack)
		r.Post("/sessions/{sessionID}/settle", s.handleSettle)
		r.Post("/sessions/{sessionID}/refund", s.handleRefund)
		r.Get("/stats", s.handleStats)
		r.Post("/winnings", s.handleRecordWinning)
		r.Post("/winnings/{winningID}/claim", s.handleClaimWinning)
		r.Get("/winnings", s.handleListWinnings)
	})
	return r
}

type quoteRequest struct {
	PlayerAddress string `json:"playerAddress"`
	PlayerName    string `json:"playerName"`
	TableID       string `json:"tableId"`
	SeatIndex     int    `json:"seatIndex"`
	Amount        string `json:"amount"`
}

type quoteResponse struct {
	Session        *escrow.Session `json:"session"`
	DepositAddress string          `json:"depositAddress"`
	EncodedPayload string          `json:"encodedPayload"`
}

func (s *Server) handleCreateQuote(w http.ResponseWriter, r *http.Request) {
	req := quoteRequest{}
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	session, err := s.engine.CreateQuote(r.Context(), escrow.QuoteParams{
		PlayerAddress: req.PlayerAddress,
		PlayerName:    req.PlayerName,
		TableID:       req.TableID,
		SeatIndex:     req.SeatIndex,
		Amount:        amount,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, quoteResponse{
		Session:        session,
		DepositAddress: session.WalletAddress,
		EncodedPayload: session.EncodedPayload,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.GetSession(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleLookupSession(w http.ResponseWriter, r *http.Request) {
	player := strings.TrimSpace(r.URL.Query().Get("player"))
	table := strings.TrimSpace(r.URL.Query().Get("table"))
	if player == "" || table == "" {
		writeError(w, http.StatusBadRequest, "player and table query parameters required")
		return
	}
	session, err := s.engine.GetSessionByPlayerAndTable(player, table)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type verifyDepositRequest struct {
	TxHash string `json:"txHash"`
}

func (s *Server) handleVerifyDeposit(w http.ResponseWriter, r *http.Request) {
	req := verifyDepositRequest{}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TxHash) == "" {
		writeError(w, http.StatusBadRequest, "txHash required")
		return
	}
	session, err := s.engine.VerifyDeposit(r.Context(), chi.URLParam(r, "sessionID"), req.TxHash)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleStartPlaying(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.StartPlaying(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type updateStackRequest struct {
	Stack string `json:"stack"`
}

func (s *Server) handleUpdateStack(w http.ResponseWriter, r *http.Request) {
	req := updateStackRequest{}
	if !decodeBody(w, r, &req) {
		return
	}
	stack, ok := parseAmount(req.Stack)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid stack")
		return
	}
	session, err := s.engine.UpdateStack(chi.URLParam(r, "sessionID"), stack)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type settleRequest struct {
	FinalStack string `json:"finalStack"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	req := settleRequest{}
	if !decodeBody(w, r, &req) {
		return
	}
	finalStack, ok := parseAmount(req.FinalStack)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid finalStack")
		return
	}
	session, err := s.engine.Settle(r.Context(), chi.URLParam(r, "sessionID"), finalStack)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.Refund(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type recordWinningRequest struct {
	FromSessionID string `json:"fromSessionId"`
	ToSessionID   string `json:"toSessionId"`
	Amount        string `json:"amount"`
}

func (s *Server) handleRecordWinning(w http.ResponseWriter, r *http.Request) {
	req := recordWinningRequest{}
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	winning, err := s.engine.RecordWinning(req.FromSessionID, req.ToSessionID, amount)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, winning)
}

func (s *Server) handleClaimWinning(w http.ResponseWriter, r *http.Request) {
	winning, err := s.engine.ClaimWinning(r.Context(), chi.URLParam(r, "winningID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, winning)
}

func (s *Server) handleListWinnings(w http.ResponseWriter, r *http.Request) {
	winnings, err := s.engine.ListWinnings()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, winnings)
}

// writeEngineError maps the engine's error categories onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrSessionNotFound), errors.Is(err, escrow.ErrWinningNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrInvalidStatus), errors.Is(err, escrow.ErrDuplicateSession),
		errors.Is(err, escrow.ErrAlreadyClaimed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrSessionExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, escrow.ErrVerificationFailed), errors.Is(err, escrow.ErrReplayDetected):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, escrow.ErrInvalidStack):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrSettlementFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parseAmount(raw string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, false
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, false
	}
	return amount, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
