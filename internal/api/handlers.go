package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"spot-grid-trader-go/internal/apperr"
	"spot-grid-trader-go/internal/trader"
)

const maxBodyBytes = 1 << 20

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type errorBody struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindInvalidState:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInsufficientBalance, apperr.KindInsufficientPosition:
		return http.StatusUnprocessableEntity
	case apperr.KindExchangeTransient, apperr.KindExchangeFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *Server) ok(w http.ResponseWriter, message string, data any) {
	s.writeJSON(w, http.StatusOK, envelope{Code: 0, Message: message, Data: data})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.String("kind", string(kind)), zap.Error(err))
	}
	s.writeJSON(w, status, errorBody{Code: status, Kind: string(kind), Message: apperr.Message(err)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.ok(w, "ok", map[string]any{
		"status":     "healthy",
		"started_at": s.startedAt.Format(time.RFC3339),
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"traders":    len(s.service.List()),
	})
}

func (s *Server) handleListTraders(w http.ResponseWriter, r *http.Request) {
	s.ok(w, "ok", s.service.List())
}

func (s *Server) handleCreateTrader(w http.ResponseWriter, r *http.Request) {
	var req trader.CreateRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.fail(w, r, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	t, err := s.service.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, envelope{Code: 0, Message: "trader created", Data: t})
}

func (s *Server) handleGetTrader(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.Get(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, "ok", t)
}

func (s *Server) handleDeleteTrader(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.service.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, "trader deleted", map[string]string{"id": id})
}

func (s *Server) handleStartTrader(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.Start(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, "trader started", t)
}

func (s *Server) handleStopTrader(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.Stop(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, "trader stopped", t)
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	pnl, err := s.service.GetPnL(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, "ok", pnl)
}

// handleTrades returns recent trades, most recent first.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(w, r, apperr.Wrap(apperr.KindValidation, "limit must be an integer", err))
			return
		}
		limit = n
	}
	trades, err := s.service.ListTrades(r.Context(), q.Get("trader_id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, "ok", trades)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	s.ok(w, "ok", s.service.Balance())
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.fail(w, r, apperr.New(apperr.KindValidation, "symbol is required"))
		return
	}
	t, err := s.service.Ticker(r.Context(), symbol)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, "ok", t)
}

// handleStatistics calculates realized-trade statistics.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Statistics(r.Context(), r.URL.Query().Get("trader_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, "ok", stats)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.fail(w, r, apperr.Newf(apperr.KindNotFound, "no route for %s %s", r.Method, r.URL.Path))
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusMethodNotAllowed, errorBody{
		Code:    http.StatusMethodNotAllowed,
		Kind:    string(apperr.KindValidation),
		Message: "method not allowed",
	})
}
