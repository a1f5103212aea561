package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"automiddleman/escrow"
	"automiddleman/wallet"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Server is the HTTP interaction surface of the daemon. It translates
// structured requests from the chat front end into orchestrator calls; the
// core never sees free-form message text.
type Server struct {
	engine  *escrow.Engine
	watcher *escrow.DealWatcher
	stats   *escrow.StatsAggregator
	audit   *AuditStore
	log     *slog.Logger
	router  chi.Router

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   int
}

// NewServer wires the HTTP routes.
func NewServer(engine *escrow.Engine, watcher *escrow.DealWatcher, stats *escrow.StatsAggregator, audit *AuditStore, log *slog.Logger, ratePerMinute int) *Server {
	if engine == nil {
		panic("engine required")
	}
	if watcher == nil {
		panic("watcher required")
	}
	if stats == nil {
		panic("stats aggregator required")
	}
	if log == nil {
		log = slog.Default()
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 120
	}
	s := &Server{
		engine:   engine,
		watcher:  watcher,
		stats:    stats,
		audit:    audit,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
		perMin:   ratePerMinute,
	}

	r := chi.NewRouter()
	r.Use(s.rateLimit)
	r.Use(s.auditRequests)

	r.Post("/deals", s.handleCreate)
	r.Post("/deals/{id}/accept", s.handleAccept)
	r.Post("/deals/{id}/participants", s.handleAddSecondParty)
	r.Post("/deals/{id}/role", s.handleSelectRole)
	r.Post("/deals/{id}/confirm-role", s.handleConfirmRole)
	r.Post("/deals/{id}/funds-claimed", s.handleFundsClaimed)
	r.Post("/deals/{id}/release", s.handleRelease)
	r.Post("/deals/{id}/cancel", s.handleCancel)
	r.Get("/deals/{id}", s.handleGetDeal)
	r.Get("/stats", s.handleGlobalStats)
	r.Get("/stats/{participant}", s.handleParticipantStats)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// --- middleware ---

func (s *Server) limiterFor(client string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	limiter, ok := s.limiters[client]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(s.perMin)/60.0), s.perMin)
		s.limiters[client] = limiter
	}
	return limiter
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			client = r.RemoteAddr
		}
		if !s.limiterFor(client).Allow() {
			s.writeError(w, http.StatusTooManyRequests, errors.New("too many requests, slow down"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (s *Server) auditRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.audit == nil || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		entry := AuditEntry{
			Actor:          r.Header.Get("X-Actor"),
			Method:         r.Method,
			Path:           r.URL.Path,
			RequestBody:    body,
			ResponseStatus: rec.status,
			Timestamp:      time.Now().UTC(),
		}
		if err := s.audit.Insert(r.Context(), entry); err != nil {
			s.log.Error("audit insert", "error", err)
		}
	})
}

// --- handlers ---

type createRequest struct {
	Initiator string `json:"initiator"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decode(w, r, &req) {
		return
	}
	deal, err := s.engine.Create(r.Context(), req.Initiator)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, dealView(deal))
}

type participantRequest struct {
	Participant string `json:"participant"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.Accept(r.Context(), chi.URLParam(r, "id"), req.Participant); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeDeal(w, chi.URLParam(r, "id"))
}

func (s *Server) handleAddSecondParty(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.AddSecondParty(r.Context(), chi.URLParam(r, "id"), req.Participant); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeDeal(w, chi.URLParam(r, "id"))
}

type roleRequest struct {
	Participant string `json:"participant"`
	Role        string `json:"role"`
}

func (s *Server) handleSelectRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !s.decode(w, r, &req) {
		return
	}
	role, err := escrow.ParseRole(req.Role)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.SelectRole(r.Context(), chi.URLParam(r, "id"), req.Participant, role); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeDeal(w, chi.URLParam(r, "id"))
}

func (s *Server) handleConfirmRole(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.ConfirmRole(r.Context(), chi.URLParam(r, "id"), req.Participant); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeDeal(w, chi.URLParam(r, "id"))
}

func (s *Server) handleFundsClaimed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deal, err := s.engine.Deal(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	switch deal.State {
	case escrow.DealAwaitingPayment, escrow.DealAwaitingConfirmation:
		s.watcher.WatchFunds(id)
		s.writeJSON(w, http.StatusAccepted, dealView(deal))
	default:
		s.writeError(w, http.StatusConflict, fmt.Errorf("deal is %s, not awaiting a payment", deal.State))
	}
}

type releaseRequest struct {
	Destination string `json:"destination"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	txid, err := s.engine.Release(r.Context(), chi.URLParam(r, "id"), req.Destination)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"txid": txid})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeDeal(w, chi.URLParam(r, "id"))
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	s.writeDeal(w, chi.URLParam(r, "id"))
}

func (s *Server) handleGlobalStats(w http.ResponseWriter, r *http.Request) {
	totals, err := s.stats.Global()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"dealCount":   totals.DealCount,
		"totalVolume": totals.TotalVolume.ToBTC(),
	})
}

func (s *Server) handleParticipantStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Participant(chi.URLParam(r, "participant"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"amountSent":     stats.AmountSent.ToBTC(),
		"amountReceived": stats.AmountReceived.ToBTC(),
		"totalVolume":    stats.TotalVolume.ToBTC(),
		"totalDeals":     stats.TotalDeals,
	})
}

// --- helpers ---

// DealView is the participant-visible projection of a deal record. The
// custodial key never leaves the store.
type DealView struct {
	ID                 string   `json:"id"`
	State              string   `json:"state"`
	Participants       []string `json:"participants"`
	Sender             string   `json:"sender,omitempty"`
	Receiver           string   `json:"receiver,omitempty"`
	DepositAddress     string   `json:"depositAddress,omitempty"`
	AmountReceived     float64  `json:"amountReceived"`
	DestinationAddress string   `json:"destinationAddress,omitempty"`
	TxID               string   `json:"txid,omitempty"`
	CreatedAt          int64    `json:"createdAt"`
	ClosedAt           int64    `json:"closedAt,omitempty"`
}

func dealView(d *escrow.Deal) DealView {
	return DealView{
		ID:                 d.ID,
		State:              d.State.String(),
		Participants:       d.Participants,
		Sender:             d.Sender,
		Receiver:           d.Receiver,
		DepositAddress:     d.DepositAddress,
		AmountReceived:     d.AmountReceived.ToBTC(),
		DestinationAddress: d.DestinationAddress,
		TxID:               d.TxID,
		CreatedAt:          d.CreatedAt,
		ClosedAt:           d.ClosedAt,
	}
}

func (s *Server) writeDeal(w http.ResponseWriter, id string) {
	deal, err := s.engine.Deal(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dealView(deal))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeDomainError maps the failure taxonomy onto HTTP statuses and
// user-facing guidance: retry-later, act-required or deal-over.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	hint := ""
	switch {
	case errors.Is(err, escrow.ErrDealNotFound):
		status = http.StatusNotFound
		hint = "this deal does not exist"
	case errors.Is(err, escrow.ErrInvalidParticipant),
		errors.Is(err, escrow.ErrUnknownParticipant),
		errors.Is(err, escrow.ErrRoleNotSelected),
		errors.Is(err, escrow.ErrInvalidDestination):
		status = http.StatusBadRequest
		hint = "check your input and try again"
	case errors.Is(err, escrow.ErrRoleConflict):
		status = http.StatusConflict
		hint = "both participants picked the same role; please reselect"
	case errors.Is(err, escrow.ErrInvalidState):
		status = http.StatusConflict
		hint = "the deal is not in a state that allows this action"
	case errors.Is(err, escrow.ErrNoFundsAvailable):
		status = http.StatusConflict
		hint = "no spendable funds at the deposit address yet"
	case errors.Is(err, escrow.ErrTimeoutExpired):
		status = http.StatusGone
		hint = "this deal timed out and is over"
	case errors.Is(err, wallet.ErrUnavailable):
		status = http.StatusServiceUnavailable
		hint = "the payment network is unreachable, retry later"
	case errors.Is(err, wallet.ErrRejected):
		status = http.StatusBadGateway
		hint = "the payment network rejected the request"
	case errors.Is(err, escrow.ErrAllocation):
		status = http.StatusInternalServerError
		hint = "could not record the deal, retry later"
	}
	payload := map[string]string{"error": err.Error()}
	if hint != "" {
		payload["hint"] = hint
	}
	s.writeJSON(w, status, payload)
}
