// Package api exposes the read-only status HTTP API. It reports aggregate
// message counts and recent audit records; it never mutates anything.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/mailgrove/mailgrove/consts"
	"github.com/mailgrove/mailgrove/db"
	"github.com/mailgrove/mailgrove/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Store is the read surface the API serves from.
type Store interface {
	GetStatusReport(ctx context.Context, days int) (*db.StatusReport, error)
	GetMailingListByID(ctx context.Context, id string) (*db.MailingList, error)
	GetRecentIncomingMessages(ctx context.Context, listID string, limit int) ([]*db.IncomingMessage, error)
}

type Server struct {
	store Store
	addr  string
}

func NewServer(store Store, addr string) *Server {
	return &Server{store: store, addr: addr}
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/lists/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("api shutdown: %v", err)
		}
	}()

	logger.Infof("status api listening on %s", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}

	report, err := s.store.GetStatusReport(r.Context(), days)
	if err != nil {
		logger.Errorf("status report failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to build status report")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type messageView struct {
	MessageID  string                `json:"message_id"`
	Subject    string                `json:"subject"`
	From       string                `json:"from"`
	Status     db.MessageStatus      `json:"status"`
	ErrorInfo  *db.MessageErrorInfo  `json:"error_info,omitempty"`
	ReceivedAt time.Time             `json:"received_at"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	listID := mux.Vars(r)["id"]
	if _, err := s.store.GetMailingListByID(r.Context(), listID); err != nil {
		if errors.Is(err, consts.ErrListNotFound) {
			writeError(w, http.StatusNotFound, "no such list")
			return
		}
		logger.Errorf("list lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	messages, err := s.store.GetRecentIncomingMessages(r.Context(), listID, limit)
	if err != nil {
		logger.Errorf("message query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	views := make([]messageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, messageView{
			MessageID:  m.MessageID,
			Subject:    m.Subject,
			From:       m.FromAddr,
			Status:     m.Status,
			ErrorInfo:  m.ErrorInfo,
			ReceivedAt: m.ReceivedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
