// Package server is the small operator API for inspecting and driving syncs.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	myerrs "github.com/jdholdren/mynah/internal/errors"
	"github.com/jdholdren/mynah/internal/mynah"
	"github.com/jdholdren/mynah/internal/scheduler"
	"github.com/jdholdren/mynah/internal/serverutil"
	"github.com/jdholdren/mynah/internal/session"
	"github.com/jdholdren/mynah/internal/timeline"
)

type (
	// Server serves the status API.
	Server struct {
		*http.Server

		sessions Sessions
		store    Store
		agentID  string
	}

	Config struct {
		Port    int
		AgentID string
	}

	// Sessions is the part of the session provider the API reads from.
	// Only accounts that already have a session are served.
	Sessions interface {
		Lookup(account string) (*session.Session, bool)
		Accounts() []string
	}

	// Store is the record store, plus the paged reads only the API needs.
	Store interface {
		mynah.MemoryStore
		RoomRecords(ctx context.Context, roomID string, limit, offset int) ([]mynah.MemoryRecord, int, error)
	}
)

func NewServer(cfg Config, sessions Sessions, store Store) *Server {
	r := serverutil.ErrRouter{Router: mux.NewRouter()}

	srvr := &Server{
		sessions: sessions,
		store:    store,
		agentID:  cfg.AgentID,
		Server: &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Port),
			ReadTimeout: 5 * time.Second,
			// A sync waits its turn on the scheduler.
			WriteTimeout: 2 * time.Minute,
			Handler: handlers.RecoveryHandler(
				handlers.PrintRecoveryStack(true),
			)(r),
		},
	}

	r.Use(serverutil.AccessLogMiddleware) // Log everything
	r.HandleFuncE("/v1/status", srvr.getStatus).Methods(http.MethodGet)
	r.HandleFuncE("/v1/accounts/{account}/sync", srvr.postSync).Methods(http.MethodPost)
	r.HandleFuncE("/v1/accounts/{account}/items/{itemID}", srvr.getItem).Methods(http.MethodGet)
	r.HandleFuncE("/v1/accounts/{account}/records/count", srvr.getRecordCount).Methods(http.MethodGet)
	r.HandleFuncE("/v1/accounts/{account}/conversations/{conversationID}/records", srvr.getConversationRecords).Methods(http.MethodGet)

	slog.Debug("configured status server", "port", cfg.Port)

	return srvr
}

type (
	StatusResp struct {
		AgentID  string          `json:"agent_id"`
		Accounts []AccountStatus `json:"accounts"`
	}

	AccountStatus struct {
		Account   string           `json:"account"`
		Scheduler scheduler.Stats  `json:"scheduler"`
		LastSync  *timeline.Report `json:"last_sync"`
	}

	RecordsResp struct {
		Records    []mynah.MemoryRecord `json:"records"`
		Pagination paginationMeta       `json:"pagination"`
	}

	RecordCountResp struct {
		Account string `json:"account"`
		AgentID string `json:"agent_id"`
		Count   int    `json:"count"`
	}
)

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) error {
	resp := StatusResp{
		AgentID:  s.agentID,
		Accounts: []AccountStatus{},
	}
	for _, account := range s.sessions.Accounts() {
		sess, ok := s.sessions.Lookup(account)
		if !ok {
			continue
		}

		status := AccountStatus{
			Account:   account,
			Scheduler: sess.Scheduler.Stats(),
		}
		if rep, ok := sess.Sync.LastReport(); ok {
			status.LastSync = &rep
		}
		resp.Accounts = append(resp.Accounts, status)
	}

	return serverutil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) postSync(w http.ResponseWriter, r *http.Request) error {
	sess, err := s.session(r)
	if err != nil {
		return err
	}

	rep, err := sess.Sync.Sync(r.Context())
	if err != nil {
		return fmt.Errorf("error syncing: %w", err)
	}

	return serverutil.WriteJSON(w, http.StatusOK, rep)
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) error {
	sess, err := s.session(r)
	if err != nil {
		return err
	}

	item, err := sess.Client.Item(r.Context(), mux.Vars(r)["itemID"])
	if err != nil {
		return fmt.Errorf("error getting item: %w", err)
	}

	return serverutil.WriteJSON(w, http.StatusOK, item)
}

func (s *Server) getRecordCount(w http.ResponseWriter, r *http.Request) error {
	sess, err := s.session(r)
	if err != nil {
		return err
	}

	count, err := s.store.CountRecords(r.Context(), s.agentID)
	if err != nil {
		return fmt.Errorf("error counting records: %w", err)
	}

	return serverutil.WriteJSON(w, http.StatusOK, RecordCountResp{
		Account: sess.Account,
		AgentID: s.agentID,
		Count:   count,
	})
}

// Lists the stored records of one conversation, newest first.
func (s *Server) getConversationRecords(w http.ResponseWriter, r *http.Request) error {
	if _, err := s.session(r); err != nil {
		return err
	}

	var (
		roomID        = mynah.RoomID(mux.Vars(r)["conversationID"], s.agentID)
		limit, offset = parsePaginationParams(r, 20, 100)
	)
	recs, total, err := s.store.RoomRecords(r.Context(), roomID, limit, offset)
	if err != nil {
		return fmt.Errorf("error fetching records: %w", err)
	}

	return serverutil.WriteJSON(w, http.StatusOK, RecordsResp{
		Records: recs,
		Pagination: paginationMeta{
			Limit:  limit,
			Offset: offset,
			Total:  total,
		},
	})
}

func (s *Server) session(r *http.Request) (*session.Session, error) {
	account := mux.Vars(r)["account"]

	sess, ok := s.sessions.Lookup(account)
	if !ok {
		return nil, myerrs.E(
			http.StatusNotFound,
			"unknown account",
			myerrs.Detail{Field: "account", Error: fmt.Sprintf("no session for %q", account)},
		)
	}

	return sess, nil
}
