// Package admin exposes the HTTP surface of a participant node. Coordinators register
// transactions, report activity and prepared votes, write intents and notify aborts;
// operators read health, the running transaction table and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	fsm "github.com/sushant-115/gojotxn/core/replication/raft_consensus"
	"github.com/sushant-115/gojotxn/core/transaction"
	"go.uber.org/zap"
)

// Participant is the part of *transaction.Participant the admin API drives.
type Participant interface {
	Register(id transaction.TransactionID) (*transaction.RunningTransaction, error)
	Touch(id transaction.TransactionID) error
	MarkPrepared(id transaction.TransactionID) error
	List() []transaction.TransactionInfo
	NotifyAborted(ctx context.Context, id transaction.TransactionID) error
	RetryRemoveIntents(ctx context.Context, id transaction.TransactionID) (bool, error)
	LogPrefix() string
}

// IntentWriter replicates a provisional write of a transaction. *fsm.IntentProposer
// implements it.
type IntentWriter interface {
	WriteIntent(ctx context.Context, id transaction.TransactionID, key, value []byte) error
}

type server struct {
	participant Participant
	writer      IntentWriter
	logger      *zap.Logger
}

// WriteIntentRequest is the body of POST /v1/transactions/{id}/intents. Key and value
// travel base64 encoded.
type WriteIntentRequest struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// RegisterRequest is the optional body of POST /v1/transactions. An empty id asks the
// participant to allocate one.
type RegisterRequest struct {
	ID string `json:"id,omitempty"`
}

// NewServer wires the admin handlers into a router. metrics may be nil; without a writer
// the intents route is not mounted.
func NewServer(participant Participant, writer IntentWriter, metrics http.Handler, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &server{participant: participant, writer: writer, logger: logger.Named("admin_api")}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	r.Route("/v1/transactions", func(r chi.Router) {
		r.Get("/", s.listTransactions)
		r.Post("/", s.registerTransaction)
		r.Post("/{id}/touch", s.touchTransaction)
		r.Post("/{id}/prepare", s.prepareTransaction)
		if writer != nil {
			r.Post("/{id}/intents", s.writeIntent)
		}
		r.Post("/{id}/abort", s.abortTransaction)
		r.Post("/{id}/remove-intents", s.retryRemoveIntents)
	})
	return r
}

func (s *server) listTransactions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prefix":       s.participant.LogPrefix(),
		"transactions": s.participant.List(),
	})
}

func (s *server) registerTransaction(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("bad request body: %v", err)})
		return
	}
	id := transaction.NewTransactionID()
	if req.ID != "" {
		var err error
		if id, err = transaction.ParseTransactionID(req.ID); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	if _, err := s.participant.Register(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String(), "status": "running"})
}

func (s *server) touchTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	if err := s.participant.Touch(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
}

func (s *server) prepareTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	if err := s.participant.MarkPrepared(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "prepared"})
}

// writeIntent replicates a provisional write. Only tracked transactions may write, and
// the write counts as activity.
func (s *server) writeIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	var req WriteIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("bad request body: %v", err)})
		return
	}
	if len(req.Key) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "key must not be empty"})
		return
	}
	if err := s.participant.Touch(id); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.writer.WriteIntent(r.Context(), id, req.Key, req.Value); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

func (s *server) abortTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	if err := s.participant.NotifyAborted(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String(), "status": "aborted"})
}

func (s *server) retryRemoveIntents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.transactionID(w, r)
	if !ok {
		return
	}
	scheduled, err := s.participant.RetryRemoveIntents(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": id.String(), "scheduled": scheduled})
}

func (s *server) transactionID(w http.ResponseWriter, r *http.Request) (transaction.TransactionID, bool) {
	id, err := transaction.ParseTransactionID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return transaction.NilTransactionID, false
	}
	return id, true
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, transaction.ErrTxnNotFound):
		status = http.StatusNotFound
	case errors.Is(err, transaction.ErrTxnInvalidState), errors.Is(err, transaction.ErrTxnAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, transaction.ErrParticipantStopped), errors.Is(err, fsm.ErrNotLeader):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("Admin request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
