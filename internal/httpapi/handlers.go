package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/pkg/schema"
)

const maxChatBody = 1 << 20

type chatRequest struct {
	Message       string                    `json:"message"`
	WalletAddress string                    `json:"wallet_address"`
	UserID        string                    `json:"user_id"`
	ChainID       int                       `json:"chain_id"`
	Balances      map[string]float64        `json:"balances"`
	Positions     map[string]map[string]any `json:"positions"`
}

type chatResponse struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Dispatcher != nil {
		body["pool"] = s.deps.Dispatcher.Metrics()
	}
	if s.deps.Health != nil {
		for k, v := range s.deps.Health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// handleChat starts a chat workflow and answers before any stage runs.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChatBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateChatRequest(doc); err != nil {
			writeFlowError(w, err)
			return
		}
	}
	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid chat request: %v", err))
		return
	}

	meta := store.Metadata{
		Message:       req.Message,
		WalletAddress: req.WalletAddress,
		UserID:        req.UserID,
		ChainID:       req.ChainID,
		Balances:      req.Balances,
		Positions:     req.Positions,
	}
	if meta.WalletAddress == "" {
		meta.WalletAddress = s.deps.DefaultWallet
	}

	snap, err := s.deps.Dispatcher.Submit(ctx, meta)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, chatResponse{ExecutionID: snap.ID, Status: snap.Status})
}

// handleListExecutions lists snapshots. ?status=, ?user_id= and ?limit=
// filter; ?jq= projects the result through a jq expression over
// {"executions": [...]}.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := store.ExecutionFilter{
		UserID: q.Get("user_id"),
		Limit:  queryInt(r, "limit", 0),
	}
	if v := q.Get("status"); v != "" {
		status := schema.ExecutionStatus(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", v))
			return
		}
		filter.Status = &status
	}

	if expr := q.Get("jq"); expr != "" {
		out, err := s.deps.Reader.Query(ctx, filter, expr)
		if err != nil {
			writeFlowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": out})
		return
	}

	list, err := s.deps.Reader.List(ctx, filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if list == nil {
		list = []*store.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": list, "count": len(list)})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Reader.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Dispatcher.Cancel(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"ok":           "true",
		"execution_id": id,
	})
}
