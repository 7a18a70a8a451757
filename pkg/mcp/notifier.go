package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/defiflow/internal/store"
	"github.com/rendis/defiflow/pkg/schema"
)

// Notifier pushes notifications to connected users.
type Notifier interface {
	Notify(ctx context.Context, userID string, payload map[string]any) error
}

// SessionRegistry maps user IDs to MCP session IDs. A user is registered
// when it starts a chat from a session.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // userID → sessionID
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register binds userID to sessionID, replacing an earlier session (reconnect).
func (r *SessionRegistry) Register(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = sessionID
}

// SessionFor returns the session bound to userID.
func (r *SessionRegistry) SessionFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[userID]
	return sid, ok
}

// Remove drops every user bound to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, uid)
		}
	}
}

// MCPNotifier implements Notifier with MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to registered sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to the user's session. Best-effort: a user without a
// live session is not an error.
func (n *MCPNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(userID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// captureSession binds userID to the calling session, if any.
func (s *Server) captureSession(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return false
	}
	s.sessions.Register(userID, session.SessionID())
	return true
}

// terminalTransitions are the transitions that finish an execution.
var terminalTransitions = [][2]schema.ExecutionStatus{
	{schema.StatusRunning, schema.StatusCompleted},
	{schema.StatusRunning, schema.StatusFailed},
	{schema.StatusPending, schema.StatusFailed},
}

// watch marks execution id for a completion notification to userID. An
// execution that finished before it was marked is notified here.
func (s *Server) watch(ctx context.Context, id, userID string) {
	s.watched.Store(id, userID)
	snap, err := s.reader.Get(ctx, id)
	if err != nil {
		s.watched.Delete(id)
		s.logger.Warn("cannot follow execution", slog.String("execution_id", id), slog.String("error", err.Error()))
		return
	}
	if snap.Status.IsTerminal() {
		s.notifyFinished(ctx, snap)
	}
}

// executionFinished is the FSM hook for terminal transitions.
func (s *Server) executionFinished(ctx context.Context, _, _ schema.ExecutionStatus, snap *store.Execution) error {
	s.notifyFinished(ctx, snap)
	return nil
}

// notifyFinished sends the completion notification for snap at most once.
func (s *Server) notifyFinished(ctx context.Context, snap *store.Execution) {
	v, ok := s.watched.LoadAndDelete(snap.ID)
	if !ok || s.closed.Load() {
		return
	}
	payload := map[string]any{
		"level":  "info",
		"logger": "defiflow",
		"data": map[string]any{
			"execution_id":   snap.ID,
			"status":         snap.Status,
			"error_messages": snap.ErrorMessages,
		},
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), v.(string), payload); err != nil {
		s.logger.Warn("notification failed", slog.String("execution_id", snap.ID), slog.String("error", err.Error()))
	}
}
