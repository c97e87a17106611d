package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"ctxproxy/internal/provider"
	"ctxproxy/internal/retrieval"
	"ctxproxy/internal/session"
	"ctxproxy/internal/storage"
	"ctxproxy/pkg/logger"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"type": errType, "message": message},
	})
}

// handleMessages is the proxied chat endpoint. With a session, the proxy
// owns the context window: the client sends only its new turns, the
// active log plus any retrieved archive summaries form the backend
// conversation, and the exchange is recorded afterwards.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req messagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "messages must not be empty")
		return
	}
	if req.Stream {
		writeError(w, http.StatusNotImplemented, "not_implemented", "streaming is not supported")
		return
	}

	inbound, err := decodeInbound(req.Messages)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	system := decodeSystem(req.System)

	if !s.cfg.Cache.Enabled {
		s.proxyWithoutCache(w, r, &req, system, inbound)
		return
	}

	sessionID, err := s.manager.Resolve(r.Header.Get(sessionHeader))
	if errors.Is(err, session.ErrAutoCreateDisabled) {
		writeError(w, http.StatusBadRequest, "invalid_request",
			"X-Session-ID header required when session auto-create is disabled")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "session setup failed")
		return
	}

	var retrieved []storage.Message
	if s.cfg.Retrieval.Enabled {
		retrieved = s.manager.RetrieveContext(sessionID, queryText(inbound))
	}

	snap, err := s.manager.RecordExchange(sessionID, inbound...)
	if err != nil {
		logger.Error().Err(err).Str("session_id", sessionID).Msg("record request failed")
	}
	if snap == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "session unavailable")
		return
	}

	history := make([]storage.Message, 0, len(retrieved)+len(snap.Messages))
	history = append(history, retrieved...)
	history = append(history, snap.Messages...)

	chat := toChatMessages(system, history)
	inputTokens := s.estimateChat(chat)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Ollama.Timeout)
	defer cancel()
	result, err := s.backend.Chat(ctx, chat, provider.ChatOptions{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Tools:       toChatTools(req.Tools),
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "backend_error", "generation backend unavailable")
		return
	}

	if _, err := s.manager.RecordExchange(sessionID, storage.Message{
		Role:    storage.RoleAssistant,
		Content: result.Content,
	}); err != nil {
		logger.Error().Err(err).Str("session_id", sessionID).Msg("record reply failed")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Ollama.SummaryTimeout+10*time.Second)
		defer cancel()
		if _, err := s.manager.MaybeArchive(ctx, sessionID); err != nil {
			logger.Warn().Err(err).Str("session_id", sessionID).Msg("archival cycle failed")
		}
	}()

	w.Header().Set(sessionHeader, sessionID)
	writeJSON(w, http.StatusOK, buildResponse(req.Model, result, inputTokens))
}

// proxyWithoutCache forwards the request verbatim when caching is off.
func (s *Server) proxyWithoutCache(w http.ResponseWriter, r *http.Request, req *messagesRequest, system string, inbound []storage.Message) {
	chat := toChatMessages(system, inbound)
	inputTokens := s.estimateChat(chat)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Ollama.Timeout)
	defer cancel()
	result, err := s.backend.Chat(ctx, chat, provider.ChatOptions{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Tools:       toChatTools(req.Tools),
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "backend_error", "generation backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, buildResponse(req.Model, result, inputTokens))
}

func (s *Server) estimateChat(chat []provider.ChatMessage) int {
	total := 0
	for _, m := range chat {
		total += s.estimator.EstimateText(m.Content) + 1
	}
	return total
}

// queryText joins the user turns of the inbound batch for retrieval
// analysis.
func queryText(msgs []storage.Message) string {
	var parts []string
	for i := range msgs {
		if msgs[i].Role == storage.RoleUser {
			parts = append(parts, msgs[i].PlainText())
		}
	}
	return strings.Join(parts, "\n")
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req messagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	inbound, err := decodeInbound(req.Messages)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	total := s.estimator.EstimateMessages(inbound)
	if system := decodeSystem(req.System); system != "" {
		total += s.estimator.EstimateText(system)
	}
	writeJSON(w, http.StatusOK, map[string]int{"input_tokens": total})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.backend.Models(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "backend_error", "generation backend unavailable")
		return
	}

	data := make([]map[string]string, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]string{"type": "model", "id": m.Name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	backendStatus := "up"
	if _, err := s.backend.Models(ctx); err != nil {
		backendStatus = "down"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": backendStatus,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	sessions, err := s.manager.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "session listing failed")
		return
	}
	if sessions == nil {
		sessions = []storage.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
			return
		}
	}

	if body.SessionID != "" {
		exists, err := s.manager.Exists(body.SessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "session lookup failed")
			return
		}
		if exists {
			writeError(w, http.StatusConflict, "conflict", "session already exists")
			return
		}
	}

	id, err := s.manager.Resolve(body.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "session creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	snap, err := s.manager.Snapshot(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "session load failed")
		return
	}

	resp := map[string]any{
		"session_id":    snap.ID,
		"created_at":    snap.CreatedAt,
		"last_updated":  snap.LastUpdated,
		"message_count": len(snap.Messages),
		"active_tokens": snap.ActiveTokens,
		"total_tokens":  snap.TotalTokens,
		"archive_ids":   snap.ArchiveIDs,
	}
	if r.URL.Query().Get("include_messages") == "true" {
		resp["messages"] = snap.Messages
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := s.manager.Delete(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "session delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "deleted"})
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	keepRecent := s.cfg.Cache.PreserveRecent
	var body struct {
		KeepRecent *int `json:"keep_recent"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
			return
		}
		if body.KeepRecent != nil {
			keepRecent = *body.KeepRecent
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Ollama.SummaryTimeout+10*time.Second)
	defer cancel()

	archiveID, err := s.manager.ForceArchive(ctx, id, keepRecent)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	case errors.Is(err, session.ErrEvictionInFlight):
		writeError(w, http.StatusConflict, "conflict", "archival already in progress")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", "archival failed")
		return
	}

	if archiveID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"archived": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archived": true, "archive_id": archiveID})
}

func (s *Server) handleListArchives(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	archives, err := s.manager.Archives(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "archive listing failed")
		return
	}
	if archives == nil {
		archives = []storage.ArchiveInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"archives": archives,
		"count":    len(archives),
	})
}

func (s *Server) handleGetArchive(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	archive, err := s.manager.Archive(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "archive not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "archive load failed")
		return
	}
	writeJSON(w, http.StatusOK, archive)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	summary, err := s.manager.Summary(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "context summary failed")
		return
	}

	validation, err := s.manager.Validate(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "validation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"context":    summary,
		"validation": validation,
	})
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query parameter q is required")
		return
	}

	matches, err := s.manager.Suggestions(id, query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "suggestion lookup failed")
		return
	}
	if matches == nil {
		matches = []retrieval.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": matches,
		"count":       len(matches),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "stats collection failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
