package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aeolun/chatcast/pkg/database"
	"github.com/aeolun/chatcast/pkg/i18n"
	"github.com/aeolun/chatcast/pkg/protocol"
	"github.com/samber/lo"
	"golang.org/x/text/language"
)

// HistoryEntry is one stored message as served by the history API. The id
// is a string because snowflake ids exceed JavaScript's safe integer range.
type HistoryEntry struct {
	ID        int64         `json:"id,string"`
	Sender    string        `json:"sender"`
	Body      string        `json:"body"`
	CreatedAt time.Time     `json:"createdAt"`
	Kind      protocol.Kind `json:"kind"`
}

func toHistoryEntry(m *database.Message, _ int) HistoryEntry {
	return HistoryEntry{
		ID:        m.ID,
		Sender:    m.Sender,
		Body:      m.Body,
		CreatedAt: time.UnixMilli(m.CreatedAt).UTC(),
		Kind:      m.Kind,
	}
}

// Routes builds the HTTP mux: the WebSocket endpoint, history, localized
// strings, health and metrics.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.config.WSPath, s.HandleWebSocket)
	mux.HandleFunc("GET /health", s.HealthHandler)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /api/messages", s.MessagesExportHandler)
	mux.HandleFunc("GET /api/chat/messages", s.historyHandler(func(*http.Request) (database.MessageFilter, error) {
		return database.MessageFilter{}, nil
	}))
	mux.HandleFunc("GET /api/chat/messages/chat", s.historyHandler(func(*http.Request) (database.MessageFilter, error) {
		kind := protocol.KindChat
		return database.MessageFilter{Kind: &kind}, nil
	}))
	mux.HandleFunc("GET /api/chat/messages/type/{kind}", s.historyHandler(func(r *http.Request) (database.MessageFilter, error) {
		kind, err := protocol.ParseKind(r.PathValue("kind"))
		if err != nil {
			return database.MessageFilter{}, err
		}
		return database.MessageFilter{Kind: &kind}, nil
	}))
	mux.HandleFunc("GET /api/chat/messages/sender/{name}", s.historyHandler(func(r *http.Request) (database.MessageFilter, error) {
		return database.MessageFilter{Sender: r.PathValue("name")}, nil
	}))
	return mux
}

// historyHandler serves stored messages newest first. filterFor turns the
// request path into a filter; its errors become 400s.
func (s *Server) historyHandler(filterFor func(*http.Request) (database.MessageFilter, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.history == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "message history is disabled")
			return
		}

		filter, err := filterFor(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		filter.Limit = s.config.HistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 1 {
				writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			filter.Limit = min(limit, database.MaxListLimit)
		}

		messages, err := s.history.ListMessages(r.Context(), filter)
		if err != nil {
			errorLog.Printf("History query failed: %v", err)
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		writeJSON(w, http.StatusOK, lo.Map(messages, toHistoryEntry))
	}
}

// MessagesExportHandler serves every exported UI string for the requested
// language. ?lang= wins over Accept-Language; the default locale is the
// last resort.
func (s *Server) MessagesExportHandler(w http.ResponseWriter, r *http.Request) {
	tag := s.catalog.Match(r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"))
	w.Header().Set("Content-Language", tag.String())
	writeJSON(w, http.StatusOK, s.catalog.Export(tag, i18n.ExportedKeys))
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":             "healthy",
		"uptime_seconds":     int64(time.Since(s.startTime).Seconds()),
		"active_connections": s.registry.Count(),
		"joined_users":       len(s.registry.Names()),
		"locales":            lo.Map(s.catalog.Supported(), func(t language.Tag, _ int) string { return t.String() }),
	}

	status := http.StatusOK
	if s.db != nil {
		count, err := s.db.CountMessages(r.Context())
		health["database_accessible"] = err == nil
		if err != nil {
			errorLog.Printf("Health check database query failed: %v", err)
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			health["stored_messages"] = count
		}
	}

	writeJSON(w, status, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debugLog.Printf("Error encoding JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
