package campoquery

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// AskHTTPRequest is the HTTP request body for POST /ask.
type AskHTTPRequest struct {
	Question       string         `json:"question"`
	UserID         string         `json:"user_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// HealthResponse is the health check response body.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the HTTP error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// NewHTTPHandler builds the HTTP surface for the agent.
func NewHTTPHandler(agent *Agent, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: agent.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
	}))

	r.Post("/ask", newAskHandler(agent, logger))
	r.Delete("/conversations/{conversationID}", newDeleteConversationHandler(agent, logger))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
	})

	return r
}

// newDeleteConversationHandler purges one conversation from the store.
func newDeleteConversationHandler(agent *Agent, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "conversationID")

		if err := agent.Store().Delete(r.Context(), conversationID); err != nil {
			if errors.Is(err, ErrConversationNotFound) {
				respondError(w, http.StatusNotFound, "conversation not found", ErrCodeState)
				return
			}
			logger.Error("failed to delete conversation",
				"error", err,
				"conversation_id", conversationID,
			)
			respondError(w, http.StatusInternalServerError, "An error occurred while deleting the conversation", ErrorCode(err))
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func newAskHandler(agent *Agent, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AskHTTPRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", ErrCodeValidation)
			return
		}
		if req.Question == "" {
			respondError(w, http.StatusBadRequest, "question is required", ErrCodeValidation)
			return
		}

		resp, err := agent.Ask(r.Context(), AskRequest{
			Question:       req.Question,
			UserID:         req.UserID,
			ConversationID: req.ConversationID,
			Extra:          req.Extra,
		})
		if err != nil {
			code := ErrorCode(err)
			logger.Error("failed to process question",
				"error", err,
				"code", code,
				"conversation_id", req.ConversationID,
			)
			respondError(w, statusForCode(code), "An error occurred while processing your message", code)
			return
		}

		respondJSON(w, http.StatusOK, resp)
	}
}

func statusForCode(code string) int {
	switch code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message, code string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
