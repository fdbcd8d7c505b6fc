package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/comigor/chatgw/internal/logger"
)

// NewRouter wires the chat endpoints. The chat routes are mounted both at
// /chat and at /api/chat, the path the web UI posts to.
func NewRouter(chatHandler *ChatHandler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(RequestID)
	r.Use(AccessLog)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
			logger.From(r.Context()).Warn("failed to write health response", "error", err)
		}
	})

	for _, path := range []string{"/chat", "/api/chat"} {
		r.Post(path, chatHandler.Chat)
		r.Options(path, chatHandler.Options)
	}

	return r
}
