package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handler receives each inbound message. Errors are logged, not returned to
// the gateway; WhatsApp events cannot be replayed by failing the webhook.
type Handler func(ctx context.Context, msg Message)

// Webhook is the HTTP surface the gateway pushes events to.
type Webhook struct {
	token   string
	handler Handler
	logger  *slog.Logger
}

func NewWebhook(token string, handler Handler, logger *slog.Logger) *Webhook {
	return &Webhook{
		token:   token,
		handler: handler,
		logger:  logger.With("component", "webhook"),
	}
}

// Router builds the chi router serving the webhook endpoints.
func (w *Webhook) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(w.auth)
	r.Post("/message", w.handleMessage)
	r.Get("/health", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusNoContent)
	})
	return r
}

func (w *Webhook) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if w.token != "" && r.Header.Get("Authorization") != "Bearer "+w.token {
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func (w *Webhook) handleMessage(rw http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(rw, "bad payload", http.StatusBadRequest)
		return
	}
	if msg.ChatJID == "" {
		http.Error(rw, "missing chatJid", http.StatusBadRequest)
		return
	}

	// Ack immediately; processing happens off the request path.
	rw.WriteHeader(http.StatusAccepted)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				w.logger.Error("message handler panicked", "panic", rec, "chat", msg.ChatJID)
			}
		}()
		w.handler(context.Background(), msg)
	}()
}
