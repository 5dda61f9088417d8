// Package api exposes the REST surface of the messaging service:
// registration, challenge-response login, public-key lookup, and chatroom
// history. Real-time delivery lives in the ws package; this package covers
// everything a client does over plain HTTP.
package api

import (
	"log/slog"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/veilmsg/veil/auth"
	"github.com/veilmsg/veil/storage"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	store          storage.Store
	auth           *auth.Authenticator
	rateLimiter    *loginRateLimiter
	trustedProxies []netip.Prefix
	logger         *slog.Logger
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request-level events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithTrustedProxies lists the CIDR ranges whose proxy headers
// (X-Forwarded-For, X-Real-IP) are believed when rate limiting logins.
// Without it, headers are ignored and the connection's remote address is
// used.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// New creates a new API instance over the given store and authenticator.
func New(store storage.Store, authenticator *auth.Authenticator, opts ...Option) *API {
	a := &API{
		store:       store,
		auth:        authenticator,
		rateLimiter: newLoginRateLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return a
}

// Sweep garbage-collects expired rate-limit records. Call periodically,
// alongside the store's nonce sweep.
func (a *API) Sweep() {
	a.rateLimiter.sweep()
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Post("/auth/register", a.Register)
	r.Post("/auth/challenge", a.Challenge)
	r.Post("/auth/verify", a.Verify)

	r.With(a.AuthMiddleware).Get("/users/{username}/key", a.GetPublicKey)

	r.Route("/chatrooms", func(r chi.Router) {
		r.Use(a.AuthMiddleware)
		r.Get("/", a.ListChatrooms)
		r.Post("/", a.CreateChatroom)
		r.Post("/{roomID}/read", a.MarkRead)
		r.Get("/{roomID}/messages", a.ListMessages)
	})

	return r
}
