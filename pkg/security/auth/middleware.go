package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/floodgate/pkg/server/middleware"
)

// AttrClient is the span attribute holding the authenticated client name.
const AttrClient = "floodgate.client"

// APIKeySource is a request header an API key is read from.
type APIKeySource struct {
	Header string
	Scheme string // "Bearer", etc. (optional)
}

// SourcesFor returns the key sources for a configured header name. The
// Authorization header is read with the Bearer scheme.
func SourcesFor(header string) []APIKeySource {
	if strings.EqualFold(header, "Authorization") {
		return []APIKeySource{{Header: "Authorization", Scheme: "Bearer"}}
	}
	return []APIKeySource{{Header: header}}
}

// APIKeyMiddleware rejects requests without a valid API key.
type APIKeyMiddleware struct {
	store   KeyStore
	sources []APIKeySource
	logger  *slog.Logger
}

// NewAPIKeyMiddleware creates an API key authentication middleware.
func NewAPIKeyMiddleware(store KeyStore, sources []APIKeySource, logger *slog.Logger) *APIKeyMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyMiddleware{
		store:   store,
		sources: sources,
		logger:  logger.With("component", "auth"),
	}
}

// Handle wraps next with API key authentication. Rejected requests get a
// 401 with an "unauthorized" error body.
func (m *APIKeyMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := m.store.Validate(m.extractAPIKey(r))
		if err != nil {
			m.logger.WarnContext(r.Context(), "request rejected",
				"error", err,
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)

			message := ErrInvalidKey.Error()
			if errors.Is(err, ErrMissingKey) {
				message = ErrMissingKey.Error()
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="floodgate"`)
			middleware.WriteError(w, http.StatusUnauthorized, "unauthorized", message)
			return
		}

		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String(AttrClient, client.Name))
		m.logger.DebugContext(r.Context(), "request authenticated", "client", client.Name)

		next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), client)))
	})
}

func (m *APIKeyMiddleware) extractAPIKey(r *http.Request) string {
	for _, source := range m.sources {
		value := r.Header.Get(source.Header)
		if value == "" {
			continue
		}
		if source.Scheme == "" {
			return value
		}
		if prefix := source.Scheme + " "; len(value) > len(prefix) && strings.EqualFold(value[:len(prefix)], prefix) {
			return strings.TrimSpace(value[len(prefix):])
		}
	}
	return ""
}

type contextKey struct{}

// WithClient returns a copy of ctx carrying client.
func WithClient(ctx context.Context, client *Client) context.Context {
	return context.WithValue(ctx, contextKey{}, client)
}

// ClientFrom returns the authenticated client stored in ctx.
func ClientFrom(ctx context.Context) (*Client, bool) {
	client, ok := ctx.Value(contextKey{}).(*Client)
	return client, ok
}
