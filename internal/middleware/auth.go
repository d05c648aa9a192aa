package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"

	apierrors "github.com/Micka420-collab/CRM-SERV-sub000/internal/errors"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/infrastructure"
)

// Authentication headers
const (
	APIKeyHeader   = "X-API-Key"
	AdminKeyHeader = "X-Admin-Key"
)

type clientKeyCtx struct{}

// APIKeyAuth accepts requests whose header carries one of keys. Keys are
// compared by digest in constant time, and every configured key is checked
// so timing does not reveal which one matched.
func APIKeyAuth(header string, keys []string, logger *slog.Logger, errorHandler *apierrors.ErrorHandler) func(next http.Handler) http.Handler {
	digests := make([][sha256.Size]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			digests = append(digests, sha256.Sum256([]byte(k)))
		}
	}
	logger = infrastructure.WithComponent(logger, "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			presented := r.Header.Get(header)
			if presented == "" {
				logger.WarnContext(ctx, "missing API key",
					slog.String("header", header),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr))
				errorHandler.HandleError(w, r, apierrors.ErrUnauthorized)
				return
			}

			sum := sha256.Sum256([]byte(presented))
			match := 0
			for i := range digests {
				match |= subtle.ConstantTimeCompare(sum[:], digests[i][:])
			}
			if match != 1 {
				logger.WarnContext(ctx, "invalid API key",
					slog.String("header", header),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr))
				errorHandler.HandleError(w, r, apierrors.ErrUnauthorized)
				return
			}

			ctx = context.WithValue(ctx, clientKeyCtx{}, infrastructure.MaskLicenseKey(presented))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientFromContext returns the masked API key that authenticated the request
func ClientFromContext(ctx context.Context) string {
	s, _ := ctx.Value(clientKeyCtx{}).(string)
	return s
}
