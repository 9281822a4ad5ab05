package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

const ctxKeyGateway ctxKey = "gateway"

// Headers gateway agents authenticate with.
const (
	HeaderGatewayID    = "X-Gateway-ID"
	HeaderGatewayToken = "X-Gateway-Token"
)

// GatewayAuthenticator verifies a gateway's credentials.
type GatewayAuthenticator interface {
	Authenticate(ctx context.Context, gatewayID, token string) (*model.Gateway, error)
}

// GatewayFromContext returns the authenticated gateway, if any.
func GatewayFromContext(ctx context.Context) *model.Gateway {
	if gw, ok := ctx.Value(ctxKeyGateway).(*model.Gateway); ok {
		return gw
	}
	return nil
}

// hashKey creates a short hash of a token for logging purposes.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:8])
}

// gatewayAuthMiddleware validates the X-Gateway-ID and X-Gateway-Token headers
// against the stored token hash of a verified gateway.
func gatewayAuthMiddleware(auth GatewayAuthenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := RequestIDFromContext(r.Context())

			id := r.Header.Get(HeaderGatewayID)
			token := r.Header.Get(HeaderGatewayToken)
			if id == "" || token == "" {
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "gateway authentication required (X-Gateway-ID and X-Gateway-Token headers)",
				})
				return
			}

			gw, err := auth.Authenticate(r.Context(), id, token)
			if err != nil {
				if model.IsUnauthorized(err) {
					logger.Warn("gateway authentication failed", "gateway_id", id, "key_hash", hashKey(token))
				}
				respondErr(w, reqID, err)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyGateway, gw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireGateway checks that the authenticated gateway is the one named in the
// URL. It writes a 401 and returns false otherwise.
func requireGateway(w http.ResponseWriter, r *http.Request, gatewayID string) bool {
	gw := GatewayFromContext(r.Context())
	if gw == nil || gw.ID != gatewayID {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusUnauthorized, &model.APIError{
			Code:    model.ErrUnauthorized,
			Message: "gateway credentials do not match " + gatewayID,
		})
		return false
	}
	return true
}
