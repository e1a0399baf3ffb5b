package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	"bundlenudge.sh/internal/ferrors"
)

// RecoveryMiddleware recovers panics in downstream handlers, logs the stack
// trace, and responds with a normalized internal-error payload instead of
// crashing the server.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default().With("component", "recovery")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					requestID := GetRequestID(r.Context())
					logger.Error("panic recovered",
						"recovered", rec,
						"stack", string(debug.Stack()),
						"path", r.URL.Path,
						"request_id", requestID,
					)

					werr := ferrors.New(ferrors.CodeInternal, "internal server error").WithRequestID(requestID)
					writeBundleError(w, werr)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// writeBundleError serializes a BundleError as the JSON error body every
// handler in the server produces, mapping its code onto an HTTP status.
func writeBundleError(w http.ResponseWriter, err *ferrors.BundleError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForCode(err.Code))
	_ = json.NewEncoder(w).Encode(err)
}

func statusForCode(code ferrors.ErrorCode) int {
	switch code {
	case ferrors.CodeNotFound:
		return http.StatusNotFound
	case ferrors.CodeInvalidInput, ferrors.CodeVersionMismatch:
		return http.StatusBadRequest
	case ferrors.CodeInvalidToken, ferrors.CodeTokenExpired:
		return http.StatusUnauthorized
	case ferrors.CodeInvalidBundle:
		return http.StatusUnprocessableEntity
	case ferrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case ferrors.CodeConflict:
		return http.StatusConflict
	case ferrors.CodeNetworkError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
