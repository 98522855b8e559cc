package admin

import (
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/starwalkn/ladle/internal/ratelimit"
)

const headerRequestID = "X-Request-ID"

// requestID keeps the caller's request id or assigns one, and echoes it back.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}

		w.Header().Set(headerRequestID, id)

		next.ServeHTTP(w, r)
	})
}

// rateLimited answers 429 once a client address used up its window.
func rateLimited(rl *ratelimit.RateLimit, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientAddr(r)

			if !rl.Allow(key) {
				log.Debug("admin rate limit exceeded", zap.String("client", key))

				retry := int(rl.RetryAfter(key).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
