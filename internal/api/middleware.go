package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sync-service/internal/domain"
)

// RoleOperator may pause the sync engine and read its error details.
const RoleOperator = "operator"

type TokenClaims struct {
	UserID    string `json:"uid"`
	Name      string `json:"name,omitempty"`
	TokenType string `json:"typ"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type (
	ctxSessionKey struct{}
	ctxRoleKey    struct{}
)

// jwtAuthMiddleware turns a bearer access token into a domain.Session.
// The collection scope is filled in per route.
func (s *Server) jwtAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		claims := &TokenClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid || claims.TokenType != "access" || claims.UserID == "" {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		sess := domain.Session{
			UserID:      claims.UserID,
			DisplayName: claims.Name,
			DeviceID:    r.Header.Get("X-Device-Id"),
		}
		ctx := context.WithValue(r.Context(), ctxSessionKey{}, sess)
		ctx = context.WithValue(ctx, ctxRoleKey{}, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		if q := r.URL.Query().Get("access_token"); q != "" {
			return q, true
		}
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func sessionFrom(r *http.Request) domain.Session {
	sess, _ := r.Context().Value(ctxSessionKey{}).(domain.Session)
	return sess
}

func isOperator(r *http.Request) bool {
	role, _ := r.Context().Value(ctxRoleKey{}).(string)
	return role == RoleOperator
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.origin)
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Device-Id")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if strings.ToUpper(r.Method) == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bodySizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

type rateInfo struct {
	count   int
	resetAt time.Time
}

// rateLimiter is a fixed one-second window per client IP. A zero rate
// disables it.
type rateLimiter struct {
	rps int

	mu   sync.Mutex
	data map[string]*rateInfo
	now  func() time.Time
}

func newRateLimiter(rps int) *rateLimiter {
	return &rateLimiter{rps: rps, data: make(map[string]*rateInfo), now: time.Now}
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	if l.rps <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		now := l.now()

		l.mu.Lock()
		ri, ok := l.data[ip]
		if !ok || now.After(ri.resetAt) {
			for k, v := range l.data {
				if now.After(v.resetAt) {
					delete(l.data, k)
				}
			}
			ri = &rateInfo{resetAt: now.Add(time.Second)}
			l.data[ip] = ri
		}
		ri.count++
		count := ri.count
		reset := ri.resetAt
		l.mu.Unlock()

		if count > l.rps {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(reset.Sub(now))))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
