package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	proberrors "github.com/PixelProbe/server/internal/errors"
	"github.com/PixelProbe/server/internal/logger"
	"github.com/PixelProbe/server/internal/metrics"
)

const (
	deviceCookieName  = "pp_device"
	sessionCookieName = "pp_session"

	// userIDHeader carries the authenticated user id set by the upstream
	// auth proxy. The request plane itself holds no credentials.
	userIDHeader = "X-User-Id"
)

type contextKey string

const (
	deviceIDKey  contextKey = "device_id"
	sessionIDKey contextKey = "session_id"
	userIDKey    contextKey = "user_id"
)

func deviceID(ctx context.Context) string {
	v, _ := ctx.Value(deviceIDKey).(string)
	return v
}

func sessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

func userID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// identityMiddleware establishes the caller's identity triple: verified
// device id (durable signed cookie), session id (browser-session cookie),
// and optional upstream-authenticated user id. A missing or forged device
// cookie gets a fresh token; deleting the cookie resets the free allowance,
// which the quota model accepts.
func (h handlers) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := logger.FromContext(ctx)

		var devID string
		if c, err := r.Cookie(deviceCookieName); err == nil {
			if id, verr := h.Minter.Verify(c.Value); verr == nil {
				devID = id
			} else {
				log.Warn().
					Str("token", logger.TruncateToken(c.Value)).
					Msg("device cookie failed verification, reissuing")
			}
		}
		if devID == "" {
			token, err := h.Minter.Mint()
			if err != nil {
				proberrors.WriteSimpleError(w, proberrors.ErrCodeInternalError, "internal error")
				return
			}
			devID, _ = h.Minter.Verify(token)
			http.SetCookie(w, &http.Cookie{
				Name:     deviceCookieName,
				Value:    token,
				Path:     "/",
				Domain:   h.Cfg.Server.CookieDomain,
				MaxAge:   int(h.Cfg.Server.DeviceCookieMaxAge.Duration.Seconds()),
				HttpOnly: true,
				Secure:   h.Cfg.Server.CookieSecure,
				SameSite: http.SameSiteLaxMode,
			})
		}

		var sessID string
		if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
			sessID = c.Value
		}
		if sessID == "" {
			sessID = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     sessionCookieName,
				Value:    sessID,
				Path:     "/",
				Domain:   h.Cfg.Server.CookieDomain,
				HttpOnly: true,
				Secure:   h.Cfg.Server.CookieSecure,
				SameSite: http.SameSiteLaxMode,
			})
		}

		ctx = context.WithValue(ctx, deviceIDKey, devID)
		ctx = context.WithValue(ctx, sessionIDKey, sessID)
		ctx = context.WithValue(ctx, userIDKey, r.Header.Get(userIDHeader))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sweeperGate fails closed: quota- and credit-consuming endpoints return 503
// when the quote sweeper has not completed a pass within its staleness
// window, rather than serve decisions off rotten quote state.
func (h handlers) sweeperGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.Sweeper.Healthy(time.Now()) {
			logger.FromContext(r.Context()).Error().
				Time("last_sweep", h.Sweeper.LastSweepAt()).
				Msg("sweeper stale, refusing request")
			proberrors.WriteSimpleError(w, proberrors.ErrCodeSweeperStale,
				"quote maintenance is behind; try again shortly")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminAuth protects admin surfaces with a bearer key. An empty configured
// key disables protection (development mode).
func adminAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("Authorization") != "Bearer "+apiKey {
				resp := proberrors.NewErrorResponse(proberrors.ErrCodeUnauthorized, "invalid or missing admin API key", nil)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(resp)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// httpMetricsMiddleware records request durations per route pattern.
func httpMetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.HTTPRequestDuration.
				WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
				Observe(time.Since(start).Seconds())
		})
	}
}
