package api

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/auth"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/order"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/ratelimit"
)

const requestIDHeader = "X-Request-ID"

// requestID propagates or creates the correlation id.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(auth.WithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument recovers panics, traces and logs each request and records RED
// metrics. The span continues a W3C trace context sent by the caller.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock()
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, r.Method, trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.String("request_id", auth.RequestID(ctx)),
		))
		r = r.WithContext(ctx)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				s.logger.ErrorContext(r.Context(), "handler panic",
					"panic", fmt.Sprint(p), "path", r.URL.Path, "request_id", auth.RequestID(r.Context()))
				span.RecordError(fmt.Errorf("panic: %v", p))
				writeError(rec, r, s.logger, fmt.Errorf("panic: %v", p))
			}
			d := s.clock().Sub(start)
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			span.SetName(route)
			span.SetAttributes(attribute.String("http.route", route), attribute.Int("http.response.status_code", rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
			span.End()
			s.metrics.RecordRequest(r.Context(), r.Method, route, rec.status, d)
			s.logger.DebugContext(r.Context(), "request",
				"method", r.Method, "route", route, "status", rec.status,
				"duration_ms", d.Milliseconds(), "request_id", auth.RequestID(r.Context()))
		}()
		next.ServeHTTP(rec, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop when the server sits
// behind a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	if s.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// limit applies l per client IP. A limiter error lets the request through.
func (s *Server) limit(name string, l ratelimit.Limiter, next http.HandlerFunc) http.HandlerFunc {
	if l == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ok, err := l.Allow(r.Context(), name+":"+s.clientIP(r))
		if err != nil {
			s.logger.WarnContext(r.Context(), "rate limiter unavailable, allowing request",
				"limiter", name, "error", err)
		} else if !ok {
			writeTooManyRequests(w, r, 5)
			return
		}
		next(w, r)
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(tok)
	}
	return ""
}

// optionalActor attaches the token's actor when a valid token is present.
func (s *Server) optionalActor(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if tok := bearer(r); tok != "" {
			actor, err := s.Tokens.Validate(tok)
			if err != nil {
				writeError(w, r, s.logger, err)
				return
			}
			r = r.WithContext(auth.WithActor(r.Context(), actor))
		}
		next(w, r)
	}
}

// admin requires a verified admin token.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := bearer(r)
		if tok == "" {
			writeUnauthorized(w, r, "")
			return
		}
		actor, err := s.Tokens.Validate(tok)
		if err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		if actor.Role != order.RoleAdmin {
			writeForbidden(w, r, "admin role required")
			return
		}
		next(w, r.WithContext(auth.WithActor(r.Context(), actor)))
	}
}

// cron requires the cron secret. Outside production an unset secret leaves
// cron routes open.
func (s *Server) cron(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cronSecret == "" {
			if s.production {
				writeUnauthorized(w, r, "cron secret not configured")
				return
			}
			next(w, r)
			return
		}
		tok := bearer(r)
		if subtle.ConstantTimeCompare([]byte(tok), []byte(s.cronSecret)) != 1 {
			writeUnauthorized(w, r, "invalid cron credentials")
			return
		}
		next(w, r)
	}
}

// actor returns the verified actor placed by admin or optionalActor.
func actor(r *http.Request) order.Actor {
	a, _ := auth.ActorFrom(r.Context())
	return a
}
