package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/freva-org/freva-nextgen-sub001/internal/auth"
	"github.com/freva-org/freva-nextgen-sub001/internal/errs"
	"github.com/freva-org/freva-nextgen-sub001/internal/ratelimit"
)

type claimsContextKey struct{}

// requireAuth enforces spec.md §4.7's bearer-token + claim-rule check, and
// the "service absent from the configured allow list -> 503" gate.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.Config.ServiceAllowList) > 0 && !contains(s.Config.ServiceAllowList, s.Config.ServiceName) {
			writeError(w, errs.New(errs.KindServiceDisabled, "data-portal service is not enabled"))
			return
		}
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if bearer == "" || s.Verifier == nil {
			writeError(w, errs.New(errs.KindUnauthorized, "missing bearer token"))
			return
		}
		claims, err := s.Verifier.Verify(r.Context(), bearer)
		if err != nil {
			writeError(w, errs.Wrap(errs.KindUnauthorized, "token verification failed", err))
			return
		}
		if !auth.MatchesAny(claims, s.Config.ClaimRules) {
			writeError(w, errs.New(errs.KindUnauthorized, "claims do not satisfy configured rules"))
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey{}, bearer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitConvert guards POST /convert with a token-bucket per auth
// subject (grounded on the pack's golang.org/x/time/rate dependency).
func (s *Server) rateLimitConvert(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ := r.Context().Value(claimsContextKey{}).(string)
		if !s.limiterFor(subject).Allow() {
			writeError(w, errs.New(errs.KindUnauthorized, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(subject string) *rate.Limiter {
	if s.limiters == nil {
		s.limiters = ratelimit.NewLimiterCache(0)
	}
	return s.limiters.GetOrCreate(subject, func() *rate.Limiter {
		limit := s.Config.ConvertRateLimit
		if limit <= 0 {
			limit = rate.Inf
		}
		burst := s.Config.ConvertBurst
		if burst <= 0 {
			burst = 1
		}
		return rate.NewLimiter(limit, burst)
	})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// statusRecorder captures the status code a handler writes, for logging and
// StatsSink without buffering the whole response body.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// wrap instruments a zarr-tree endpoint with an otel span, a structured
// logrus line, and a fire-and-forget StatsSink record, per SPEC_FULL.md
// §4.7. resolveToken turns the request's path parameters into the
// canonical job PathToken, failing with BadToken/ShareExpired/etc as
// appropriate for the mount point (bearer vs share-signed).
func (s *Server) wrap(name string, resolveToken func(*http.Request) (string, error), handler endpointFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := s.Tracer.Start(r.Context(), "gateway."+name)
		defer span.End()
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		tok, err := resolveToken(r)
		if err != nil {
			writeError(rec, err)
			s.finish(r, name, rec, start, "")
			return
		}
		handler(rec, r, tok)
		s.finish(r, name, rec, start, tok)
	}
}

func (s *Server) finish(r *http.Request, endpoint string, rec *statusRecorder, start time.Time, tok string) {
	duration := time.Since(start)
	s.Log.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status":      rec.status,
		"duration_ms": duration.Milliseconds(),
		"token":       tok,
	}).Info("gateway request")
	s.Stats.Record(r.Context(), endpoint, rec.status, 1, map[string]string{"token": tok})
}

// writeError maps err to the HTTP shape spec.md §7 assigns its Kind.
func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), errs.HTTPStatus(err))
}
