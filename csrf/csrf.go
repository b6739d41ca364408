package csrf

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JeanGrijp/csrfgate/session"
	"go.uber.org/zap"
)

// Gate decision stages used in logs and metrics.
const (
	stageBegin   = "begin"
	stageVerify  = "verify"
	stageLimited = "verify_limited"
	stageFields  = "verify_fields"
)

// Request fields read by VerifyRequestFields.
const (
	FieldTokenName  = "token_name"
	FieldTokenValue = "token_value"
	FieldTokenTime  = "token_time"
)

// Begin checks that r uses method (case-insensitive) and comes from this
// server's origin. On success it sets "Content-Type: application/<contentType>"
// and returns true; on failure the response is left untouched. Call it
// before writing any body.
//
// Params:
// - w: response writer that receives the Content-Type header on success.
// - r: incoming request whose method and Origin/Referer are checked.
// - method: expected HTTP method, e.g. "POST".
// - contentType: response type suffix, e.g. "json".
//
// Returns:
// - true when the request may proceed; false otherwise.
func (g *Gate) Begin(w http.ResponseWriter, r *http.Request, method, contentType string) bool {
	if !strings.EqualFold(r.Method, method) {
		g.decide(stageBegin, ErrMethodMismatch)
		return false
	}
	if err := g.origin.SameOrigin(r); err != nil {
		g.decide(stageBegin, err)
		return false
	}
	w.Header().Set("Content-Type", "application/"+contentType)
	g.decide(stageBegin, nil)
	return true
}

// Reject sets status 400.
func (g *Gate) Reject(w http.ResponseWriter) {
	w.WriteHeader(http.StatusBadRequest)
}

// Accept sets status 200.
func (g *Gate) Accept(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
}

// Respond accepts when ok is true and rejects otherwise.
func (g *Gate) Respond(w http.ResponseWriter, ok bool) {
	if ok {
		g.Accept(w)
		return
	}
	g.Reject(w)
}

// VerifyToken reads the field name from src and validates it as the token
// called name. A positive window applies the configured WindowPolicy.
// Every failure collapses to false; the cause is only logged.
func (g *Gate) VerifyToken(ctx context.Context, r *http.Request, sess session.Session, name string, src Source, window time.Duration) bool {
	candidate, err := src.Extract(r, name)
	if err != nil {
		g.decide(stageVerify, err)
		return false
	}
	err = g.process(ctx, sess, candidate, name, window)
	g.decide(stageVerify, err)
	return err == nil
}

// VerifyLimited is VerifyToken backed by Registry.ProcessLimited.
func (g *Gate) VerifyLimited(ctx context.Context, r *http.Request, sess session.Session, name string, src Source, lim Limit) bool {
	candidate, err := src.Extract(r, name)
	if err != nil {
		g.decide(stageLimited, err)
		return false
	}
	err = g.registry.ProcessLimited(ctx, sess, candidate, name, lim)
	g.decide(stageLimited, err)
	return err == nil
}

// VerifyRequestFields validates a token described by the request itself:
// token_name and token_value, plus an optional token_time window in whole
// seconds, all read from the unified source. A token_time of 0 means no
// time check.
func (g *Gate) VerifyRequestFields(ctx context.Context, r *http.Request, sess session.Session) bool {
	name, err := SourceUnified.Extract(r, FieldTokenName)
	if err != nil {
		g.decide(stageFields, err)
		return false
	}
	candidate, err := SourceUnified.Extract(r, FieldTokenValue)
	if err != nil {
		g.decide(stageFields, err)
		return false
	}

	// 0 means no time check, unlike a zero-length window that would
	// reject every token
	var window time.Duration
	if raw := r.FormValue(FieldTokenTime); raw != "" {
		secs, perr := strconv.Atoi(raw)
		if perr != nil || secs < 0 {
			g.decide(stageFields, ErrMalformedSource)
			return false
		}
		window = time.Duration(secs) * time.Second
	}

	err = g.process(ctx, sess, candidate, name, window)
	g.decide(stageFields, err)
	return err == nil
}

func (g *Gate) process(ctx context.Context, sess session.Session, candidate, name string, window time.Duration) error {
	if window <= 0 {
		return g.registry.Process(ctx, sess, candidate, name)
	}
	if g.cfg.WindowPolicy == WindowMinAge {
		return g.registry.ProcessMinAge(ctx, sess, candidate, name, window)
	}
	return g.registry.ProcessMaxAge(ctx, sess, candidate, name, window)
}

// Protect wraps next so that it only runs for requests passing Begin and
// VerifyToken under rule; anything else gets a bare 400. The session must
// have been placed in the request context by session.Manager.Middleware.
//
// Params:
// - rule: method, response type, token name, source and window to enforce.
//
// Returns:
// - a middleware that performs the checks before delegating to next.
func (g *Gate) Protect(rule Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := session.FromContext(r.Context())
			if !ok {
				g.decide(stageVerify, session.ErrNoSession)
				g.Reject(w)
				return
			}
			if !g.Begin(w, r, rule.Method, rule.ContentType) {
				g.Reject(w)
				return
			}
			if !g.VerifyToken(r.Context(), r, sess, rule.Token, rule.Source, rule.Window) {
				w.Header().Del("Content-Type")
				g.Reject(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Issue makes sure the session holds a token called name and injects it
// into the request context, so handlers can embed it in forms (see
// TokenFromContext). An outstanding token is reused rather than replaced.
func (g *Gate) Issue(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := session.FromContext(r.Context())
			if !ok {
				http.Error(w, "no session", http.StatusInternalServerError)
				return
			}
			tok, err := g.registry.Create(r.Context(), sess, name)
			if errors.Is(err, ErrAlreadyExists) {
				tok, err = g.registry.Get(r.Context(), sess, name)
			}
			if err != nil {
				g.logger.Error("failed to issue token", zap.String("token", name), zap.Error(err))
				http.Error(w, "failed to issue CSRF token", http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(contextWithToken(r.Context(), name, tok)))
		})
	}
}

// IssuedToken is the body written by TokenHandler.
type IssuedToken struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TokenHandler returns an HTTP handler that writes the token injected by
// Issue as JSON. This is useful for SPAs that fetch a token before posting.
//
// Returns:
//   - http.Handler that responds with IssuedToken (application/json), or 500
//     when Issue did not run first.
func (g *Gate) TokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, tok, ok := TokenFromContext(r.Context())
		if !ok {
			http.Error(w, "no token", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if err := json.NewEncoder(w).Encode(IssuedToken{Name: name, Value: tok}); err != nil {
			g.logger.Warn("failed to write token response", zap.Error(err))
		}
	})
}

func (g *Gate) decide(stage string, err error) {
	g.metrics.decision(stage, err)
	if err != nil {
		g.logger.Debug("request rejected",
			zap.String("stage", stage),
			zap.String("reason", reason(err)),
			zap.Error(err),
		)
	}
}
