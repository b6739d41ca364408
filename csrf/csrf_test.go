package csrf

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/JeanGrijp/csrfgate/session"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// countingSession records whether the registry touched the session.
type countingSession struct {
	session.Session
	calls int
}

func (c *countingSession) Get(ctx context.Context, key string) (string, bool, error) {
	c.calls++
	return c.Session.Get(ctx, key)
}

func newTestGate(t *testing.T, cfg Config) (*Gate, *fakeClock, session.Session) {
	t.Helper()
	clock := newFakeClock()
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(RegistryConfig{Clock: clock.Now, Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	sess, err := session.NewMemoryStore().Open(context.Background(), "gate")
	require.NoError(t, err)
	return New(cfg), clock, sess
}

func formRequest(method, target string, form url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// A GET on a POST endpoint is refused without touching the response headers.
func TestBegin_MethodMismatch(t *testing.T) {
	g, _, _ := newTestGate(t, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "https://example.com/ajax", nil)
	req.Header.Set("Origin", "https://example.com")

	assert.False(t, g.Begin(rec, req, "POST", "json"))
	assert.Empty(t, rec.Header())
}

func TestBegin_SetsContentType(t *testing.T) {
	g, _, _ := newTestGate(t, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "https://example.com/ajax", nil)
	req.Header.Set("Origin", "https://example.com")

	require.True(t, g.Begin(rec, req, "post", "json"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestBegin_CrossOrigin(t *testing.T) {
	g, _, _ := newTestGate(t, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "https://example.com/ajax", nil)
	req.Header.Set("Origin", "https://evil.com")

	assert.False(t, g.Begin(rec, req, "POST", "json"))
	assert.Empty(t, rec.Header())
}

func TestRespond(t *testing.T) {
	g, _, _ := newTestGate(t, Config{})

	rec := httptest.NewRecorder()
	g.Respond(rec, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	g.Respond(rec, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	g.Reject(rec)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	g.Accept(rec)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// A missing cookie short-circuits before the registry is consulted.
func TestVerifyToken_MissingCookieSkipsRegistry(t *testing.T) {
	g, _, sess := newTestGate(t, Config{})
	spy := &countingSession{Session: sess}

	req := httptest.NewRequest(http.MethodPost, "/ajax", nil)
	assert.False(t, g.VerifyToken(context.Background(), req, spy, "csrf", SourceCookie, 0))
	assert.Zero(t, spy.calls)
}

func TestVerifyToken_UnknownSourceSkipsRegistry(t *testing.T) {
	g, _, sess := newTestGate(t, Config{})
	spy := &countingSession{Session: sess}

	req := httptest.NewRequest(http.MethodPost, "/ajax?csrf=abc", nil)
	assert.False(t, g.VerifyToken(context.Background(), req, spy, "csrf", Source(42), 0))
	assert.Zero(t, spy.calls)
}

func TestVerifyToken_Sources(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name  string
		src   Source
		build func(tok string) *http.Request
	}{
		{"body", SourceBody, func(tok string) *http.Request {
			return formRequest(http.MethodPost, "/ajax", url.Values{"csrf": {tok}})
		}},
		{"query", SourceQuery, func(tok string) *http.Request {
			return httptest.NewRequest(http.MethodGet, "/ajax?csrf="+tok, nil)
		}},
		{"cookie", SourceCookie, func(tok string) *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/ajax", nil)
			req.AddCookie(&http.Cookie{Name: "csrf", Value: tok})
			return req
		}},
		{"unified", SourceUnified, func(tok string) *http.Request {
			return httptest.NewRequest(http.MethodGet, "/ajax?csrf="+tok, nil)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, _, sess := newTestGate(t, Config{})
			tok, err := g.Registry().Create(ctx, sess, "csrf")
			require.NoError(t, err)

			assert.True(t, g.VerifyToken(ctx, tc.build(tok), sess, "csrf", tc.src, 0))
			assert.False(t, g.VerifyToken(ctx, tc.build(tok), sess, "csrf", tc.src, 0), "replay must fail")
		})
	}
}

func TestVerifyToken_BodyDoesNotReadQuery(t *testing.T) {
	ctx := context.Background()
	g, _, sess := newTestGate(t, Config{})
	tok, _ := g.Registry().Create(ctx, sess, "csrf")

	req := formRequest(http.MethodPost, "/ajax?csrf="+tok, url.Values{})
	assert.False(t, g.VerifyToken(ctx, req, sess, "csrf", SourceBody, 0))
}

func TestVerifyToken_WindowPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("max age", func(t *testing.T) {
		g, clock, sess := newTestGate(t, Config{WindowPolicy: WindowMaxAge})
		tok, _ := g.Registry().Create(ctx, sess, "csrf")
		clock.Advance(6 * time.Second)
		req := formRequest(http.MethodPost, "/ajax", url.Values{"csrf": {tok}})
		assert.False(t, g.VerifyToken(ctx, req, sess, "csrf", SourceBody, 5*time.Second))
	})

	t.Run("min age", func(t *testing.T) {
		g, clock, sess := newTestGate(t, Config{WindowPolicy: WindowMinAge})
		tok, _ := g.Registry().Create(ctx, sess, "csrf")
		req := formRequest(http.MethodPost, "/ajax", url.Values{"csrf": {tok}})
		assert.False(t, g.VerifyToken(ctx, req, sess, "csrf", SourceBody, 5*time.Second))

		clock.Advance(5 * time.Second)
		req = formRequest(http.MethodPost, "/ajax", url.Values{"csrf": {tok}})
		assert.True(t, g.VerifyToken(ctx, req, sess, "csrf", SourceBody, 5*time.Second))
	})
}

func TestVerifyLimited(t *testing.T) {
	ctx := context.Background()
	g, clock, sess := newTestGate(t, Config{})
	lim := Limit{Base: time.Second, StepEvery: 3, Reset: time.Minute}

	tok, _ := g.Registry().Create(ctx, sess, "login")
	req := func() *http.Request {
		return formRequest(http.MethodPost, "/login", url.Values{"login": {tok}})
	}
	assert.False(t, g.VerifyLimited(ctx, req(), sess, "login", SourceBody, lim))
	clock.Advance(2 * time.Second)
	assert.True(t, g.VerifyLimited(ctx, req(), sess, "login", SourceBody, lim))
}

func TestVerifyRequestFields(t *testing.T) {
	ctx := context.Background()
	g, clock, sess := newTestGate(t, Config{})

	tok, _ := g.Registry().Create(ctx, sess, "contact")

	missing := formRequest(http.MethodPost, "/ajax", url.Values{FieldTokenName: {"contact"}})
	assert.False(t, g.VerifyRequestFields(ctx, missing, sess))

	badTime := formRequest(http.MethodPost, "/ajax", url.Values{
		FieldTokenName: {"contact"}, FieldTokenValue: {tok}, FieldTokenTime: {"soon"},
	})
	assert.False(t, g.VerifyRequestFields(ctx, badTime, sess))

	clock.Advance(10 * time.Second)
	expired := formRequest(http.MethodPost, "/ajax", url.Values{
		FieldTokenName: {"contact"}, FieldTokenValue: {tok}, FieldTokenTime: {"5"},
	})
	assert.False(t, g.VerifyRequestFields(ctx, expired, sess))

	ok := formRequest(http.MethodPost, "/ajax", url.Values{
		FieldTokenName: {"contact"}, FieldTokenValue: {tok}, FieldTokenTime: {"30"},
	})
	assert.True(t, g.VerifyRequestFields(ctx, ok, sess))
}

func TestVerifyRequestFields_ZeroTimeSkipsAgeCheck(t *testing.T) {
	ctx := context.Background()
	g, clock, sess := newTestGate(t, Config{})

	tok, _ := g.Registry().Create(ctx, sess, "contact")
	clock.Advance(time.Hour)

	req := formRequest(http.MethodPost, "/ajax", url.Values{
		FieldTokenName: {"contact"}, FieldTokenValue: {tok}, FieldTokenTime: {"0"},
	})
	assert.True(t, g.VerifyRequestFields(ctx, req, sess))
}

// token_name is client-chosen and must not address a token's counters or
// timestamp.
func TestVerifyRequestFields_RejectsAuxiliaryNames(t *testing.T) {
	ctx := context.Background()
	g, _, sess := newTestGate(t, Config{})

	tok, _ := g.Registry().Create(ctx, sess, "ajax")
	lim := Limit{Base: time.Second, StepEvery: 3}
	require.ErrorIs(t, g.Registry().ProcessLimited(ctx, sess, "wrong", "ajax", lim), ErrMismatch)

	for _, name := range []string{"ajax_count", "ajax_timer", "ajax_time", countKey("ajax"), timeKey("ajax")} {
		req := formRequest(http.MethodPost, "/ajax", url.Values{
			FieldTokenName: {name}, FieldTokenValue: {"1"},
		})
		assert.False(t, g.VerifyRequestFields(ctx, req, sess), name)
	}

	req := formRequest(http.MethodPost, "/ajax", url.Values{
		FieldTokenName: {"ajax"}, FieldTokenValue: {tok},
	})
	assert.True(t, g.VerifyRequestFields(ctx, req, sess))
}

func TestGate_MetricsCollapseReasons(t *testing.T) {
	ctx := context.Background()
	m := NewMetrics(prometheus.NewRegistry())
	g, _, sess := newTestGate(t, Config{Metrics: m})

	req := httptest.NewRequest(http.MethodPost, "/ajax", nil)
	assert.False(t, g.VerifyToken(ctx, req, sess, "csrf", SourceCookie, 0))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateDecisions.WithLabelValues(stageVerify, "missing_token")))
}

// appHandler wires the gate the way an application would: session
// middleware, a token endpoint and a protected submit route.
func appHandler(t *testing.T, g *Gate) http.Handler {
	t.Helper()
	mgr, err := session.NewManager(session.NewMemoryStore(), session.ManagerConfig{
		CookieName: "sid",
		Cookies:    newCookieStore(),
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/csrf-token", g.Issue("csrf")(g.TokenHandler()))
	mux.Handle("/submit", g.Protect(Rule{
		Method:      http.MethodPost,
		ContentType: "json",
		Token:       "csrf",
		Source:      SourceBody,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true}`)
	})))
	return mgr.Middleware(mux)
}

func newCookieStore() sessions.Store {
	return sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef"))
}

func getCookieByName(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// fetchToken performs the GET that renders a form and returns the session
// cookie and the issued token.
func fetchToken(t *testing.T, app http.Handler) (*http.Cookie, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://example.com/csrf-token", nil))
	res := rec.Result()
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body IssuedToken
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "csrf", body.Name)
	assert.Regexp(t, hexToken, body.Value)

	cookie := getCookieByName(res, "sid")
	require.NotNil(t, cookie)
	return cookie, body.Value
}

func TestProtect_EndToEnd(t *testing.T) {
	g, _, _ := newTestGate(t, Config{})
	app := appHandler(t, g)

	cookie, tok := fetchToken(t, app)

	// a second render reuses the outstanding token
	rec := httptest.NewRecorder()
	again := httptest.NewRequest(http.MethodGet, "https://example.com/csrf-token", nil)
	again.AddCookie(cookie)
	app.ServeHTTP(rec, again)
	var body IssuedToken
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, tok, body.Value)

	submit := func(origin, value string) *httptest.ResponseRecorder {
		req := formRequest(http.MethodPost, "https://example.com/submit", url.Values{"csrf": {value}})
		req.Header.Set("Origin", origin)
		req.AddCookie(cookie)
		rec := httptest.NewRecorder()
		app.ServeHTTP(rec, req)
		return rec
	}

	bad := submit("https://evil.com", tok)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	wrong := submit("https://example.com", "wrong-token")
	assert.Equal(t, http.StatusBadRequest, wrong.Code)
	assert.Empty(t, wrong.Header().Get("Content-Type"))

	ok := submit("https://example.com", tok)
	assert.Equal(t, http.StatusOK, ok.Code)
	assert.Equal(t, "application/json", ok.Header().Get("Content-Type"))

	replay := submit("https://example.com", tok)
	assert.Equal(t, http.StatusBadRequest, replay.Code)
}

func TestProtect_NoSession(t *testing.T) {
	g, _, _ := newTestGate(t, Config{})
	h := g.Protect(Rule{Method: http.MethodPost, ContentType: "json", Token: "csrf", Source: SourceBody})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run")
		}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "https://example.com/submit", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenHandler_WithoutIssue(t *testing.T) {
	g, _, _ := newTestGate(t, Config{})
	rec := httptest.NewRecorder()
	g.TokenHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/csrf-token", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
