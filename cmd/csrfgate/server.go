package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JeanGrijp/csrfgate/csrf"
	"github.com/JeanGrijp/csrfgate/internal/config"
	"github.com/JeanGrijp/csrfgate/report"
	"github.com/JeanGrijp/csrfgate/sanitize"
	"github.com/JeanGrijp/csrfgate/session"
)

type server struct {
	logger  *zap.Logger
	gate    *csrf.Gate
	manager *session.Manager
	sink    *report.Sink
	metrics *prometheus.Registry

	token  string
	source csrf.Source
	window time.Duration
	limit  csrf.Limit

	closers []func() error
}

func newServer(cfg *config.Config, logger *zap.Logger) (*server, error) {
	s := &server{
		logger:  logger,
		metrics: prometheus.NewRegistry(),
		token:   cfg.Token.Name,
		window:  cfg.Token.Window,
		limit: csrf.Limit{
			Base:      cfg.Token.Limited.Base,
			StepEvery: cfg.Token.Limited.StepEvery,
			Reset:     cfg.Token.Limited.Reset,
		},
	}

	var err error
	if s.source, err = csrf.ParseSource(cfg.Token.Source); err != nil {
		return nil, err
	}
	policy, err := csrf.ParseWindowPolicy(cfg.Token.WindowPolicy)
	if err != nil {
		return nil, err
	}
	origin, err := csrf.ParseOriginChecker(cfg.Server.OriginStrategy, cfg.Server.AllowedHost, cfg.Server.TrustForwardedProto)
	if err != nil {
		return nil, err
	}

	store, err := s.openStore(cfg)
	if err != nil {
		return nil, err
	}
	if s.manager, err = session.NewManager(store, session.ManagerConfig{
		CookieName: cfg.Session.CookieName,
		Cookies:    s.cookieStore(cfg),
		Logger:     logger.Named("session"),
	}); err != nil {
		return nil, err
	}

	if s.sink, err = report.NewSink(report.Config{
		Dir:      cfg.Report.Dir,
		SafePage: cfg.Report.SafePage,
		Logger:   logger.Named("report"),
	}); err != nil {
		return nil, err
	}

	m := csrf.NewMetrics(s.metrics)
	s.gate = csrf.New(csrf.Config{
		Origin:       origin,
		WindowPolicy: policy,
		Registry: csrf.NewRegistry(csrf.RegistryConfig{
			EscalationStep: cfg.Token.EscalationStep,
			Logger:         logger.Named("registry"),
			Metrics:        m,
		}),
		Logger:  logger.Named("gate"),
		Metrics: m,
	})
	return s, nil
}

func (s *server) openStore(cfg *config.Config) (session.Store, error) {
	if cfg.Session.Backend != "redis" {
		ms := session.NewMemoryStoreWithConfig(session.MemoryConfig{TTL: cfg.Session.TTL})
		ctx, cancel := context.WithCancel(context.Background())
		go ms.Run(ctx, cfg.Session.SweepInterval)
		s.closers = append(s.closers, func() error { cancel(); return nil })
		return ms, nil
	}
	rs := session.NewRedisStore(session.RedisConfig{
		Addr:     cfg.Session.Redis.Addr,
		Password: cfg.Session.Redis.Password,
		DB:       cfg.Session.Redis.DB,
		Prefix:   cfg.Session.Redis.Prefix,
		TTL:      cfg.Session.TTL,
	}, s.logger.Named("redis"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		_ = rs.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Session.Redis.Addr, err)
	}
	s.closers = append(s.closers, rs.Close)
	return rs, nil
}

func (s *server) cookieStore(cfg *config.Config) *sessions.CookieStore {
	hashKey := []byte(cfg.Session.HashKey)
	if len(hashKey) == 0 {
		hashKey = securecookie.GenerateRandomKey(32)
		s.logger.Warn("session.hash_key not set, using a random key; sessions will not survive a restart")
	}
	keys := [][]byte{hashKey}
	if cfg.Session.BlockKey != "" {
		keys = append(keys, []byte(cfg.Session.BlockKey))
	}

	cs := sessions.NewCookieStore(keys...)
	cs.MaxAge(cfg.Session.MaxAge)
	cs.Options.Secure = cfg.Session.Secure
	cs.Options.HttpOnly = true
	cs.Options.SameSite = http.SameSiteLaxMode
	return cs
}

// Close releases the session backend.
func (s *server) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.sink.Recover)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.manager.Middleware)

		r.With(s.gate.Issue(s.token)).Method(http.MethodGet, "/csrf-token", s.gate.TokenHandler())

		// the gate checks the method itself, so these accept any verb
		r.HandleFunc("/ajax", s.handleAjax)
		r.HandleFunc("/ajax/limited", s.handleLimited)
		r.HandleFunc("/ajax/fields", s.handleFields)

		r.With(s.gate.Protect(csrf.Rule{
			Method:      http.MethodPost,
			ContentType: "json",
			Token:       s.token,
			Source:      s.source,
			Window:      s.window,
		})).Post("/contact", s.handleContact)

		r.With(s.gate.Protect(csrf.Rule{
			Method:      http.MethodDelete,
			ContentType: "json",
			Token:       s.token,
			Source:      csrf.SourceUnified,
		})).Delete("/session", s.handleLogout)
	})

	return r
}

func (s *server) handleAjax(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	if !s.gate.Begin(w, r, http.MethodPost, "json") {
		s.gate.Reject(w)
		return
	}
	s.finish(w, s.gate.VerifyToken(r.Context(), r, sess, s.token, s.source, s.window))
}

func (s *server) handleLimited(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	if !s.gate.Begin(w, r, http.MethodPost, "json") {
		s.gate.Reject(w)
		return
	}
	s.finish(w, s.gate.VerifyLimited(r.Context(), r, sess, s.token, s.source, s.limit))
}

func (s *server) handleFields(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	if !s.gate.Begin(w, r, http.MethodPost, "json") {
		s.gate.Reject(w)
		return
	}
	s.finish(w, s.gate.VerifyRequestFields(r.Context(), r, sess))
}

func (s *server) finish(w http.ResponseWriter, ok bool) {
	s.gate.Respond(w, ok)
	if ok {
		s.writeJSON(w, map[string]string{"status": "ok"})
	}
}

type contactForm struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	Message string `json:"message"`
}

func (s *server) handleContact(w http.ResponseWriter, r *http.Request) {
	var problems []string
	email := r.PostFormValue("email")
	if !sanitize.Check(email, sanitize.Email) {
		problems = append(problems, "email")
	}
	phone := r.PostFormValue("phone")
	if phone != "" && !sanitize.Check(phone, sanitize.Phone) {
		problems = append(problems, "phone")
	}
	if len(problems) > 0 {
		w.WriteHeader(http.StatusUnprocessableEntity)
		s.writeJSON(w, map[string][]string{"invalid": problems})
		return
	}

	clean := sanitize.Scope(map[string]string{
		"name":    sanitize.Strip(r.PostFormValue("name")),
		"message": sanitize.Strip(r.PostFormValue("message")),
	})
	s.writeJSON(w, contactForm{
		Name:    clean["name"],
		Email:   email,
		Phone:   phone,
		Message: clean["message"],
	})
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Destroy(w, r); err != nil {
		s.sink.Handle(w, r, fmt.Errorf("destroy session: %w", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}
