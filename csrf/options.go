package csrf

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WindowPolicy selects how VerifyToken interprets a time window.
type WindowPolicy int

const (
	// WindowMaxAge rejects tokens older than the window (expiry).
	WindowMaxAge WindowPolicy = iota
	// WindowMinAge rejects tokens younger than the window (anti-automation delay).
	WindowMinAge
)

// ParseWindowPolicy maps "max_age" (default) or "min_age" to a WindowPolicy.
func ParseWindowPolicy(name string) (WindowPolicy, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "_")) {
	case "", "max_age", "maxage":
		return WindowMaxAge, nil
	case "min_age", "minage":
		return WindowMinAge, nil
	default:
		return 0, fmt.Errorf("csrf: unknown window policy %q", name)
	}
}

type Config struct {
	// Same-origin strategy (default: OriginRefererChecker using r.Host)
	Origin OriginChecker

	// How a non-zero window passed to VerifyToken is applied
	WindowPolicy WindowPolicy

	// Token registry (default: NewRegistry sharing Logger and Metrics)
	Registry *Registry

	Logger  *zap.Logger
	Metrics *Metrics
}

// Rule describes what Protect enforces on a route.
type Rule struct {
	Method      string        // e.g.: "POST"
	ContentType string        // response type suffix, e.g.: "json"
	Token       string        // token name, also the request field name
	Source      Source        // where the field is read from
	Window      time.Duration // zero means no time check
}

type Gate struct {
	cfg      Config
	registry *Registry
	origin   OriginChecker
	logger   *zap.Logger
	metrics  *Metrics
}

func New(cfg Config) *Gate {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Origin == nil {
		cfg.Origin = OriginRefererChecker{}
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(RegistryConfig{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	return &Gate{
		cfg:      cfg,
		registry: cfg.Registry,
		origin:   cfg.Origin,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Registry returns the token registry the gate validates against.
func (g *Gate) Registry() *Registry {
	return g.registry
}
