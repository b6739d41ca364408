package csrf

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/JeanGrijp/csrfgate/session"
	"go.uber.org/zap"
)

// Registry operation names used in logs and metrics.
const (
	opCreate  = "create"
	opGet     = "get"
	opDelete  = "delete"
	opUnset   = "unset"
	opProcess = "process"
	opMinAge  = "process_min_age"
	opMaxAge  = "process_max_age"
	opLimited = "process_limited"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// EscalationStep is the extra dwell time added per escalation level in
	// ProcessLimited (default: one second).
	EscalationStep time.Duration

	// Clock returns the current time (default: time.Now).
	Clock func() time.Time

	Logger  *zap.Logger
	Metrics *Metrics
}

// Limit parameterizes ProcessLimited.
type Limit struct {
	// Base is the minimum age a token must reach before it is accepted.
	Base time.Duration
	// StepEvery is the number of attempts that raises the escalation level
	// by one. Zero or negative disables escalation.
	StepEvery int
	// Reset clears attempts and escalation once the token is older than
	// this. Zero or negative disables the cooldown.
	Reset time.Duration
}

// Registry creates, validates and evicts named single-use tokens inside a
// client session. It keeps no state of its own; everything lives in the
// session passed to each call.
//
// Read-modify-write sequences (notably the attempt counter of
// ProcessLimited) are not atomic across concurrent requests that share a
// session.
type Registry struct {
	step    time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *Metrics
}

// NewRegistry builds a Registry with defaults filled in.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.EscalationStep <= 0 {
		cfg.EscalationStep = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Registry{
		step:    cfg.EscalationStep,
		now:     cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Create generates a new token for name and records its creation time.
// An outstanding token under the same name is never replaced; Create
// returns ErrAlreadyExists instead.
func (reg *Registry) Create(ctx context.Context, sess session.Session, name string) (tok string, err error) {
	defer func() { reg.observe(opCreate, name, err) }()

	if name == "" {
		return "", ErrEmptyName
	}
	_, live, err := sess.Get(ctx, valueKey(name))
	if err != nil {
		return "", storeErr(err)
	}
	if live {
		return "", ErrAlreadyExists
	}

	tok, err = newToken()
	if err != nil {
		return "", fmt.Errorf("csrf: generate token: %w", err)
	}
	if err := sess.Set(ctx, valueKey(name), tok); err != nil {
		return "", storeErr(err)
	}
	if err := sess.Set(ctx, timeKey(name), formatTime(reg.now())); err != nil {
		return "", storeErr(err)
	}
	return tok, nil
}

// Get returns the live token for name without consuming it.
func (reg *Registry) Get(ctx context.Context, sess session.Session, name string) (tok string, err error) {
	defer func() { reg.observe(opGet, name, err) }()

	tok, live, err := sess.Get(ctx, valueKey(name))
	if err != nil {
		return "", storeErr(err)
	}
	if !live {
		return "", ErrNotFound
	}
	return tok, nil
}

// Delete removes the token, its creation time and any rate-limit counters.
// It reports whether anything was removed.
func (reg *Registry) Delete(ctx context.Context, sess session.Session, name string) (bool, error) {
	n, err := sess.Delete(ctx, allKeys(name)...)
	if err != nil {
		err = storeErr(err)
	}
	reg.observe(opDelete, name, err)
	return n > 0, err
}

// Unset removes only the token value and its creation time, leaving
// rate-limit counters in place.
func (reg *Registry) Unset(ctx context.Context, sess session.Session, name string) (bool, error) {
	n, err := sess.Delete(ctx, valueKey(name), timeKey(name))
	if err != nil {
		err = storeErr(err)
	}
	reg.observe(opUnset, name, err)
	return n > 0, err
}

// Process accepts candidate if it equals the live token for name, and
// consumes the token on success.
func (reg *Registry) Process(ctx context.Context, sess session.Session, candidate, name string) (err error) {
	defer func() { reg.observe(opProcess, name, err) }()

	if err := reg.match(ctx, sess, candidate, name); err != nil {
		return err
	}
	return reg.consume(ctx, sess, name)
}

// ProcessMinAge is Process with the additional requirement that the token
// is at least window old.
func (reg *Registry) ProcessMinAge(ctx context.Context, sess session.Session, candidate, name string, window time.Duration) (err error) {
	defer func() { reg.observe(opMinAge, name, err) }()

	if err := reg.match(ctx, sess, candidate, name); err != nil {
		return err
	}
	age, err := reg.age(ctx, sess, name)
	if err != nil {
		return err
	}
	if age < window {
		return fmt.Errorf("%w: age %s below %s", ErrTooEarly, age, window)
	}
	return reg.consume(ctx, sess, name)
}

// ProcessMaxAge is Process with the additional requirement that the token
// is no older than window.
func (reg *Registry) ProcessMaxAge(ctx context.Context, sess session.Session, candidate, name string, window time.Duration) (err error) {
	defer func() { reg.observe(opMaxAge, name, err) }()

	if err := reg.match(ctx, sess, candidate, name); err != nil {
		return err
	}
	age, err := reg.age(ctx, sess, name)
	if err != nil {
		return err
	}
	if age > window {
		return fmt.Errorf("%w: age %s above %s", ErrExpired, age, window)
	}
	return reg.consume(ctx, sess, name)
}

// ProcessLimited validates candidate with an escalating minimum dwell time.
//
// Every attempt against a live token counts. Each lim.StepEvery attempts
// raise the escalation level by one, and the token must then be at least
// lim.Base plus one EscalationStep per level old. Once the token is older
// than lim.Reset, attempts and level start over. Success consumes the token
// together with its counters.
func (reg *Registry) ProcessLimited(ctx context.Context, sess session.Session, candidate, name string, lim Limit) (err error) {
	defer func() { reg.observe(opLimited, name, err) }()

	stored, live, err := sess.Get(ctx, valueKey(name))
	if err != nil {
		return storeErr(err)
	}
	if !live {
		return ErrNotFound
	}
	age, err := reg.age(ctx, sess, name)
	if err != nil {
		return err
	}

	countRaw, hasCount, err := sess.Get(ctx, countKey(name))
	if err != nil {
		return storeErr(err)
	}
	levelRaw, hasLevel, err := sess.Get(ctx, timerKey(name))
	if err != nil {
		return storeErr(err)
	}
	count := parseCount(countRaw, hasCount)
	level := parseCount(levelRaw, hasLevel)

	if lim.Reset > 0 && age > lim.Reset {
		count, level = 0, 0
	}
	count++
	if lim.StepEvery > 0 && count >= lim.StepEvery {
		level++
		count = 0
	}
	if err := sess.Set(ctx, countKey(name), strconv.Itoa(count)); err != nil {
		return storeErr(err)
	}
	if err := sess.Set(ctx, timerKey(name), strconv.Itoa(level)); err != nil {
		return storeErr(err)
	}

	if !equalTokens(candidate, stored) {
		return ErrMismatch
	}
	required := lim.Base + time.Duration(level)*reg.step
	if age < required {
		return fmt.Errorf("%w: age %s below %s (level %d)", ErrRateLimited, age, required, level)
	}
	return reg.consume(ctx, sess, name)
}

// match loads the live token for name and compares it with candidate.
func (reg *Registry) match(ctx context.Context, sess session.Session, candidate, name string) error {
	stored, live, err := sess.Get(ctx, valueKey(name))
	if err != nil {
		return storeErr(err)
	}
	if !live {
		return ErrNotFound
	}
	if !equalTokens(candidate, stored) {
		return ErrMismatch
	}
	// a value without a readable creation time was not written by Create
	if _, err := reg.age(ctx, sess, name); err != nil {
		return err
	}
	return nil
}

// age returns how long ago the token for name was created. A token whose
// timestamp is missing or unreadable is treated as absent.
func (reg *Registry) age(ctx context.Context, sess session.Session, name string) (time.Duration, error) {
	raw, ok, err := sess.Get(ctx, timeKey(name))
	if err != nil {
		return 0, storeErr(err)
	}
	created, valid := parseTime(raw)
	if !ok || !valid {
		return 0, fmt.Errorf("%w: no creation time", ErrNotFound)
	}
	return reg.now().Sub(created), nil
}

func (reg *Registry) consume(ctx context.Context, sess session.Session, name string) error {
	if _, err := sess.Delete(ctx, allKeys(name)...); err != nil {
		return storeErr(err)
	}
	return nil
}

func (reg *Registry) observe(op, name string, err error) {
	reg.metrics.tokenOp(op, err)
	if err != nil {
		reg.logger.Debug("token operation rejected",
			zap.String("op", op),
			zap.String("token", name),
			zap.String("reason", reason(err)),
			zap.Error(err),
		)
	}
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStore, err)
}
