// Package report turns unexpected errors into JSON reports on disk and
// sends the client to a safe page.
//
// Reports are deduplicated by content: the same message, code and origin
// location always map to the same file, which is written only once.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Coder is implemented by errors that carry a numeric code.
type Coder interface {
	Code() int
}

// Report is the JSON document written for one distinct error.
type Report struct {
	Message   string   `json:"message"`
	Code      int      `json:"code"`
	File      string   `json:"file"`
	Line      int      `json:"line"`
	Trace     []string `json:"trace"`
	Timestamp string   `json:"timestamp"`
}

// Config configures a Sink.
type Config struct {
	// Dir receives the <hash>.json files; created if missing.
	Dir string
	// SafePage is where clients are redirected after a failure (default: "/").
	SafePage string
	Logger   *zap.Logger
	// Clock returns the current time (default: time.Now).
	Clock func() time.Time
}

// Sink writes reports and redirects clients.
type Sink struct {
	dir      string
	safePage string
	logger   *zap.Logger
	now      func() time.Time
}

// NewSink validates cfg and prepares the report directory.
func NewSink(cfg Config) (*Sink, error) {
	if cfg.Dir == "" {
		return nil, errors.New("report: directory is required")
	}
	if cfg.SafePage == "" {
		cfg.SafePage = "/"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("report: create %s: %w", cfg.Dir, err)
	}
	return &Sink{
		dir:      cfg.Dir,
		safePage: cfg.SafePage,
		logger:   cfg.Logger,
		now:      cfg.Clock,
	}, nil
}

// Write records err as originating from the caller of Write and returns the
// report path. written is false when an identical report already existed.
func (s *Sink) Write(err error) (path string, written bool, werr error) {
	return s.write(err, callerFrames(3))
}

// Handle records err as originating from the caller of Handle and
// redirects the client to the safe page.
func (s *Sink) Handle(w http.ResponseWriter, r *http.Request, err error) {
	s.finish(w, r, err, callerFrames(3))
}

// Recover is middleware that converts panics in next into reports.
func (s *Sink) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			err, ok := v.(error)
			if !ok {
				err = fmt.Errorf("panic: %v", v)
			}
			s.finish(w, r, err, panicFrames())
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Sink) finish(w http.ResponseWriter, r *http.Request, err error, frames []runtime.Frame) {
	if path, written, werr := s.write(err, frames); werr != nil {
		s.logger.Error("failed to write error report", zap.Error(werr), zap.NamedError("cause", err))
	} else if written {
		s.logger.Warn("error reported", zap.String("report", path), zap.Error(err))
	}
	http.Redirect(w, r, s.safePage, http.StatusSeeOther)
}

func (s *Sink) write(err error, frames []runtime.Frame) (string, bool, error) {
	rep := s.build(err, frames)
	path := filepath.Join(s.dir, fingerprint(rep)+".json")

	f, ferr := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if errors.Is(ferr, os.ErrExist) {
		return path, false, nil
	}
	if ferr != nil {
		return "", false, fmt.Errorf("report: create %s: %w", path, ferr)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(rep); err != nil {
		return "", false, fmt.Errorf("report: encode %s: %w", path, err)
	}
	return path, true, nil
}

func (s *Sink) build(err error, frames []runtime.Frame) Report {
	rep := Report{
		Message:   err.Error(),
		Timestamp: s.now().Format("2006-01-02 15:04:05"),
	}
	var c Coder
	if errors.As(err, &c) {
		rep.Code = c.Code()
	}
	if len(frames) > 0 {
		rep.File, rep.Line = frames[0].File, frames[0].Line
	}
	for _, fr := range frames {
		rep.Trace = append(rep.Trace, fmt.Sprintf("%s %s:%d", fr.Function, fr.File, fr.Line))
	}
	return rep
}

// fingerprint identifies a report by message, code and origin location.
func fingerprint(rep Report) string {
	var b strings.Builder
	b.WriteString(rep.Message)
	b.WriteString(strconv.Itoa(rep.Code))
	b.WriteString(rep.File)
	b.WriteString(strconv.Itoa(rep.Line))
	return fmt.Sprintf("%016x", xxhash.Sum64String(b.String()))
}

func callerFrames(skip int) []runtime.Frame {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	return collect(pcs[:n])
}

// panicFrames returns the stack starting at the function that panicked.
func panicFrames() []runtime.Frame {
	all := callerFrames(1)
	for i, fr := range all {
		if fr.Function == "runtime.gopanic" && i+1 < len(all) {
			return all[i+1:]
		}
	}
	return all
}

func collect(pcs []uintptr) []runtime.Frame {
	var out []runtime.Frame
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		out = append(out, fr)
		if !more {
			break
		}
	}
	return out
}
