package report

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type codedError struct{ code int }

func (e codedError) Error() string { return "coded failure" }
func (e codedError) Code() int     { return e.code }

func newTestSink(t *testing.T) (*Sink, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "reports")
	s, err := NewSink(Config{
		Dir:      dir,
		SafePage: "/oops",
		Logger:   zaptest.NewLogger(t),
		Clock:    func() time.Time { return time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return s, dir
}

func readReport(t *testing.T, path string) Report {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rep Report
	require.NoError(t, json.Unmarshal(data, &rep))
	return rep
}

func TestNewSink_RequiresDir(t *testing.T) {
	_, err := NewSink(Config{})
	assert.Error(t, err)
}

func TestWrite_RecordsCallerAndCode(t *testing.T) {
	s, dir := newTestSink(t)

	path, written, err := s.Write(codedError{code: 42})
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, dir, filepath.Dir(path))

	rep := readReport(t, path)
	assert.Equal(t, "coded failure", rep.Message)
	assert.Equal(t, 42, rep.Code)
	assert.True(t, strings.HasSuffix(rep.File, "report_test.go"), rep.File)
	assert.NotZero(t, rep.Line)
	assert.NotEmpty(t, rep.Trace)
	assert.Equal(t, "2024-05-01 10:30:00", rep.Timestamp)
}

func TestWrite_Deduplicates(t *testing.T) {
	s, dir := newTestSink(t)

	var paths []string
	for i := 0; i < 3; i++ {
		// same call site every iteration
		p, _, err := s.Write(errors.New("same"))
		require.NoError(t, err)
		paths = append(paths, p)
	}
	assert.Equal(t, paths[0], paths[1])
	assert.Equal(t, paths[0], paths[2])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	other, written, err := s.Write(errors.New("different"))
	require.NoError(t, err)
	assert.True(t, written)
	assert.NotEqual(t, paths[0], other)
}

func TestHandle_RedirectsToSafePage(t *testing.T) {
	s, dir := newTestSink(t)

	rec := httptest.NewRecorder()
	s.Handle(rec, httptest.NewRequest(http.MethodGet, "/boom", nil), errors.New("db down"))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/oops", rec.Header().Get("Location"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecover_ReportsPanics(t *testing.T) {
	s, dir := newTestSink(t)

	h := s.Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	rep := readReport(t, filepath.Join(dir, entries[0].Name()))
	assert.Equal(t, "panic: kaboom", rep.Message)
	assert.True(t, strings.HasSuffix(rep.File, "report_test.go"), rep.File)
}

func TestRecover_PassesThrough(t *testing.T) {
	s, _ := newTestSink(t)
	h := s.Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
