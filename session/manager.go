package session

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"
)

// idKey is the cookie-session value that carries the server-side session id.
const idKey = "sid"

type ctxKey string

const sessionKey ctxKey = "csrfgate_session_ctx"

// NewContext returns a derived context that carries sess.
func NewContext(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// FromContext extracts the session stored by NewContext, if present.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey).(Session)
	return s, ok
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// CookieName is the name of the cookie holding the signed session id
	// (default: "csrfgate_session").
	CookieName string
	// Cookies encodes the id cookie, e.g. sessions.NewCookieStore(hashKey, blockKey).
	Cookies sessions.Store
	Logger  *zap.Logger
}

// Manager maps HTTP clients to sessions in a Store. The client only ever
// holds a signed cookie with a random id; token state stays server side.
type Manager struct {
	store   Store
	cookies sessions.Store
	name    string
	logger  *zap.Logger
}

// NewManager builds a Manager. cfg.Cookies is required.
func NewManager(store Store, cfg ManagerConfig) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session: store cannot be nil")
	}
	if cfg.Cookies == nil {
		return nil, fmt.Errorf("session: cookie store cannot be nil")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "csrfgate_session"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		store:   store,
		cookies: cfg.Cookies,
		name:    cfg.CookieName,
		logger:  cfg.Logger,
	}, nil
}

// Load returns the session of the client behind r, starting a new one (and
// setting its cookie on w) when the client has none.
func (m *Manager) Load(w http.ResponseWriter, r *http.Request) (Session, error) {
	cs, err := m.cookies.Get(r, m.name)
	if err != nil {
		// unreadable or tampered cookie: gorilla still hands back a fresh session
		m.logger.Debug("discarding unreadable session cookie", zap.Error(err))
	}

	id, _ := cs.Values[idKey].(string)
	if _, perr := uuid.Parse(id); perr != nil {
		id = uuid.NewString()
		cs.Values[idKey] = id
		if err := cs.Save(r, w); err != nil {
			return nil, fmt.Errorf("session: save cookie: %w", err)
		}
		m.logger.Debug("started session", zap.String("session_id", id))
	}

	return m.store.Open(r.Context(), id)
}

// Destroy drops the client's server-side state and expires its cookie.
func (m *Manager) Destroy(w http.ResponseWriter, r *http.Request) error {
	cs, _ := m.cookies.Get(r, m.name)
	if id, ok := cs.Values[idKey].(string); ok && id != "" {
		if err := m.store.Destroy(r.Context(), id); err != nil {
			return err
		}
	}
	cs.Options.MaxAge = -1
	delete(cs.Values, idKey)
	if err := cs.Save(r, w); err != nil {
		return fmt.Errorf("session: expire cookie: %w", err)
	}
	return nil
}

// Middleware loads the session and stores it in the request context for
// downstream handlers (see FromContext).
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := m.Load(w, r)
		if err != nil {
			m.logger.Error("failed to load session", zap.Error(err))
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), sess)))
	})
}
