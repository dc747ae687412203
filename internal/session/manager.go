package session

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go2tv.app/syncview/internal/adapters"
	"go2tv.app/syncview/internal/cast"
	"go2tv.app/syncview/internal/discovery"
	"go2tv.app/syncview/internal/domain"
	"go2tv.app/syncview/internal/metrics"
	"go2tv.app/syncview/internal/syncbus"
)

type ManagerOptions struct {
	Resolver  adapters.URLResolver
	Engine    adapters.PlayerFactory
	Mirror    adapters.PlayerFactory
	Discovery *discovery.Service
	Bus       *syncbus.Bus
	CastRetry cast.RetryPolicy
	Observer  func(domain.SessionEvent)
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Manager keeps the open sessions addressable by id.
type Manager struct {
	opts ManagerOptions
	log  zerolog.Logger

	mu           sync.Mutex
	sessionsByID map[string]*Controller
	closed       bool
	closeOnce    sync.Once
	closeErr     error

	newID func() string
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Bus == nil {
		opts.Bus = syncbus.Default()
	}
	return &Manager{
		opts:         opts,
		log:          opts.Logger.With().Str("component", "sessions").Logger(),
		sessionsByID: map[string]*Controller{},
		newID:        uuid.NewString,
	}
}

// Open creates and opens a session. When the playback URL cannot be resolved
// the session is discarded and only the error is returned. A load failure
// returns the still-registered controller together with the error.
func (m *Manager) Open(ctx context.Context, req domain.OpenRequest) (*Controller, error) {
	if strings.TrimSpace(req.Channel) == "" {
		return nil, errors.Wrap(domain.ErrPrecondition, "channel is required")
	}
	if m.opts.Resolver == nil || m.opts.Engine == nil {
		return nil, errors.New("session manager is not configured")
	}

	ctrl := NewController(Options{
		SessionID: m.newID(),
		Request:   req,
		Resolver:  m.opts.Resolver,
		Engine:    m.opts.Engine,
		Mirror:    m.opts.Mirror,
		Discovery: m.opts.Discovery,
		Bus:       m.opts.Bus,
		CastRetry: m.opts.CastRetry,
		Observer:  m.opts.Observer,
		Metrics:   m.opts.Metrics,
		Logger:    m.opts.Logger,
	})
	if !m.storeSession(ctrl) {
		_ = ctrl.Close(ctx)
		return nil, errors.Wrap(domain.ErrSessionClosed, "session manager is shutting down")
	}

	err := ctrl.Open(ctx)
	if err == nil {
		return ctrl, nil
	}
	if errors.Is(err, domain.ErrLoad) {
		return ctrl, err
	}

	if detached := m.detachSessionByID(ctrl.ID()); detached != nil {
		if closeErr := detached.Close(context.WithoutCancel(ctx)); closeErr != nil {
			m.log.Warn().Err(closeErr).Str("session", ctrl.ID()).Msg("closing failed session")
		}
	}
	return nil, err
}

// Get returns the open session with id or domain.ErrSessionClosed.
func (m *Manager) Get(id string) (*Controller, error) {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, ok := m.sessionsByID[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrSessionClosed, "session %q", id)
	}
	return ctrl, nil
}

// List returns open sessions ordered by id.
func (m *Manager) List() []*Controller {
	out := m.snapshotSessions()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessionsByID)
}

// CloseSession removes the session and releases it.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	ctrl := m.detachSessionByID(id)
	if ctrl == nil {
		return errors.Wrapf(domain.ErrSessionClosed, "session %q", id)
	}
	return ctrl.Close(ctx)
}

// Close releases every session. Later calls return the first result.
func (m *Manager) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		var errs []string
		for _, ctrl := range m.detachAllSessions() {
			if err := ctrl.Close(ctx); err != nil {
				errs = append(errs, ctrl.ID()+": "+err.Error())
			}
		}
		if len(errs) > 0 {
			m.closeErr = errors.New(strings.Join(errs, "; "))
		}
	})
	return m.closeErr
}

func (m *Manager) storeSession(ctrl *Controller) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.sessionsByID[ctrl.ID()] = ctrl
	m.opts.Metrics.SetActiveSessions(len(m.sessionsByID))
	return true
}

func (m *Manager) snapshotSessions() []*Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Controller, 0, len(m.sessionsByID))
	for _, ctrl := range m.sessionsByID {
		out = append(out, ctrl)
	}
	return out
}

func (m *Manager) detachSessionByID(id string) *Controller {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl := m.sessionsByID[id]
	if ctrl == nil {
		return nil
	}
	delete(m.sessionsByID, id)
	m.opts.Metrics.SetActiveSessions(len(m.sessionsByID))
	return ctrl
}

func (m *Manager) detachAllSessions() []*Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Controller, 0, len(m.sessionsByID))
	for id, ctrl := range m.sessionsByID {
		out = append(out, ctrl)
		delete(m.sessionsByID, id)
	}
	m.opts.Metrics.SetActiveSessions(0)
	return out
}
