package mcp

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a session.
type SessionState string

// Session states. A session starts Open and moves to Closed exactly once.
const (
	SessionOpen   SessionState = "open"
	SessionClosed SessionState = "closed"
)

// SessionInfo is a point-in-time snapshot of a session.
type SessionInfo struct {
	ID        string
	State     SessionState
	Bound     bool
	CreatedAt time.Time
	ClosedAt  time.Time
	// Pending is the number of requests accepted but not yet answered.
	Pending int
}

// SessionManagerOption represents the options for the SessionManager.
type SessionManagerOption func(*SessionManager)

// SessionManager owns the session table: it issues session ids, binds each session to its push
// Channel and delivers responses through it. All methods are safe for concurrent use, and
// operations on different sessions never wait on each other.
//
// Closed sessions are kept as tombstones so late requests are told the session is closed rather
// than unknown. Prune removes tombstones older than the retention period.
type SessionManager struct {
	sessions sync.Map // map[string]*session

	retention time.Duration
	logger    *slog.Logger
	metrics   *Metrics
}

type session struct {
	id string

	mu        sync.Mutex
	state     SessionState
	channel   Channel
	createdAt time.Time
	closedAt  time.Time
	pending   map[MustString]struct{}
}

var defaultSessionRetention = 5 * time.Minute

// NewSessionManager creates an empty SessionManager.
func NewSessionManager(options ...SessionManagerOption) *SessionManager {
	m := &SessionManager{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.retention == 0 {
		m.retention = defaultSessionRetention
	}
	return m
}

// WithSessionRetention sets how long closed sessions are remembered before Prune drops them.
func WithSessionRetention(retention time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		m.retention = retention
	}
}

// WithSessionManagerLogger sets the logger for the SessionManager.
func WithSessionManagerLogger(logger *slog.Logger) SessionManagerOption {
	return func(m *SessionManager) {
		m.logger = logger.With(
			slog.String("package", "go-mcp-sse"),
			slog.String("component", "session-manager"),
		)
	}
}

// WithSessionManagerMetrics sets the metrics the SessionManager reports to.
func WithSessionManagerMetrics(metrics *Metrics) SessionManagerOption {
	return func(m *SessionManager) {
		m.metrics = metrics
	}
}

// Open creates a new session in the Open state, not yet bound to any channel, and returns its id.
// Ids are random UUIDs and are never reused.
func (m *SessionManager) Open() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}

	sess := &session{
		id:        id.String(),
		state:     SessionOpen,
		createdAt: time.Now(),
		pending:   make(map[MustString]struct{}),
	}
	m.sessions.Store(sess.id, sess)
	m.metrics.sessionOpened()

	m.logger.Debug("session opened", slog.String("sessionID", sess.id))

	return sess.id, nil
}

// Bind attaches the push channel of a session. It fails with ErrUnknownSession, ErrSessionClosed,
// or ErrAlreadyBound when a live channel is already attached.
func (m *SessionManager) Bind(id string, ch Channel) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == SessionClosed {
		return newFailure(KindSessionClosed, "session %s is closed", id)
	}
	if sess.channel != nil {
		select {
		case <-sess.channel.Done():
		default:
			return newFailure(KindAlreadyBound, "session %s already has a push channel", id)
		}
	}
	sess.channel = ch
	return nil
}

// Close moves a session to Closed and releases its channel. Closing a closed session is a
// no-op; closing an unknown session fails with ErrUnknownSession.
func (m *SessionManager) Close(id string) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.state == SessionClosed {
		sess.mu.Unlock()
		return nil
	}
	sess.state = SessionClosed
	sess.closedAt = time.Now()
	ch := sess.channel
	sess.channel = nil
	clear(sess.pending)
	sess.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	m.metrics.sessionClosed()

	m.logger.Debug("session closed", slog.String("sessionID", id))

	return nil
}

// CloseAll closes every open session.
func (m *SessionManager) CloseAll() {
	m.sessions.Range(func(key, _ any) bool {
		id, _ := key.(string)
		if err := m.Close(id); err != nil {
			m.logger.Warn("failed to close session", slog.String("sessionID", id), slog.String("err", err.Error()))
		}
		return true
	})
}

// Validate reports whether requests may be dispatched for the session. An empty id is a
// malformed request.
func (m *SessionManager) Validate(id string) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == SessionClosed {
		return newFailure(KindSessionClosed, "session %s is closed", id)
	}
	return nil
}

// Deliver writes msg to the channel bound to the session. It fails with ErrChannelUnavailable if
// no live channel is bound or the write fails, and with ErrUnknownSession for an unknown id.
func (m *SessionManager) Deliver(ctx context.Context, id string, msg JSONRPCMessage) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	ch := sess.channel
	state := sess.state
	sess.mu.Unlock()

	if state == SessionClosed || ch == nil {
		return newFailure(KindChannelUnavailable, "session %s has no push channel", id)
	}

	if err := ch.Send(ctx, msg); err != nil {
		return newFailure(KindChannelUnavailable, "failed to deliver to session %s: %s", id, err)
	}
	return nil
}

// Lookup returns a snapshot of the session.
func (m *SessionManager) Lookup(id string) (SessionInfo, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return SessionInfo{}, err
	}
	return sess.info(), nil
}

// Sessions returns an iterator over snapshots of every known session, tombstones included.
// The order is unspecified.
func (m *SessionManager) Sessions() iter.Seq[SessionInfo] {
	return func(yield func(SessionInfo) bool) {
		m.sessions.Range(func(_, value any) bool {
			sess, _ := value.(*session)
			return yield(sess.info())
		})
	}
}

// Prune drops closed sessions whose close happened before the given time, and returns how many
// were dropped. Requests for dropped sessions fail with ErrUnknownSession.
func (m *SessionManager) Prune(before time.Time) int {
	pruned := 0
	m.sessions.Range(func(key, value any) bool {
		sess, _ := value.(*session)

		sess.mu.Lock()
		expired := sess.state == SessionClosed && sess.closedAt.Before(before)
		sess.mu.Unlock()

		if expired {
			m.sessions.Delete(key)
			pruned++
		}
		return true
	})
	return pruned
}

// PruneLoop calls Prune every interval with the configured retention, until ctx is done.
func (m *SessionManager) PruneLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Prune(now.Add(-m.retention)); n > 0 {
				m.logger.Debug("pruned closed sessions", slog.Int("count", n))
			}
		}
	}
}

// beginRequest records reqID as pending for the session. A request id can be reused only after
// the previous request with that id was answered.
func (m *SessionManager) beginRequest(id string, reqID MustString) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == SessionClosed {
		return newFailure(KindSessionClosed, "session %s is closed", id)
	}
	if _, ok := sess.pending[reqID]; ok {
		return newFailure(KindMalformedRequest, "request id %q is already pending", reqID)
	}
	sess.pending[reqID] = struct{}{}
	return nil
}

func (m *SessionManager) endRequest(id string, reqID MustString) {
	sess, err := m.lookup(id)
	if err != nil {
		return
	}

	sess.mu.Lock()
	delete(sess.pending, reqID)
	sess.mu.Unlock()
}

func (m *SessionManager) lookup(id string) (*session, error) {
	if id == "" {
		return nil, newFailure(KindMalformedRequest, "missing session id")
	}
	value, ok := m.sessions.Load(id)
	if !ok {
		return nil, newFailure(KindUnknownSession, "session %s not found", id)
	}
	sess, _ := value.(*session)
	return sess, nil
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	bound := false
	if s.channel != nil {
		select {
		case <-s.channel.Done():
		default:
			bound = true
		}
	}

	return SessionInfo{
		ID:        s.id,
		State:     s.state,
		Bound:     bound,
		CreatedAt: s.createdAt,
		ClosedAt:  s.closedAt,
		Pending:   len(s.pending),
	}
}
