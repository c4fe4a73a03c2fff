package gamesocket

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Multiplexer holds the logical sessions of a share-channel connection.
// Every logical session sends through the same physical connection and is
// addressed by the session id carried in each frame.
type Multiplexer struct {
	conn *Conn

	mu       sync.RWMutex
	sessions map[int32]*Session
	closed   bool
}

func newMultiplexer(c *Conn) *Multiplexer {
	return &Multiplexer{
		conn:     c,
		sessions: make(map[int32]*Session),
	}
}

// Register creates the logical session id. It fails with ErrSessionExists
// if id is taken and with ErrSessionClosed once the connection is closed.
// The id NoSession is reserved for the control session.
func (m *Multiplexer) Register(id int32) (*Session, error) {
	if id == NoSession {
		return nil, errors.Wrap(ErrSessionExists, "reserved control session id")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, errors.Wrapf(ErrSessionExists, "session %d", id)
	}
	s := newSession(id, &connLink{conn: m.conn, sessionID: id}, &m.conn.opts)
	m.sessions[id] = s
	m.mu.Unlock()

	m.conn.logger.Debug("session registered", "addr", m.conn.Addr(), "session_id", id)
	m.conn.openSession(s)
	return s, nil
}

// Unregister closes and removes the logical session id. Its pending
// requests fail with ErrSessionClosed. It reports whether the session existed.
func (m *Multiplexer) Unregister(id int32) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.conn.logger.Debug("session unregistered", "addr", m.conn.Addr(), "session_id", id)
	s.Close()
	m.conn.opts.metrics.sessionClosed()
	return true
}

// Session returns the logical session id.
func (m *Multiplexer) Session(id int32) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns the ids of all logical sessions in ascending order.
func (m *Multiplexer) Sessions() []int32 {
	m.mu.RLock()
	ids := make([]int32, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of logical sessions.
func (m *Multiplexer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Broadcast sends msg once for all sessions in ids using a multi-session
// frame. The peer delivers a copy to each listed session.
func (m *Multiplexer) Broadcast(ids []int32, msg any) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) > maxMultiSessions {
		return errors.Wrapf(ErrTooManySessions, "%d sessions", len(ids))
	}
	return m.conn.WriteBlocking(context.Background(), &Frame{
		Flag:       FlagMultiSession,
		SessionIDs: append([]int32(nil), ids...),
		Body:       msg,
	})
}

// dispatch routes an inbound frame to its logical session. A multi-session
// frame is delivered once to every session it names.
func (m *Multiplexer) dispatch(f *Frame) error {
	if !f.Flag.MultiSession() {
		return m.deliver(f.SessionID, f)
	}

	for _, id := range f.SessionIDs {
		cp := *f
		cp.Flag &^= FlagMultiSession
		cp.SessionID = id
		cp.SessionIDs = nil
		if err := m.deliver(id, &cp); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multiplexer) deliver(id int32, f *Frame) error {
	if id == NoSession {
		return m.conn.deliver(m.conn.session, f)
	}

	s, ok := m.Session(id)
	if !ok {
		if !m.conn.opts.autoRegister {
			m.conn.logger.Warn("frame for unknown session dropped",
				"addr", m.conn.Addr(), "session_id", id, "type", f.Type)
			return nil
		}
		var err error
		if s, err = m.Register(id); err != nil {
			if !errors.Is(err, ErrSessionExists) {
				return err
			}
			// Registered concurrently by the application.
			if s, ok = m.Session(id); !ok {
				return nil
			}
		}
	}
	return m.conn.deliver(s, f)
}

// closeAll closes every logical session and refuses new ones.
func (m *Multiplexer) closeAll() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		m.conn.opts.metrics.sessionClosed()
	}
}
