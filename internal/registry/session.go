package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is a session's position in its lifecycle. Transitions only move
// forward: Connecting -> Authenticated -> Streaming -> Disconnected.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// Session is one live device connection. Outbound messages are enqueued on
// a bounded channel; the transport's write pump drains it. A full channel
// means the client cannot keep up, and the registry force-disconnects the
// session rather than block or drop silently; replay recovers the gap.
type Session struct {
	UserID      string
	DeviceID    string
	ConnectedAt time.Time

	state    atomic.Int32
	lastSeen atomic.Int64 // unix nanos

	out       chan interface{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(userID, deviceID string, buffer int) *Session {
	now := time.Now()
	s := &Session{
		UserID:      userID,
		DeviceID:    deviceID,
		ConnectedAt: now,
		out:         make(chan interface{}, buffer),
		done:        make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	s.lastSeen.Store(now.UnixNano())
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Out is drained by the transport's write pump.
func (s *Session) Out() <-chan interface{} { return s.out }

// Done is closed when the session is disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

// Touch records inbound activity for idle sweeping.
func (s *Session) Touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen is the time of the most recent inbound frame.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// Send enqueues a message without blocking. It reports false when the
// session is closed or its buffer is full.
func (s *Session) Send(msg interface{}) bool {
	if s.State() == StateDisconnected {
		return false
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

// SendWait blocks until the message is enqueued or the session closes.
// Used for replay, where backpressure should stall only this session's
// reader, never the fan-out path.
func (s *Session) SendWait(msg interface{}) bool {
	if s.State() == StateDisconnected {
		return false
	}
	select {
	case s.out <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateDisconnected))
		close(s.done)
	})
}
