package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/and161185/goph-chat/internal/service"
	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
)

// State is the lifecycle position of one realtime connection.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateJoined
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateRejected }

// allowed lists the forward edges; Closed is reachable from every live state.
var allowed = map[State][]State{
	StateUnauthenticated: {StateAuthenticated, StateRejected, StateClosed},
	StateAuthenticated:   {StateJoined, StateRejected, StateClosed},
	StateJoined:          {StateClosed},
}

type control struct {
	payload []byte
	close   bool
}

// Conn is one websocket bound to exactly one conversation.
type Conn struct {
	state atomic.Int32

	ws       *websocket.Conn
	identity service.Identity
	convID   uuid.UUID
	sub      *Subscription

	ctrl       chan control
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

func newConn() *Conn {
	return &Conn{
		ctrl:       make(chan control, 4),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// State returns the current state.
func (c *Conn) State() State { return State(c.state.Load()) }

// transition moves to next if the edge exists; it reports whether it moved.
func (c *Conn) transition(next State) bool {
	for {
		cur := c.State()
		ok := false
		for _, s := range allowed[cur] {
			if s == next {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

func (c *Conn) authenticate(id service.Identity) bool {
	if !c.transition(StateAuthenticated) {
		return false
	}
	c.identity = id
	return true
}

func (c *Conn) reject() { c.transition(StateRejected) }

func (c *Conn) join(hub *Hub, convID uuid.UUID, ws *websocket.Conn) bool {
	if c.State() != StateAuthenticated {
		return false
	}
	c.ws = ws
	c.convID = convID
	c.sub = hub.Subscribe(convID, c.identity.UserID)
	if !c.transition(StateJoined) {
		c.sub.Unsubscribe()
		return false
	}
	return true
}

// Close ends the connection and leaves the broadcast group. Idempotent.
func (c *Conn) Close() {
	if c.State() != StateRejected {
		c.transition(StateClosed)
	}
	c.closeOnce.Do(func() {
		if c.sub != nil {
			c.sub.Unsubscribe()
		}
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// sendControl queues a frame for the sender only; it never blocks the reader.
func (c *Conn) sendControl(payload []byte, closeAfter bool) bool {
	select {
	case c.ctrl <- control{payload: payload, close: closeAfter}:
		return true
	default:
		return false
	}
}

// waitWriter gives the writer a bounded chance to flush queued control frames.
func (c *Conn) waitWriter(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.writerDone:
	case <-t.C:
	}
}
