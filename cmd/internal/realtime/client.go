package realtime

import (
	"sync"

	v1 "github.com/vnioa/StudyMate-sub002/shared/contracts/realtime/v1"
)

// Close reasons reported to the transport.
const (
	ReasonClientGone   = "client gone"
	ReasonSlowConsumer = "slow consumer"
	ReasonHeartbeat    = "heartbeat timeout"
	ReasonShutdown     = "server shutdown"
)

// Client is one live connection handle.
//
// The send queue is never closed; writers stop on Done. Once closed the
// handle is invalid and every Manager call with it fails with ConnectionClosed.
type Client struct {
	ID     string
	UserID string

	send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func newClient(id, userID string, queue int) *Client {
	if queue <= 0 {
		queue = wsDefaultSendQueueSize
	}
	return &Client{
		ID:     id,
		UserID: userID,
		send:   make(chan v1.Envelope, queue),
		done:   make(chan struct{}),
	}
}

// Outbox is drained by the connection writer.
func (c *Client) Outbox() <-chan v1.Envelope { return c.send }

// Done is closed when the handle is invalidated.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

func (c *Client) Closed() bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// CloseReason is set once Done is closed.
func (c *Client) CloseReason() string {
	if !c.Closed() {
		return ""
	}
	return c.reason
}

// invalidate reports true for the call that actually closed the handle.
func (c *Client) invalidate(reason string) bool {
	first := false
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
		first = true
	})
	return first
}

// offer enqueues without blocking. False means the handle is closed or its
// queue is full.
func (c *Client) offer(env v1.Envelope) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}
