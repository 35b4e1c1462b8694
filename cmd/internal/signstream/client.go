package signstream

import "sync"

// conn holds the outbound queue of one WebSocket connection.
// send is never closed so late enqueues cannot panic; done signals shutdown.
type conn struct {
	id   string
	send chan Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, queue int) *conn {
	if queue <= 0 {
		queue = minSendQueue
	}
	return &conn{
		id:   id,
		send: make(chan Envelope, queue),
		done: make(chan struct{}),
	}
}

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
