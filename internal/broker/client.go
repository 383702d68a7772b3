package broker

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/erebus-sh/erebus/internal/auth"
)

// Socket buffer watermarks, in bytes of frames queued but not yet written.
// Above high the broadcast skips the client; above low it yields once.
const (
	backpressureHigh = 100 * 1024
	backpressureLow  = 10 * 1024
)

// sendQueueSize bounds frames pending per socket. Sized so the byte
// watermarks, not the slot count, are the effective limit.
const sendQueueSize = 256

// client is one attached socket. The grant is nil until the connect
// handshake succeeds; only the broker goroutine reads or writes it.
type client struct {
	socketID string
	conn     net.Conn

	// grant and clientID are set once by the connect handler and immutable
	// afterwards.
	grant    *auth.Grant
	clientID string

	send     chan []byte
	buffered int64 // bytes sitting in send, read by broadcast for backpressure

	limiter     *rate.Limiter
	connectedAt time.Time

	// strikes counts consecutive full-buffer delivery failures. Only the
	// broker goroutine touches it; at maxStrikes the socket is dropped.
	strikes int

	closeOnce sync.Once
}

// maxStrikes is how many consecutive full-buffer drops a socket survives
// before the broker gives up and closes it.
const maxStrikes = 3

// strike records a full-buffer drop. Reports true once the client has
// struck out and should be disconnected.
func (c *client) strike() bool {
	c.strikes++
	return c.strikes >= maxStrikes
}

// clearStrikes resets the failure streak after a successful delivery.
func (c *client) clearStrikes() {
	c.strikes = 0
}

func newClient(socketID string, conn net.Conn, burst int, window time.Duration) *client {
	return &client{
		socketID:    socketID,
		conn:        conn,
		send:        make(chan []byte, sendQueueSize),
		limiter:     rate.NewLimiter(rate.Every(window/time.Duration(burst)), burst),
		connectedAt: time.Now(),
	}
}

// connected reports whether the handshake completed.
func (c *client) connected() bool {
	return c.grant != nil
}

// bufferedBytes is the backpressure signal: bytes enqueued minus written.
func (c *client) bufferedBytes() int64 {
	return atomic.LoadInt64(&c.buffered)
}

// enqueue queues a frame for the write pump. Reports false when the send
// queue is full; the frame is dropped, never blocked on.
func (c *client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		atomic.AddInt64(&c.buffered, int64(len(frame)))
		return true
	default:
		return false
	}
}

// drained is called by the write pump once a frame left the socket.
func (c *client) drained(n int) {
	atomic.AddInt64(&c.buffered, -int64(n))
}

// close shuts the underlying connection down exactly once.
func (c *client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
