package broker

import (
	"context"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/erebus-sh/erebus/internal/metrics"
	"github.com/erebus-sh/erebus/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 27 * time.Second
)

func (b *Broker) readPump(c *client) {
	defer func() {
		c.close()
		b.post(func() { b.detach(context.Background(), c) })
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			// Raw keepalive travels outside the envelope and skips the
			// rate limiter and the actor entirely.
			if string(msg) == wire.RawPing {
				c.enqueue([]byte(wire.RawPong))
				continue
			}

			if !c.limiter.Allow() {
				metrics.RateLimitedPackets.Inc()
				b.log.Warn().Str("socket", c.socketID).Msg("client rate limited, packet dropped")
				continue
			}

			tIngress := time.Now().UnixMilli()
			frame := append([]byte(nil), msg...)
			b.post(func() { b.handleFrame(context.Background(), c, frame, tIngress) })

		case ws.OpClose:
			return
		}
	}
}

func (b *Broker) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := wsutil.WriteServerMessage(c.conn, ws.OpText, frame)
			c.drained(len(frame))
			if err != nil {
				b.log.Debug().Str("socket", c.socketID).Err(err).Msg("write failed, dropping socket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// closeWith sends a close frame with the given status code and drops the
// socket. Used for protocol violations and failed handshakes.
func (b *Broker) closeWith(c *client, code int, reason string) {
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
	c.close()
}
