package broker

import (
	"context"
	"runtime"
	"time"

	"github.com/erebus-sh/erebus/internal/metrics"
	"github.com/erebus-sh/erebus/internal/wire"
)

// batchSize is how many socket enqueues happen between cooperative yields.
const batchSize = 10

// broadcast fans one message out to the resolved audience. The payload is
// serialized once; info-scoped grants get the fixed informational copy,
// serialized lazily on first need. Runs on the actor goroutine; the yields
// between batches are the only interleaving points.
//
// Returns the clientIDs the message actually reached. Clients missed by a
// watermark skip or a full send queue are excluded so their last-seen
// cursor stays put and catch-up can re-serve them.
//
// The broadcast-side timestamps are stamped on msg after the client bytes
// are cut, so they ride only on the persisted record.
func (b *Broker) broadcast(ctx context.Context, msg *wire.Message, audience []string) []string {
	start := time.Now()

	var sent, skipped, duplicates, errors, yields, highSkips int
	defer func() {
		msg.TBroadcastEnd = time.Now().UnixMilli()
		metrics.ObserveBroadcast(sent, skipped, duplicates, errors, yields, highSkips, time.Since(start))
	}()

	frame, err := wire.Encode(*msg)
	if err != nil {
		errors++
		b.log.Error().Err(err).Msg("broadcast encode failed")
		return nil
	}
	clean := *msg // the pre-mark copy info frames are cut from
	msg.TBroadcastBegin = start.UnixMilli()
	var infoFrame []byte // cut on first info-scoped recipient

	seen := make(map[string]struct{}, len(audience))
	deliveredTo := make([]string, 0, len(audience))
	inBatch := 0

	for _, clientID := range audience {
		if _, dup := seen[clientID]; dup {
			duplicates++
			continue
		}
		seen[clientID] = struct{}{}

		if clientID == msg.SenderID {
			// The sender originated the message; its cursor moves with it.
			deliveredTo = append(deliveredTo, clientID)
			continue
		}

		sockets := b.byUser[clientID]
		if len(sockets) == 0 {
			// Subscribed but not attached here: either offline or served by
			// a peer region.
			skipped++
			continue
		}

		reached := false
		for _, c := range sockets {
			payload := frame
			switch {
			case c.grant.CanRead(msg.Topic):
			case c.grant.InfoOnly(msg.Topic):
				if infoFrame == nil {
					infoFrame, err = wire.Encode(wire.InformationalCopy(clean))
					if err != nil {
						errors++
						continue
					}
				}
				payload = infoFrame
			default:
				skipped++
				continue
			}

			buffered := c.bufferedBytes()
			if buffered > backpressureHigh {
				// A skip is a delivery miss; never retried.
				highSkips++
				continue
			}
			if buffered > backpressureLow {
				runtime.Gosched()
				yields++
			}

			if c.enqueue(payload) {
				sent++
				reached = true
				c.clearStrikes()
			} else {
				errors++
				if c.strike() {
					b.log.Warn().
						Str("socket_id", c.socketID).
						Str("client_id", c.clientID).
						Msg("send buffer saturated, dropping socket")
					b.closeWith(c, wire.CloseInternal, "send buffer saturated")
				}
			}

			inBatch++
			if inBatch >= batchSize {
				inBatch = 0
				runtime.Gosched()
				yields++
			}
		}
		if reached {
			deliveredTo = append(deliveredTo, clientID)
		}
	}
	return deliveredTo
}

// announcePresence broadcasts a presence state change for (c, topic) to the
// topic's current subscribers. The announcing client itself receives an
// enriched copy carrying the full subscriber list; everyone else gets the
// base packet. No high-watermark skipping here: presence is small and rare.
func (b *Broker) announcePresence(ctx context.Context, c *client, topic string, status wire.PresenceStatus) {
	subscribers, err := b.subs.Subscribers(ctx, topic)
	if err != nil {
		b.log.Error().Str("topic", topic).Err(err).Msg("presence: subscriber lookup failed")
		return
	}

	base := wire.NewPresence(c.clientID, topic, status)
	baseFrame, err := wire.Encode(base)
	if err != nil {
		b.log.Error().Err(err).Msg("presence encode failed")
		return
	}

	enriched := base
	enriched.Subscribers = subscribers
	enrichedFrame, err := wire.Encode(enriched)
	if err != nil {
		enrichedFrame = baseFrame
	}
	c.enqueue(enrichedFrame)

	delivered := map[string]struct{}{c.clientID: {}}
	inBatch := 0
	for _, clientID := range subscribers {
		if _, dup := delivered[clientID]; dup {
			continue
		}
		delivered[clientID] = struct{}{}

		for _, peer := range b.byUser[clientID] {
			if peer.bufferedBytes() > backpressureLow {
				runtime.Gosched()
			}
			peer.enqueue(baseFrame)
			inBatch++
			if inBatch >= batchSize {
				inBatch = 0
				runtime.Gosched()
			}
		}
	}
}
