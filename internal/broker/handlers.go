package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/erebus-sh/erebus/internal/buffer"
	"github.com/erebus-sh/erebus/internal/key"
	"github.com/erebus-sh/erebus/internal/metrics"
	"github.com/erebus-sh/erebus/internal/usage"
	"github.com/erebus-sh/erebus/internal/wire"
)

// ProtocolVersion is the wire protocol generation this broker speaks.
const ProtocolVersion = "1"

// handleFrame dispatches one decoded client frame. Runs on the actor
// goroutine; tIngress was stamped by the read pump before the hop.
func (b *Broker) handleFrame(ctx context.Context, c *client, frame []byte, tIngress int64) {
	packetType, err := wire.DecodeEnvelope(frame)
	if err != nil {
		we := wire.AsWireError(err)
		metrics.PacketsRejected.WithLabelValues(string(we.Code)).Inc()
		b.closeWith(c, we.CloseCode(), we.Message)
		return
	}
	metrics.PacketsReceived.WithLabelValues(string(packetType)).Inc()

	if packetType != wire.PacketConnect && !c.connected() {
		b.closeWith(c, wire.CloseUnauthorized, "connect first")
		return
	}

	switch packetType {
	case wire.PacketConnect:
		b.handleConnect(ctx, c, frame)
	case wire.PacketSubscribe:
		b.handleSubscribe(ctx, c, frame)
	case wire.PacketUnsubscribe:
		b.handleUnsubscribe(ctx, c, frame)
	case wire.PacketPublish:
		b.handlePublish(ctx, c, frame, tIngress)
	case wire.PacketPresence:
		// Presence is server-generated; client-sent presence is ignored.
	}
}

func (b *Broker) handleConnect(ctx context.Context, c *client, frame []byte) {
	var p wire.ConnectPacket
	if err := wire.DecodeAs(frame, &p); err != nil {
		b.closeWith(c, wire.CloseBadRequest, wire.AsWireError(err).Message)
		return
	}
	if err := wire.ValidateConnect(&p); err != nil {
		b.closeWith(c, wire.CloseBadRequest, wire.AsWireError(err).Message)
		return
	}
	if p.Version != "" && p.Version != ProtocolVersion {
		b.closeWith(c, wire.CloseVersionMismatch, "unsupported protocol version "+p.Version)
		return
	}

	grant, err := b.verifier.Verify(p.GrantJWT)
	if err != nil {
		b.closeWith(c, wire.CloseBadRequest, wire.AsWireError(err).Message)
		return
	}
	if grant.Project != b.key.Project || grant.Channel != b.key.Resource {
		b.closeWith(c, wire.CloseBadRequest, "grant does not match this channel")
		return
	}
	if c.connected() {
		// The handshake happens once; repeat connects are protocol errors.
		b.closeWith(c, wire.CloseBadRequest, "already connected")
		return
	}

	c.grant = grant
	c.clientID = grant.UserID
	b.byUser[c.clientID] = append(b.byUser[c.clientID], c)

	b.usage.Submit(grant.WebhookURL, usage.EventConnect, usage.EventData{
		ProjectID: grant.Project,
		KeyID:     grant.KeyID,
	})
	b.log.Info().Str("client", c.clientID).Msg("client connected")
}

func (b *Broker) handleSubscribe(ctx context.Context, c *client, frame []byte) {
	var p wire.SubscribePacket
	if err := wire.DecodeAs(frame, &p); err != nil {
		b.ackError(c, wire.AckPathSubscribe, p.Topic, p.ClientMsgID, err)
		return
	}
	if err := wire.ValidateTopic(p.Topic); err != nil {
		b.ackError(c, wire.AckPathSubscribe, p.Topic, p.ClientMsgID, err)
		return
	}
	if !c.grant.Covers(p.Topic) {
		b.ackError(c, wire.AckPathSubscribe, p.Topic, p.ClientMsgID,
			wire.Errorf(wire.CodeForbidden, "grant does not cover topic %q", p.Topic))
		return
	}

	if _, err := b.subs.Subscribe(ctx, p.Topic, c.clientID); err != nil {
		b.ackError(c, wire.AckPathSubscribe, p.Topic, p.ClientMsgID, err)
		return
	}

	// The subscribe ACK is unconditional: idempotent re-subscribes ack the
	// same way as first-time ones.
	b.ack(c, wire.NewAck(p.ClientMsgID, wire.AckResult{
		Path:   wire.AckPathSubscribe,
		Topic:  p.Topic,
		Result: wire.AckOutcome{OK: true, Status: "subscribed"},
	}))

	b.catchUp(ctx, c, p.Topic)

	b.usage.Submit(c.grant.WebhookURL, usage.EventSubscribe, usage.EventData{
		ProjectID: c.grant.Project,
		KeyID:     c.grant.KeyID,
	})
	b.announcePresence(ctx, c, p.Topic, wire.PresenceOnline)
}

// catchUp streams the messages a client missed since its last-seen cursor,
// then closes the window by advancing the cursor to the highest delivered.
func (b *Broker) catchUp(ctx context.Context, c *client, topic string) {
	lastSeen, err := b.store.GetLastSeen(ctx, topic, c.clientID)
	if err != nil {
		b.log.Error().Str("topic", topic).Str("client", c.clientID).Err(err).Msg("catch-up cursor read failed")
		return
	}
	missed, err := b.store.GetAfter(ctx, topic, lastSeen, buffer.MaxFetch)
	if err != nil {
		b.log.Error().Str("topic", topic).Str("client", c.clientID).Err(err).Msg("catch-up read failed")
		return
	}
	if len(missed) == 0 {
		return
	}

	highest := lastSeen
	for _, msg := range missed {
		if c.grant.InfoOnly(topic) {
			msg = wire.InformationalCopy(msg)
		} else if !c.grant.CanRead(topic) {
			continue
		}
		data, err := wire.Encode(msg)
		if err != nil {
			continue
		}
		if !c.enqueue(data) {
			// Send queue is full; stop so the cursor stays behind the first
			// miss and the next subscribe re-serves from there.
			break
		}
		highest = msg.Seq
	}
	if highest == lastSeen {
		return
	}
	clientID := c.clientID
	b.tasks.Submit(func() {
		if err := b.store.UpdateLastSeen(context.Background(), topic, []string{clientID}, highest); err != nil {
			b.log.Error().Str("topic", topic).Err(err).Msg("catch-up cursor update failed")
		}
	})
}

func (b *Broker) handleUnsubscribe(ctx context.Context, c *client, frame []byte) {
	var p wire.UnsubscribePacket
	if err := wire.DecodeAs(frame, &p); err != nil {
		b.ackError(c, wire.AckPathUnsubscribe, p.Topic, p.ClientMsgID, err)
		return
	}
	if err := wire.ValidateTopic(p.Topic); err != nil {
		b.ackError(c, wire.AckPathUnsubscribe, p.Topic, p.ClientMsgID, err)
		return
	}

	if err := b.subs.Unsubscribe(ctx, p.Topic, c.clientID); err != nil {
		b.ackError(c, wire.AckPathUnsubscribe, p.Topic, p.ClientMsgID, err)
		return
	}

	b.ack(c, wire.NewAck(p.ClientMsgID, wire.AckResult{
		Path:   wire.AckPathUnsubscribe,
		Topic:  p.Topic,
		Result: wire.AckOutcome{OK: true, Status: "unsubscribed"},
	}))
	b.announcePresence(ctx, c, p.Topic, wire.PresenceOffline)
}

func (b *Broker) handlePublish(ctx context.Context, c *client, frame []byte, tIngress int64) {
	var p wire.PublishPacket
	if err := wire.DecodeAs(frame, &p); err != nil {
		b.publishError(c, &p, err)
		return
	}
	if err := wire.ValidatePublish(&p); err != nil {
		b.publishError(c, &p, err)
		return
	}
	if b.paused {
		b.publishError(c, &p, wire.Errorf(wire.CodeForbidden, "project is paused"))
		return
	}
	if !c.grant.CanWrite(p.Topic) {
		b.publishError(c, &p, wire.Errorf(wire.CodeForbidden, "grant cannot write to topic %q", p.Topic))
		return
	}
	subscribed, err := b.subs.IsSubscribed(ctx, p.Topic, c.clientID)
	if err != nil {
		b.publishError(c, &p, err)
		return
	}
	if !subscribed {
		b.publishError(c, &p, wire.Errorf(wire.CodeForbidden, "publish requires an active subscription to %q", p.Topic))
		return
	}
	tEnqueued := time.Now().UnixMilli()

	// Sequence assignment, peer discovery, and audience resolution are
	// independent reads; overlap them.
	var (
		wg       sync.WaitGroup
		seq      string
		seqErr   error
		peers    []key.DistributedKey
		peersErr error
		audience []string
		audErr   error
	)
	wg.Add(3)
	go func() { defer wg.Done(); seq, seqErr = b.seq.Next(ctx, p.Topic) }()
	go func() { defer wg.Done(); peers, peersErr = b.shards.RemotePeers(ctx) }()
	go func() { defer wg.Done(); audience, audErr = b.subs.Audience(ctx, p.Topic) }()
	wg.Wait()

	if seqErr != nil {
		b.publishError(c, &p, seqErr)
		return
	}
	if audErr != nil {
		b.publishError(c, &p, audErr)
		return
	}
	if peersErr != nil {
		// Local delivery still proceeds; remote regions catch up via their
		// own buffers once the peer table recovers.
		b.log.Error().Err(peersErr).Msg("peer lookup failed, delivering locally only")
		peers = nil
	}

	msg := wire.Message{
		PacketType:  wire.PacketPublish,
		ID:          uuid.NewString(),
		Seq:         seq,
		Topic:       p.Topic,
		SenderID:    c.clientID,
		SentAt:      time.Now().UnixMilli(),
		Payload:     p.Payload,
		ClientMsgID: p.ClientMsgID,
		TIngress:    tIngress,
		TEnqueued:   tEnqueued,
	}

	delivered := b.broadcast(ctx, &msg, audience)

	for _, peer := range peers {
		if err := b.peers.Forward(peer, msg); err != nil {
			metrics.PeerPublishErrors.Inc()
			b.log.Error().Str("peer", peer.String()).Err(err).Msg("peer forward failed")
			continue
		}
		metrics.PeerPublishes.Inc()
	}

	b.scheduleFanoutTasks(msg, delivered, true)

	if p.Ack {
		b.ack(c, wire.NewAck(p.ClientMsgID, wire.AckResult{
			Path:             wire.AckPathPublish,
			Seq:              msg.Seq,
			ServerAssignedID: msg.ID,
			Topic:            p.Topic,
			Result:           wire.AckOutcome{OK: true, TIngress: tIngress},
		}))
	}
}

// scheduleFanoutTasks defers persistence, last-seen advancement, and usage
// metering off the actor goroutine. delivered holds only the clients the
// broadcast reached: anyone missed keeps their old cursor so catch-up can
// re-serve the message. localOrigin gates usage: only the accepting region
// meters the message.
func (b *Broker) scheduleFanoutTasks(msg wire.Message, delivered []string, localOrigin bool) {
	msgCopy := msg
	recipients := append([]string(nil), delivered...)
	var webhook, keyID string
	if localOrigin {
		if sockets := b.byUser[msg.SenderID]; len(sockets) > 0 && sockets[0].grant != nil {
			webhook = sockets[0].grant.WebhookURL
			keyID = sockets[0].grant.KeyID
		}
	}
	project := b.key.Project
	b.tasks.Submit(func() {
		ctx := context.Background()
		// By the time this task runs the frames are with the socket writers;
		// the persisted record closes its pipeline with that hand-off time.
		msgCopy.TWSWriteEnd = time.Now().UnixMilli()
		if err := b.store.Buffer(ctx, msgCopy); err != nil {
			b.log.Error().Str("topic", msgCopy.Topic).Err(err).Msg("buffer persistence failed")
		}
		if len(recipients) > 0 {
			if err := b.store.UpdateLastSeen(ctx, msgCopy.Topic, recipients, msgCopy.Seq); err != nil {
				b.log.Error().Str("topic", msgCopy.Topic).Err(err).Msg("last-seen update failed")
			}
		}
		if localOrigin {
			b.usage.Submit(webhook, usage.EventMessage, usage.EventData{
				ProjectID:     project,
				KeyID:         keyID,
				PayloadLength: len(msgCopy.Payload),
			})
		}
	})
}

// ack serializes and enqueues an ACK to one client.
func (b *Broker) ack(c *client, packet wire.AckPacket) {
	data, err := wire.Encode(packet)
	if err != nil {
		b.log.Error().Err(err).Msg("ack encode failed")
		return
	}
	c.enqueue(data)
}

// ackError answers a correlated request with a typed error ACK.
func (b *Broker) ackError(c *client, path wire.AckPath, topic, clientMsgID string, err error) {
	we := wire.AsWireError(err)
	metrics.PacketsRejected.WithLabelValues(string(we.Code)).Inc()
	b.ack(c, wire.NewAck(clientMsgID, wire.AckResult{
		Path:   path,
		Topic:  topic,
		Result: wire.AckOutcome{OK: false, Code: we.Code, Message: we.Message},
	}))
}

// publishError reports a failed publish: a typed error ACK when the request
// asked for one, otherwise the failure is logged and dropped.
func (b *Broker) publishError(c *client, p *wire.PublishPacket, err error) {
	we := wire.AsWireError(err)
	metrics.PacketsRejected.WithLabelValues(string(we.Code)).Inc()
	if !p.Ack {
		b.log.Debug().Str("topic", p.Topic).Str("code", string(we.Code)).Msg("publish rejected without ack")
		return
	}
	b.ack(c, wire.NewAck(p.ClientMsgID, wire.AckResult{
		Path:   wire.AckPathPublish,
		Topic:  p.Topic,
		Result: wire.AckOutcome{OK: false, Code: we.Code, Message: we.Message},
	}))
}
