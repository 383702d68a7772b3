package broker

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/erebus-sh/erebus/internal/key"
	"github.com/erebus-sh/erebus/internal/wire"
)

// NATS subject layout. Peer inboxes are per broker; shard refreshes are per
// logical channel; admin commands are fabric-wide.
const (
	peerSubjectPrefix  = "erebus.peer"
	shardSubjectPrefix = "erebus.shards"
	adminSubject       = "erebus.admin"
)

// subjectToken flattens a key segment for use inside a NATS subject.
func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

func peerSubject(k key.DistributedKey) string {
	return fmt.Sprintf("%s.%s.%s.%s", peerSubjectPrefix, subjectToken(k.Project), subjectToken(k.Resource), subjectToken(k.Region))
}

func shardSubject(k key.DistributedKey) string {
	return fmt.Sprintf("%s.%s.%s", shardSubjectPrefix, subjectToken(k.Project), subjectToken(k.Resource))
}

// AdminCommand is the fabric-wide pause/resume instruction the gateway
// publishes on behalf of usage enforcement.
type AdminCommand struct {
	Command   string `json:"command"` // pause_project_id | unpause_project_id
	ProjectID string `json:"projectId"`
}

// PeerLink is the cross-region transport between brokers. Errors on the
// publish side are tolerated by callers: the fabric logs and drops rather
// than blocking a local broadcast on a remote region.
type PeerLink interface {
	// Forward relays a message, seq and id intact, to a peer broker's inbox.
	Forward(target key.DistributedKey, msg wire.Message) error
	// SubscribeInbox binds the handler to this broker's own inbox.
	SubscribeInbox(self key.DistributedKey, deliver func(wire.Message)) error
	// PublishShardUpdate tells every broker of a logical channel to refresh
	// its peer table to the given shard list.
	PublishShardUpdate(channel key.DistributedKey, shards []key.DistributedKey) error
	// SubscribeShardUpdates binds the handler to a channel's refresh subject.
	SubscribeShardUpdates(channel key.DistributedKey, update func([]key.DistributedKey)) error
	// PublishAdmin broadcasts an admin command to every host.
	PublishAdmin(cmd AdminCommand) error
	// SubscribeAdmin binds the handler to the admin subject.
	SubscribeAdmin(handle func(AdminCommand)) error
	// Connected reports whether the transport currently has a live link.
	Connected() bool
	Close()
}

// NATSLink is the production PeerLink over a shared NATS connection.
type NATSLink struct {
	conn *nats.Conn
	log  zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// ConnectNATS dials NATS with reconnect handling and wraps it as a PeerLink.
func ConnectNATS(url string, log zerolog.Logger) (*NATSLink, error) {
	l := &NATSLink{log: log.With().Str("component", "peer").Logger()}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			l.log.Error().Err(err).Msg("nats error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("peer: connect nats: %w", err)
	}
	l.conn = conn
	return l, nil
}

func (l *NATSLink) Forward(target key.DistributedKey, msg wire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("peer: marshal message: %w", err)
	}
	if err := l.conn.Publish(peerSubject(target), data); err != nil {
		return fmt.Errorf("peer: forward to %s: %w", target.String(), err)
	}
	return nil
}

func (l *NATSLink) SubscribeInbox(self key.DistributedKey, deliver func(wire.Message)) error {
	return l.subscribe(peerSubject(self), func(data []byte) {
		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.log.Warn().Err(err).Msg("dropping malformed peer message")
			return
		}
		deliver(msg)
	})
}

func (l *NATSLink) PublishShardUpdate(channel key.DistributedKey, shards []key.DistributedKey) error {
	names := make([]string, len(shards))
	for i, s := range shards {
		names[i] = s.String()
	}
	data, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("peer: marshal shard update: %w", err)
	}
	if err := l.conn.Publish(shardSubject(channel), data); err != nil {
		return fmt.Errorf("peer: publish shard update: %w", err)
	}
	return nil
}

func (l *NATSLink) SubscribeShardUpdates(channel key.DistributedKey, update func([]key.DistributedKey)) error {
	return l.subscribe(shardSubject(channel), func(data []byte) {
		var names []string
		if err := json.Unmarshal(data, &names); err != nil {
			l.log.Warn().Err(err).Msg("dropping malformed shard update")
			return
		}
		shards := make([]key.DistributedKey, 0, len(names))
		for _, name := range names {
			k, err := key.Parse(name)
			if err != nil {
				l.log.Warn().Str("entry", name).Err(err).Msg("skipping malformed shard entry")
				continue
			}
			shards = append(shards, k)
		}
		update(shards)
	})
}

func (l *NATSLink) PublishAdmin(cmd AdminCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("peer: marshal admin command: %w", err)
	}
	if err := l.conn.Publish(adminSubject, data); err != nil {
		return fmt.Errorf("peer: publish admin command: %w", err)
	}
	return nil
}

func (l *NATSLink) SubscribeAdmin(handle func(AdminCommand)) error {
	return l.subscribe(adminSubject, func(data []byte) {
		var cmd AdminCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			l.log.Warn().Err(err).Msg("dropping malformed admin command")
			return
		}
		handle(cmd)
	})
}

func (l *NATSLink) Connected() bool {
	return l.conn.IsConnected()
}

func (l *NATSLink) subscribe(subject string, handler func([]byte)) error {
	sub, err := l.conn.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return fmt.Errorf("peer: subscribe %s: %w", subject, err)
	}
	l.mu.Lock()
	l.subs = append(l.subs, sub)
	l.mu.Unlock()
	return nil
}

// Close drains subscriptions and the connection.
func (l *NATSLink) Close() {
	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	l.conn.Drain()
}
