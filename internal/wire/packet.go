// Package wire defines the packet envelopes exchanged over client sockets
// and between brokers, plus the error and close-code vocabulary that governs
// them. Envelopes are JSON objects discriminated by a single "packetType"
// field; raw text "ping"/"pong" frames travel outside the envelope.
package wire

// PacketType discriminates envelope payloads.
type PacketType string

const (
	PacketConnect     PacketType = "connect"
	PacketSubscribe   PacketType = "subscribe"
	PacketUnsubscribe PacketType = "unsubscribe"
	PacketPublish     PacketType = "publish"
	PacketAck         PacketType = "ack"
	PacketPresence    PacketType = "presence"
	PacketUsage       PacketType = "usage"
)

// RawPing and RawPong are the out-of-envelope keepalive strings.
const (
	RawPing = "ping"
	RawPong = "pong"
)

// Envelope is the outer frame: only the discriminator is decoded up front;
// the full frame is re-decoded per type with the structs below.
type Envelope struct {
	PacketType PacketType `json:"packetType"`
}

// ConnectPacket carries the grant handshake. Sent once, first, by clients.
type ConnectPacket struct {
	GrantJWT string `json:"grantJWT"`
	Version  string `json:"version,omitempty"`
}

// SubscribePacket subscribes the sender to a topic.
type SubscribePacket struct {
	Topic       string `json:"topic"`
	RequestID   string `json:"requestId,omitempty"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// UnsubscribePacket removes the sender from a topic.
type UnsubscribePacket struct {
	Topic       string `json:"topic"`
	RequestID   string `json:"requestId,omitempty"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// PublishPacket is a client publish request.
type PublishPacket struct {
	Topic       string `json:"topic"`
	Payload     string `json:"payload"`
	Ack         bool   `json:"ack"`
	ClientMsgID string `json:"clientMsgId"`
	RequestID   string `json:"requestId,omitempty"`
}

// Message is the full server-side message body. It is what subscribers
// receive (packetType "publish", server→client), what the buffer persists,
// and what peer brokers relay verbatim so seq and id survive region hops.
//
// Seq is assigned by the region that accepted the publish and is strictly
// monotonic per (project, channel, topic) within that region.
type Message struct {
	PacketType PacketType `json:"packetType"`

	ID       string `json:"id"`
	Seq      string `json:"seq"`
	Topic    string `json:"topic"`
	SenderID string `json:"senderId"`
	SentAt   int64  `json:"sentAt"`
	Payload  string `json:"payload"`

	ClientMsgID     string `json:"clientMsgId,omitempty"`
	ClientPublishTs int64  `json:"clientPublishTs,omitempty"`

	// Pipeline timestamps, unix milliseconds. The broadcast-side marks are
	// filled in after the client bytes are serialized; they ride only on
	// the persisted record.
	TIngress        int64 `json:"t_ingress,omitempty"`
	TEnqueued       int64 `json:"t_enqueued,omitempty"`
	TBroadcastBegin int64 `json:"t_broadcast_begin,omitempty"`
	TWSWriteEnd     int64 `json:"t_ws_write_end,omitempty"`
	TBroadcastEnd   int64 `json:"t_broadcast_end,omitempty"`
}

// PresenceStatus is the state change a presence packet announces.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresencePacket is server-generated; client-sent presence is ignored.
// Subscribers is only populated on the enriched copy the subscribing
// client itself receives.
type PresencePacket struct {
	PacketType  PacketType     `json:"packetType"`
	ClientID    string         `json:"clientId"`
	Topic       string         `json:"topic"`
	Status      PresenceStatus `json:"status"`
	Subscribers []string       `json:"subscribers,omitempty"`
}

// NewPresence builds the base presence packet.
func NewPresence(clientID, topic string, status PresenceStatus) PresencePacket {
	return PresencePacket{
		PacketType: PacketPresence,
		ClientID:   clientID,
		Topic:      topic,
		Status:     status,
	}
}

// AckPath says which request an AckResult answers.
type AckPath string

const (
	AckPathSubscribe   AckPath = "subscribe"
	AckPathUnsubscribe AckPath = "unsubscribe"
	AckPathPublish     AckPath = "publish"
)

// AckOutcome is the ok/error union inside an AckResult.
type AckOutcome struct {
	OK bool `json:"ok"`

	// Success fields.
	Status   string `json:"status,omitempty"`    // subscribe/unsubscribe paths
	TIngress int64  `json:"t_ingress,omitempty"` // publish path

	// Error fields.
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// AckResult correlates a server response to a prior client request.
type AckResult struct {
	Path             AckPath    `json:"path"`
	Seq              string     `json:"seq,omitempty"`
	ServerAssignedID string     `json:"serverAssignedId,omitempty"`
	Topic            string     `json:"topic"`
	Result           AckOutcome `json:"result"`
}

// AckPacket is the S→C ack envelope. ClientMsgID always equals the
// clientMsgId of the triggering request.
type AckPacket struct {
	PacketType  PacketType `json:"packetType"`
	ClientMsgID string     `json:"clientMsgId"`
	Result      AckResult  `json:"result"`
}

// NewAck builds an ack envelope for the given request correlation id.
func NewAck(clientMsgID string, result AckResult) AckPacket {
	return AckPacket{PacketType: PacketAck, ClientMsgID: clientMsgID, Result: result}
}
