package wire

import (
	"encoding/json"
	"fmt"
)

// DecodeEnvelope reads the packetType discriminator from a client frame.
// The caller then decodes the concrete packet with DecodeAs.
func DecodeEnvelope(data []byte) (PacketType, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", Errorf(CodeInvalid, "malformed packet: %v", err)
	}
	switch env.PacketType {
	case PacketConnect, PacketSubscribe, PacketUnsubscribe, PacketPublish, PacketPresence:
		return env.PacketType, nil
	case "":
		return "", Errorf(CodeInvalid, "missing packetType")
	default:
		return "", Errorf(CodeInvalid, "unknown packetType %q", env.PacketType)
	}
}

// DecodeAs decodes the full frame into the concrete packet struct for the
// already-established type.
func DecodeAs(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return Errorf(CodeInvalid, "malformed packet body: %v", err)
	}
	return nil
}

// Encode serializes any outbound packet. Serialization of our own envelope
// types does not fail in practice; the error return exists for the broadcast
// path, which must surface it as a delivery error rather than panic.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %T: %w", v, err)
	}
	return data, nil
}

// ValidateConnect checks the handshake packet shape.
func ValidateConnect(p *ConnectPacket) error {
	if p.GrantJWT == "" {
		return Errorf(CodeInvalid, "connect: missing grantJWT")
	}
	return nil
}

// ValidateSubscribe checks a subscribe/unsubscribe topic.
func ValidateTopic(topic string) error {
	if topic == "" {
		return Errorf(CodeInvalid, "missing topic")
	}
	return nil
}

// ValidatePublish checks a publish request shape.
func ValidatePublish(p *PublishPacket) error {
	if p.Topic == "" {
		return Errorf(CodeInvalid, "publish: missing topic")
	}
	if p.ClientMsgID == "" {
		return Errorf(CodeInvalid, "publish: missing clientMsgId")
	}
	return nil
}

// InformationalBody is the fixed payload delivered to info-scoped grants in
// place of the real message payload.
const InformationalBody = `{"info":"message delivered to informational scope"}`

// InformationalCopy returns a copy of msg with the payload replaced by the
// fixed informational body.
func InformationalCopy(msg Message) Message {
	msg.Payload = InformationalBody
	return msg
}
