// Package auth implements grant parsing and verification. A grant is an
// ES256-signed JWT bound to one (project, channel, user) and carrying the
// per-topic scopes the connection may exercise. Grants are immutable after
// the handshake; the broker attaches the parsed grant to the socket and
// never re-parses it.
package auth

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/erebus-sh/erebus/internal/wire"
)

// Scope is the per-topic access level.
type Scope string

const (
	ScopeRead      Scope = "read"
	ScopeWrite     Scope = "write"
	ScopeReadWrite Scope = "readwrite"
	ScopeInfo      Scope = "info"
)

// TopicWildcard matches any topic within the channel.
const TopicWildcard = "*"

// TopicGrant is one scoped topic entry. Topic may be the wildcard.
type TopicGrant struct {
	Topic string `json:"topic"`
	Scope Scope  `json:"scope"`
}

// Grant is the verified token payload. UserID doubles as the clientId the
// broker uses for subscriptions, presence, and last-seen cursors.
type Grant struct {
	Project    string       `json:"project"`
	Channel    string       `json:"channel"`
	UserID     string       `json:"userId"`
	KeyID      string       `json:"keyId"`
	Topics     []TopicGrant `json:"topics"`
	WebhookURL string       `json:"webhookUrl,omitempty"`

	jwt.RegisteredClaims
}

// CanRead reports whether the grant may receive payloads on topic.
func (g *Grant) CanRead(topic string) bool {
	return g.hasScope(topic, ScopeRead, ScopeReadWrite)
}

// CanWrite reports whether the grant may publish to topic.
func (g *Grant) CanWrite(topic string) bool {
	return g.hasScope(topic, ScopeWrite, ScopeReadWrite)
}

// InfoOnly reports whether the grant's best match for topic is the info
// scope: it receives the fixed informational body instead of payloads.
func (g *Grant) InfoOnly(topic string) bool {
	return !g.CanRead(topic) && g.hasScope(topic, ScopeInfo)
}

// Covers reports whether any scope at all mentions topic. Subscribing only
// requires coverage; the delivery scope is applied at broadcast time.
func (g *Grant) Covers(topic string) bool {
	for _, t := range g.Topics {
		if t.Topic == topic || t.Topic == TopicWildcard {
			return true
		}
	}
	return false
}

func (g *Grant) hasScope(topic string, scopes ...Scope) bool {
	for _, t := range g.Topics {
		if t.Topic != topic && t.Topic != TopicWildcard {
			continue
		}
		for _, s := range scopes {
			if t.Scope == s {
				return true
			}
		}
	}
	return false
}

// Verifier validates grant JWTs against the fabric's public key.
type Verifier struct {
	pub *ecdsa.PublicKey
}

// NewVerifier parses a PEM-encoded ECDSA public key (PKIX).
func NewVerifier(pemKey []byte) (*Verifier, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, fmt.Errorf("auth: no PEM block in grant public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse grant public key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: grant public key is %T, want *ecdsa.PublicKey", parsed)
	}
	return &Verifier{pub: pub}, nil
}

// Verify parses and validates a grant token. Expired, malformed, or
// mis-signed tokens come back as UNAUTHORIZED wire errors.
func (v *Verifier) Verify(token string) (*Grant, error) {
	grant := &Grant{}
	parsed, err := jwt.ParseWithClaims(token, grant, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.pub, nil
	})
	if err != nil {
		return nil, wire.Errorf(wire.CodeUnauthorized, "invalid grant: %v", err)
	}
	if !parsed.Valid {
		return nil, wire.Errorf(wire.CodeUnauthorized, "invalid grant")
	}
	if grant.Channel == "" {
		return nil, wire.Errorf(wire.CodeUnauthorized, "invalid grant: empty channel")
	}
	if grant.Project == "" || grant.UserID == "" {
		return nil, wire.Errorf(wire.CodeUnauthorized, "invalid grant: missing project or userId")
	}
	if grant.ExpiresAt == nil || grant.IssuedAt == nil || !grant.ExpiresAt.After(grant.IssuedAt.Time) {
		return nil, wire.Errorf(wire.CodeUnauthorized, "invalid grant: expiresAt must be after issuedAt")
	}
	return grant, nil
}

// GrantHeader is the fallback transport for clients that can set headers on
// the upgrade request. Browsers cannot, so the query parameter is primary.
const GrantHeader = "X-Erebus-Grant"

// TokenFromRequest extracts the raw grant token from an upgrade or HTTP
// request: query ?grant= first, then the X-Erebus-Grant header.
func TokenFromRequest(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("grant"); token != "" {
		return token, nil
	}
	if token := r.Header.Get(GrantHeader); token != "" {
		return token, nil
	}
	return "", wire.Errorf(wire.CodeUnauthorized, "missing grant")
}
