// Package key implements the canonical broker identity used across the
// fabric. A DistributedKey in its region-less form names a logical channel;
// the region-qualified form names one broker instance serving that channel.
package key

import (
	"fmt"
	"strconv"
	"strings"
)

// CurrentVersion is the serialization version emitted by this build.
const CurrentVersion = 1

// ResourceChannel is the only resource type the broker layer uses today.
const ResourceChannel = "channel"

// DistributedKey is serialized as
//
//	v<version>:<project>:<resourceType>:<resource>[:<region>]
//
// Equality and ordering are defined over the serialized string.
type DistributedKey struct {
	Version      int
	Project      string
	ResourceType string
	Resource     string
	Region       string // empty for the logical (region-less) form
}

// ForChannel builds the logical key for a (project, channel) pair.
func ForChannel(project, channel string) DistributedKey {
	return DistributedKey{
		Version:      CurrentVersion,
		Project:      project,
		ResourceType: ResourceChannel,
		Resource:     channel,
	}
}

// WithRegion returns the region-qualified form of k.
func (k DistributedKey) WithRegion(region string) DistributedKey {
	k.Region = region
	return k
}

// WithoutRegion strips the region qualifier, yielding the logical key.
func (k DistributedKey) WithoutRegion() DistributedKey {
	k.Region = ""
	return k
}

// IsRegional reports whether k names a single broker instance.
func (k DistributedKey) IsRegional() bool {
	return k.Region != ""
}

// String serializes k. The output is the canonical identity: two keys are
// equal iff their strings are equal.
func (k DistributedKey) String() string {
	var b strings.Builder
	b.Grow(len(k.Project) + len(k.ResourceType) + len(k.Resource) + len(k.Region) + 8)
	b.WriteByte('v')
	b.WriteString(strconv.Itoa(k.Version))
	b.WriteByte(':')
	b.WriteString(k.Project)
	b.WriteByte(':')
	b.WriteString(k.ResourceType)
	b.WriteByte(':')
	b.WriteString(k.Resource)
	if k.Region != "" {
		b.WriteByte(':')
		b.WriteString(k.Region)
	}
	return b.String()
}

// Parse decodes a serialized key. It accepts both the logical (4 segment)
// and region-qualified (5 segment) forms.
func Parse(s string) (DistributedKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 && len(parts) != 5 {
		return DistributedKey{}, fmt.Errorf("key: malformed %q: want 4 or 5 segments, got %d", s, len(parts))
	}
	if len(parts[0]) < 2 || parts[0][0] != 'v' {
		return DistributedKey{}, fmt.Errorf("key: malformed version segment %q", parts[0])
	}
	version, err := strconv.Atoi(parts[0][1:])
	if err != nil {
		return DistributedKey{}, fmt.Errorf("key: malformed version segment %q: %w", parts[0], err)
	}
	k := DistributedKey{
		Version:      version,
		Project:      parts[1],
		ResourceType: parts[2],
		Resource:     parts[3],
	}
	if k.Project == "" || k.ResourceType == "" || k.Resource == "" {
		return DistributedKey{}, fmt.Errorf("key: empty segment in %q", s)
	}
	if len(parts) == 5 {
		if parts[4] == "" {
			return DistributedKey{}, fmt.Errorf("key: empty region segment in %q", s)
		}
		k.Region = parts[4]
	}
	return k, nil
}
