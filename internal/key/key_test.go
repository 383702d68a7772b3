package key

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringForms(t *testing.T) {
	logical := ForChannel("proj-1", "lobby")
	assert.Equal(t, "v1:proj-1:channel:lobby", logical.String())
	assert.False(t, logical.IsRegional())

	regional := logical.WithRegion("eu-west")
	assert.Equal(t, "v1:proj-1:channel:lobby:eu-west", regional.String())
	assert.True(t, regional.IsRegional())

	// Stripping the region restores the logical identity.
	assert.Equal(t, logical.String(), regional.WithoutRegion().String())
}

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []string{
		"v1:proj:channel:room",
		"v1:proj:channel:room:us-east",
		"v7:p:channel:r:ap-south",
	} {
		k, err := Parse(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, k.String())
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{
		"",
		"v1:proj:channel",
		"v1:proj:channel:room:region:extra",
		"1:proj:channel:room",
		"vx:proj:channel:room",
		"v1::channel:room",
		"v1:proj:channel:room:",
	} {
		_, err := Parse(s)
		assert.Error(t, err, s)
	}
}
