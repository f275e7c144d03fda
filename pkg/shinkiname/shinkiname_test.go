package shinkiname

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValid(t *testing.T) {
	n, err := Parse("@@alice.shinkai/main_profile/device/phone-1")
	require.NoError(t, err)
	assert.Equal(t, "@@alice.shinkai", n.NodeName())
	assert.Equal(t, "main_profile", n.Profile())
	assert.Equal(t, "device", n.Kind())
	assert.Equal(t, "phone-1", n.SubID())
}

func TestParseNodeOnly(t *testing.T) {
	n, err := Parse("@@bob.shinkai")
	require.NoError(t, err)
	assert.Equal(t, "@@bob.shinkai", n.NodeName())
	assert.Equal(t, "", n.Profile())
}

func TestParseRejectsMissingPrefix(t *testing.T) {
	_, err := Parse("alice.shinkai")
	require.Error(t, err)
}

func TestParseRejectsTooManySegments(t *testing.T) {
	_, err := Parse("@@alice.shinkai/a/b/c/d")
	require.Error(t, err)
}

func TestParseRejectsInvalidLabel(t *testing.T) {
	_, err := Parse("@@alice.shin kai")
	require.Error(t, err)
}

func TestEqualityCaseSensitive(t *testing.T) {
	a, _ := Parse("@@Alice.shinkai")
	b, _ := Parse("@@alice.shinkai")
	assert.False(t, a.Equal(b))
}

func TestExtractNode(t *testing.T) {
	n, _ := Parse("@@alice.shinkai/profile1")
	node := n.ExtractNode()
	assert.Equal(t, "@@alice.shinkai", node.String())
	assert.Equal(t, "", node.Profile())
}
