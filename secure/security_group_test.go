package secure

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiloon/w-vproxy/errdefs"
)

func TestHolder(t *testing.T) {
	h := NewSecurityGroupHolder()

	g, err := h.Get(DefaultName)
	require.NoError(t, err)
	assert.True(t, g.Allow(net.ParseIP("10.0.0.1"), 80))
	assert.Empty(t, h.Names())

	_, err = h.Get("office")
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, h.Add("office", false))
	require.NoError(t, h.Add("lab", true))
	assert.Equal(t, []string{"office", "lab"}, h.Names())

	office, err := h.Get("office")
	require.NoError(t, err)
	rule, err := NewRule("r0", "192.168.0.0/16", "0,65535", true)
	require.NoError(t, err)
	require.NoError(t, office.AddRule(rule))

	err = h.Add("office", true)
	assert.True(t, errdefs.IsAlreadyExists(err))
	again, _ := h.Get("office")
	assert.Same(t, office, again)
	assert.False(t, again.DefaultAllow)
	assert.Len(t, again.Rules(), 1)

	assert.True(t, errdefs.IsAlreadyExists(h.Add(DefaultName, false)))

	require.NoError(t, h.Remove("office"))
	assert.True(t, errdefs.IsNotFound(h.Remove("office")))
	assert.Equal(t, []string{"lab"}, h.Names())

	// the reserved name never depends on the registry
	g, err = h.Get(DefaultName)
	require.NoError(t, err)
	assert.True(t, g.DefaultAllow)
}

func TestFirstMatchWins(t *testing.T) {
	g := NewSecurityGroup("sg", true)
	deny, err := NewRule("deny-lan", "10.0.0.0/8", "0,65535", false)
	require.NoError(t, err)
	allow, err := NewRule("allow-host", "10.1.1.1/32", "0,65535", true)
	require.NoError(t, err)
	require.NoError(t, g.AddRule(deny))
	require.NoError(t, g.AddRule(allow))

	assert.False(t, g.Allow(net.ParseIP("10.1.1.1"), 80))
	assert.True(t, g.Allow(net.ParseIP("172.16.0.1"), 80))

	require.NoError(t, g.RemoveRule("deny-lan"))
	assert.True(t, g.Allow(net.ParseIP("10.1.1.1"), 80))
	assert.True(t, errdefs.IsNotFound(g.RemoveRule("deny-lan")))
	assert.True(t, errdefs.IsAlreadyExists(g.AddRule(allow)))
}

func TestPortRange(t *testing.T) {
	g := NewSecurityGroup("sg", false)
	r, err := NewRule("web", "0.0.0.0/0", "80,443", true)
	require.NoError(t, err)
	require.NoError(t, g.AddRule(r))

	assert.True(t, g.Allow(net.ParseIP("1.2.3.4"), 80))
	assert.True(t, g.Allow(net.ParseIP("1.2.3.4"), 443))
	assert.False(t, g.Allow(net.ParseIP("1.2.3.4"), 8080))

	for _, bad := range []string{"", "80", "443,80", "-1,10", "0,65536", "1,2,3", "a,b"} {
		_, _, err := ParsePortRange(bad)
		assert.Error(t, err, bad)
	}
	lo, hi, err := ParsePortRange("0,65535")
	require.NoError(t, err)
	assert.Equal(t, 0, lo)
	assert.Equal(t, 65535, hi)
}

func TestIPv6Rule(t *testing.T) {
	g := NewSecurityGroup("sg", false)
	r, err := NewRule("v6", "fd00::/8", "0,65535", true)
	require.NoError(t, err)
	require.NoError(t, g.AddRule(r))
	assert.True(t, g.Allow(net.ParseIP("fd00::1"), 1))
	assert.False(t, g.Allow(net.ParseIP("10.0.0.1"), 1))

	_, err = NewRule("bad", "not-a-cidr", "0,1", true)
	assert.Error(t, err)
}
