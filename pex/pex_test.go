package pex

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	a := []byte("123456abcdef")
	f := []byte{1, 0x12}
	peers, err := ParseCompact(a, f)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "49.50.51.52:13622", peers[0].String())
	assert.Equal(t, byte(0x12), peers[1].Flags)

	a4, f4 := FormatCompact(peers)
	assert.Equal(t, a, a4)
	assert.Equal(t, f, f4)
}

func TestParseNoFlags(t *testing.T) {
	peers, err := ParseCompact([]byte("123456"), nil)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, byte(0), peers[0].Flags)
}

func TestParseErrors(t *testing.T) {
	_, err := ParseCompact([]byte("1234567"), nil)
	assert.ErrorIs(t, err, ErrCompactLength)

	_, err = ParseCompact([]byte("123456abcdef"), []byte{1})
	assert.ErrorIs(t, err, ErrFlagsLength)
}

func TestFormatSkipsIPv6(t *testing.T) {
	data, flags := FormatCompact([]Peer{
		{IP: net.ParseIP("2001:db8::1"), Port: 1},
		{IP: net.ParseIP("10.0.0.1"), Port: 0x1234},
	})
	assert.Equal(t, []byte{10, 0, 0, 1, 0x12, 0x34}, data)
	assert.Equal(t, []byte{0}, flags)
}

func makePeer(i int) Peer {
	return Peer{IP: net.IPv4(10, 0, byte(i>>8), byte(i)), Port: 6881}
}

func TestSample(t *testing.T) {
	var peers []Peer
	for i := 0; i < 100; i++ {
		peers = append(peers, makePeer(i))
	}
	s := Sample(peers, 10)
	require.Len(t, s, 10)
	for _, p := range s {
		assert.True(t, Find(p, peers) >= 0)
	}
	assert.Len(t, Sample(peers[:3], 10), 3)
	assert.Empty(t, Sample(peers, 0))
}

func TestState(t *testing.T) {
	var state State
	for i := 0; i < 120; i++ {
		state.Add(makePeer(i))
	}
	state.Add(makePeer(3))

	added, dropped := state.Next()
	assert.Len(t, added, MaxPerMessage)
	assert.Empty(t, dropped)
	added, _ = state.Next()
	assert.Len(t, added, MaxPerMessage)
	added, _ = state.Next()
	assert.Len(t, added, 20)
	added, dropped = state.Next()
	assert.Empty(t, added)
	assert.Empty(t, dropped)

	state.Del(makePeer(3))
	state.Add(makePeer(500))
	state.Del(makePeer(500))
	added, dropped = state.Next()
	assert.Empty(t, added)
	require.Len(t, dropped, 1)
	assert.True(t, dropped[0].Equal(makePeer(3)))
	assert.False(t, state.Known(makePeer(3)))

	state.Del(makePeer(4))
	state.Add(makePeer(4))
	added, dropped = state.Next()
	assert.Empty(t, added, fmt.Sprint(added))
	assert.Empty(t, dropped)
	assert.True(t, state.Known(makePeer(4)))
}
