package hash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundtrip(t *testing.T) {
	for i := 0; i < 100; i++ {
		h := Random("")
		h2, err := Parse(h.String())
		require.NoError(t, err)
		require.Equal(t, h, h2)
	}
}

func TestParse(t *testing.T) {
	h1, err := Parse("WRN7ZT6NKMA6SSXYKAFRUGDDIFJUNKI2")
	require.NoError(t, err)
	h2, err := Parse("b45bfccfcd5301e94af8500b1a1863415346a91a")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestParseFail(t *testing.T) {
	for _, s := range []string{"toto", "b45bfccfcd5301e94af8500b1a1863415346a9"} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrParse, s)
	}
}

func TestFromBytes(t *testing.T) {
	_, err := FromBytes(make([]byte, 19))
	assert.ErrorIs(t, err, ErrParse)
	h, err := FromBytes([]byte("abcdefghijklmnopqrst"))
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklmnopqrst", string(h[:]))
}

func TestRandomPrefix(t *testing.T) {
	h := Random("-SC0100-")
	assert.True(t, strings.HasPrefix(string(h[:]), "-SC0100-"))
	assert.NotEqual(t, h, Random("-SC0100-"))
}
