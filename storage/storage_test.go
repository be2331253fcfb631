package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jech/swarmcore/alloc"
)

func writeFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	filename := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(filename, data, 0o644))
	return filename, data
}

func TestPieces(t *testing.T) {
	filename, data := writeFile(t, 2500)
	f, err := Open(filename, 1000)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, int64(2500), f.Size())
	assert.Equal(t, 3, f.NumPieces())
	assert.Equal(t, 1000, f.PieceLength(0))
	assert.Equal(t, 1000, f.PieceLength(1))
	assert.Equal(t, 500, f.PieceLength(2))
	assert.Equal(t, 0, f.PieceLength(3))

	bf := f.Bitfield()
	assert.Equal(t, 3, bf.Len())
	assert.True(t, bf.Complete())

	b, err := f.Read(1, 100, 200)
	require.NoError(t, err)
	assert.Equal(t, data[1100:1300], b)

	b, err = f.Read(2, 0, 500)
	require.NoError(t, err)
	assert.Equal(t, data[2000:], b)
}

func TestReadOutOfRange(t *testing.T) {
	filename, _ := writeFile(t, 2500)
	f, err := Open(filename, 1000)
	require.NoError(t, err)
	defer f.Close()

	for _, r := range [][3]uint32{
		{0, 900, 101},
		{2, 0, 501},
		{3, 0, 1},
		{0, 0xFFFFFFFF, 2},
	} {
		_, err := f.Read(r[0], r[1], r[2])
		assert.Equal(t, ErrRange, errors.Cause(err), "%v", r)
	}
}

func TestOpenErrors(t *testing.T) {
	filename, _ := writeFile(t, 0)
	_, err := Open(filename, 1000)
	assert.Error(t, err)

	_, err = Open(t.TempDir(), 1000)
	assert.Error(t, err)

	_, err = Open(filepath.Join(t.TempDir(), "missing"), 1000)
	assert.Error(t, err)

	filename, _ = writeFile(t, 10)
	_, err = Open(filename, 0)
	assert.Error(t, err)
}

func TestReadPiece(t *testing.T) {
	const pieceLength = 256 * 1024
	filename, data := writeFile(t, 2*pieceLength+1000)
	f, err := Open(filename, pieceLength)
	require.NoError(t, err)
	defer f.Close()

	before := alloc.Bytes()
	b, err := f.ReadPiece(1)
	require.NoError(t, err)
	assert.Equal(t, data[pieceLength:2*pieceLength], b)
	c, err := f.ReadPiece(2)
	require.NoError(t, err)
	assert.Equal(t, data[2*pieceLength:], c)
	assert.Greater(t, alloc.Bytes(), before)

	f.Free(b)
	f.Free(c)
	assert.Equal(t, before, alloc.Bytes())

	_, err = f.ReadPiece(3)
	assert.ErrorIs(t, err, ErrRange)
}
