// Package storage serves pieces read from a single local file.
package storage

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/jech/swarmcore/alloc"
	"github.com/jech/swarmcore/bitmap"
)

var ErrRange = errors.New("read beyond end of piece")

// File is read-only piece storage backed by one file.  Every piece has
// the same length except the last one, which may be shorter.
type File struct {
	f           *os.File
	size        int64
	pieceLength int
	numPieces   int
}

// Open opens filename for serving pieces of pieceLength bytes.
func Open(filename string, pieceLength int) (*File, error) {
	if pieceLength <= 0 {
		return nil, errors.Errorf("bad piece length %v", pieceLength)
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, errors.Errorf("%v is not a regular file", filename)
	}
	if fi.Size() == 0 {
		f.Close()
		return nil, errors.Errorf("%v is empty", filename)
	}
	return &File{
		f:           f,
		size:        fi.Size(),
		pieceLength: pieceLength,
		numPieces:   int((fi.Size() + int64(pieceLength) - 1) / int64(pieceLength)),
	}, nil
}

func (f *File) Size() int64 {
	return f.size
}

func (f *File) NumPieces() int {
	return f.numPieces
}

// PieceLength returns the length of piece index, or 0 if there is no
// such piece.
func (f *File) PieceLength(index uint32) int {
	if int64(index) >= int64(f.numPieces) {
		return 0
	}
	offset := int64(index) * int64(f.pieceLength)
	return int(min(int64(f.pieceLength), f.size-offset))
}

// Read returns length bytes of piece index at offset begin.
func (f *File) Read(index, begin, length uint32) ([]byte, error) {
	pl := f.PieceLength(index)
	if uint64(begin)+uint64(length) > uint64(pl) {
		return nil, errors.Wrapf(ErrRange, "piece %v, %v+%v",
			index, begin, length)
	}
	buf := make([]byte, length)
	offset := int64(index)*int64(f.pieceLength) + int64(begin)
	n, err := f.f.ReadAt(buf, offset)
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read piece %v", index)
	}
	return buf, nil
}

// ReadPiece reads a whole piece into a buffer obtained from alloc.  The
// buffer must be returned with Free.
func (f *File) ReadPiece(index uint32) ([]byte, error) {
	pl := f.PieceLength(index)
	if pl <= 0 {
		return nil, errors.Wrapf(ErrRange, "piece %v", index)
	}
	buf, err := alloc.Alloc(pl)
	if err != nil {
		return nil, err
	}
	n, err := f.f.ReadAt(buf, int64(index)*int64(f.pieceLength))
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	if err != nil {
		alloc.Free(buf)
		return nil, errors.Wrapf(err, "read piece %v", index)
	}
	return buf, nil
}

func (f *File) Free(buf []byte) {
	alloc.Free(buf)
}

// Bitfield returns the pieces we have, which is all of them.
func (f *File) Bitfield() *bitmap.Bitfield {
	return bitmap.Full(f.numPieces)
}

func (f *File) Close() error {
	return f.f.Close()
}
