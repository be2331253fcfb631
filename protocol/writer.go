// Package protocol implements low-level details of the BitTorrent peer
// wire protocol.
package protocol

import (
	"encoding/binary"
)

// Message tags.
const (
	Choke         byte = 0
	Unchoke       byte = 1
	Interested    byte = 2
	NotInterested byte = 3
	Have          byte = 4
	Bitfield      byte = 5
	Request       byte = 6
	Piece         byte = 7
	Cancel        byte = 8
	Extended      byte = 20
)

// TagName returns a human-readable name for a message tag.
func TagName(tag byte) string {
	switch tag {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Extended:
		return "extended"
	}
	return "unknown"
}

func formatUint32(b []byte, v uint32) []byte {
	binary.BigEndian.PutUint32(b, v)
	return b
}

func startMessage(length int, tpe byte) []byte {
	b := make([]byte, 5, 4+length)
	formatUint32(b, uint32(length))
	b[4] = tpe
	return b
}

// KeepAlive returns a framed keep-alive.
func KeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

// Message0 returns a framed message with no body, such as CHOKE.
func Message0(tpe byte) []byte {
	return startMessage(1, tpe)
}

// Message1 returns a framed message carrying a single integer, such as
// HAVE.
func Message1(tpe byte, v uint32) []byte {
	b := startMessage(5, tpe)
	return binary.BigEndian.AppendUint32(b, v)
}

// Message3 returns a framed message carrying three integers, such as
// REQUEST or CANCEL.
func Message3(tpe byte, v1, v2, v3 uint32) []byte {
	b := startMessage(13, tpe)
	b = binary.BigEndian.AppendUint32(b, v1)
	b = binary.BigEndian.AppendUint32(b, v2)
	return binary.BigEndian.AppendUint32(b, v3)
}

// BitfieldMessage returns a framed BITFIELD.
func BitfieldMessage(bf []byte) []byte {
	b := startMessage(1+len(bf), Bitfield)
	return append(b, bf...)
}

// PieceMessage returns a framed PIECE.  The result is written out in
// parts by the rate limiter, so it is a single contiguous slice.
func PieceMessage(index, begin uint32, data []byte) []byte {
	b := startMessage(9+len(data), Piece)
	b = binary.BigEndian.AppendUint32(b, index)
	b = binary.BigEndian.AppendUint32(b, begin)
	return append(b, data...)
}

// ExtendedMessage returns a framed extended message with the given
// subtype.
func ExtendedMessage(subtype byte, payload []byte) []byte {
	b := startMessage(2+len(payload), Extended)
	b = append(b, subtype)
	return append(b, payload...)
}
