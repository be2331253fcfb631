package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/zeebo/bencode"

	"github.com/jech/swarmcore/pex"
)

// Extension names.
const (
	ExtPex = "ut_pex"
	ExtG2G = "Tr_G2G"
)

// The subtypes we ask peers to use when sending us extended messages.
const (
	ExtHandshakeId byte = 0
	ExtPexId       byte = 1
	ExtG2GId       byte = 2
)

var ErrNoMessages = errors.New("extension handshake has no \"m\" entry")

// ExtendedHandshake is the payload of an extended message with subtype 0.
// A Messages entry with id 0 disables that extension.
type ExtendedHandshake struct {
	Messages map[string]int `bencode:"m"`
	Port     int            `bencode:"p,omitempty"`
	Version  string         `bencode:"v,omitempty"`
	Encrypt  bool           `bencode:"e,omitempty"`
}

// Encode returns the bencoded handshake.
func (h *ExtendedHandshake) Encode() ([]byte, error) {
	m := h.Messages
	if m == nil {
		m = map[string]int{}
	}
	return bencode.EncodeBytes(&ExtendedHandshake{
		Messages: m,
		Port:     h.Port,
		Version:  h.Version,
		Encrypt:  h.Encrypt,
	})
}

func decodeInt(raw bencode.RawMessage, min, max int64) (int64, error) {
	var v int64
	err := bencode.DecodeBytes(raw, &v)
	if err != nil {
		return 0, errors.Wrap(ErrParse, err.Error())
	}
	if v < min || v > max {
		return 0, errors.Wrapf(ErrParse, "value %v out of range", v)
	}
	return v, nil
}

// ParseExtendedHandshake decodes an extension handshake.  The "m" entry
// is required and every id in it must be an integer that fits in a byte.
// Optional entries of the wrong type are ignored.
func ParseExtendedHandshake(data []byte) (*ExtendedHandshake, error) {
	var dict map[string]bencode.RawMessage
	err := bencode.DecodeBytes(data, &dict)
	if err != nil {
		return nil, errors.Wrap(ErrParse, err.Error())
	}
	raw, ok := dict["m"]
	if !ok {
		return nil, ErrNoMessages
	}
	var m map[string]bencode.RawMessage
	err = bencode.DecodeBytes(raw, &m)
	if err != nil {
		return nil, errors.Wrap(ErrParse, "\"m\" is not a dictionary")
	}

	h := &ExtendedHandshake{Messages: make(map[string]int, len(m))}
	for name, v := range m {
		id, err := decodeInt(v, 0, 255)
		if err != nil {
			return nil, errors.Wrapf(err, "extension %q", name)
		}
		h.Messages[name] = int(id)
	}
	if raw, ok := dict["p"]; ok {
		if p, err := decodeInt(raw, 0, 0xFFFF); err == nil {
			h.Port = int(p)
		}
	}
	if raw, ok := dict["v"]; ok {
		var v string
		if bencode.DecodeBytes(raw, &v) == nil {
			h.Version = v
		}
	}
	if raw, ok := dict["e"]; ok {
		if e, err := decodeInt(raw, 0, 1); err == nil {
			h.Encrypt = e == 1
		}
	}
	return h, nil
}

type pexInfo struct {
	Added   []byte `bencode:"added"`
	AddedF  []byte `bencode:"added.f,omitempty"`
	Dropped []byte `bencode:"dropped"`
}

// EncodePex returns the bencoded ut_pex payload.
func EncodePex(added, dropped []pex.Peer) ([]byte, error) {
	a, f := FormatCompact(added)
	d, _ := FormatCompact(dropped)
	return bencode.EncodeBytes(&pexInfo{
		Added:   a,
		AddedF:  f,
		Dropped: d,
	})
}

// FormatCompact is pex.FormatCompact with empty results as non-nil
// slices, which encode as empty strings.
func FormatCompact(peers []pex.Peer) ([]byte, []byte) {
	a, f := pex.FormatCompact(peers)
	if a == nil {
		a = []byte{}
	}
	return a, f
}

// ParsePex decodes a ut_pex payload.  Compact lists whose length is not
// a multiple of 6, or flag lists with the wrong length, are errors.
func ParsePex(data []byte) (added, dropped []pex.Peer, err error) {
	var dict map[string]bencode.RawMessage
	err = bencode.DecodeBytes(data, &dict)
	if err != nil {
		err = errors.Wrap(ErrParse, err.Error())
		return
	}
	str := func(key string) ([]byte, bool, error) {
		raw, ok := dict[key]
		if !ok {
			return nil, false, nil
		}
		var s string
		err := bencode.DecodeBytes(raw, &s)
		if err != nil {
			return nil, false, errors.Wrapf(ErrParse, "%q", key)
		}
		return []byte(s), true, nil
	}

	a, _, err := str("added")
	if err != nil {
		return
	}
	f, haveF, err := str("added.f")
	if err != nil {
		return
	}
	if !haveF {
		f = nil
	} else if f == nil {
		f = []byte{}
	}
	d, _, err := str("dropped")
	if err != nil {
		return
	}

	added, err = pex.ParseCompact(a, f)
	if err != nil {
		return
	}
	dropped, err = pex.ParseCompact(d, nil)
	return
}

// G2GLength is the length of a forwarding announcement.
const G2GLength = 12

// EncodeG2G returns the payload announcing that length bytes of piece
// index at begin were forwarded.
func EncodeG2G(index, begin, length uint32) []byte {
	b := make([]byte, 0, G2GLength)
	b = binary.BigEndian.AppendUint32(b, index)
	b = binary.BigEndian.AppendUint32(b, begin)
	return binary.BigEndian.AppendUint32(b, length)
}

// ParseG2G parses a forwarding announcement.
func ParseG2G(data []byte) (index, begin, length uint32, err error) {
	v, err := ParseUint32s(data, 3)
	if err != nil {
		return
	}
	return v[0], v[1], v[2], nil
}
