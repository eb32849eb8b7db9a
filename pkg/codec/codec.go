// Package codec implements the wire envelope described in §4.7: a fixed
// binary header (V1, 16 bytes; V2, 24 bytes with a flags word and an
// optional CRC-32 over the payload) followed by an opaque payload. The
// CRC is the standard IEEE polynomial, so it is computed with the
// standard library's hash/crc32 rather than a hand-rolled table.
package codec

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// MessageType identifies the payload carried by an envelope.
type MessageType uint16

const (
	MessageTypeMarketTick MessageType = 1
	MessageTypeOrder      MessageType = 2
	MessageTypeTrade      MessageType = 3
)

// Flags are the V2 header's bitfield.
type Flags uint32

const (
	// FlagHasCRC32 marks that the header's CRC32 field covers the payload.
	FlagHasCRC32 Flags = 1 << 0
)

const (
	versionV1 = 1
	versionV2 = 2

	headerSizeV1 = 16
	headerSizeV2 = 24
)

var (
	// ErrShortBuffer is returned when a buffer is too small to hold even a
	// V1 header, or shorter than the header's declared payload size.
	ErrShortBuffer = errors.New("codec: buffer too short")
	// ErrUnknownVersion is returned for a header version that is neither V1 nor V2.
	ErrUnknownVersion = errors.New("codec: unknown protocol version")
	// ErrCRCMismatch is returned when a V2 header with FlagHasCRC32 set
	// does not match the payload's computed checksum.
	ErrCRCMismatch = errors.New("codec: crc32 mismatch")
)

// Header is the decoded form of either a V1 or V2 envelope header.
type Header struct {
	Version     uint16
	Type        MessageType
	Size        uint32
	TimestampNs uint64
	Flags       Flags
	CRC32       uint32
	// HeaderSize is the number of leading bytes the header itself occupied.
	HeaderSize int
}

// EncodeMessage frames payload in a V1 envelope (no CRC).
func EncodeMessage(msgType MessageType, payload []byte, timestampNs uint64) []byte {
	buf := make([]byte, headerSizeV1+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], versionV1)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(msgType))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[8:16], timestampNs)
	copy(buf[headerSizeV1:], payload)
	return buf
}

// EncodeMessageV2 frames payload in a V2 envelope. If flags has
// FlagHasCRC32 set, the CRC32 field is computed over payload; otherwise
// it is zero.
func EncodeMessageV2(msgType MessageType, payload []byte, timestampNs uint64, flags Flags) []byte {
	buf := make([]byte, headerSizeV2+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], versionV2)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(msgType))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[8:16], timestampNs)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(flags))

	var crc uint32
	if flags&FlagHasCRC32 != 0 {
		crc = crc32.ChecksumIEEE(payload)
	}
	binary.LittleEndian.PutUint32(buf[20:24], crc)

	copy(buf[headerSizeV2:], payload)
	return buf
}

// DecodeHeader parses the leading header of data, dispatching on its
// version field, and validates that data is long enough to hold the
// header's declared payload. If the header carries FlagHasCRC32, the
// payload's checksum is verified against the header's recorded value.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < headerSizeV1 {
		return Header{}, ErrShortBuffer
	}

	version := binary.LittleEndian.Uint16(data[0:2])

	var h Header
	switch version {
	case versionV1:
		if len(data) < headerSizeV1 {
			return Header{}, ErrShortBuffer
		}
		h = Header{
			Version:     version,
			Type:        MessageType(binary.LittleEndian.Uint16(data[2:4])),
			Size:        binary.LittleEndian.Uint32(data[4:8]),
			TimestampNs: binary.LittleEndian.Uint64(data[8:16]),
			HeaderSize:  headerSizeV1,
		}
	case versionV2:
		if len(data) < headerSizeV2 {
			return Header{}, ErrShortBuffer
		}
		h = Header{
			Version:     version,
			Type:        MessageType(binary.LittleEndian.Uint16(data[2:4])),
			Size:        binary.LittleEndian.Uint32(data[4:8]),
			TimestampNs: binary.LittleEndian.Uint64(data[8:16]),
			Flags:       Flags(binary.LittleEndian.Uint32(data[16:20])),
			CRC32:       binary.LittleEndian.Uint32(data[20:24]),
			HeaderSize:  headerSizeV2,
		}
	default:
		return Header{}, ErrUnknownVersion
	}

	if uint64(h.Size) > uint64(len(data)-h.HeaderSize) {
		return Header{}, ErrShortBuffer
	}

	if h.Flags&FlagHasCRC32 != 0 {
		payload := data[h.HeaderSize : h.HeaderSize+int(h.Size)]
		if crc32.ChecksumIEEE(payload) != h.CRC32 {
			return Header{}, ErrCRCMismatch
		}
	}

	return h, nil
}

// PayloadPtr slices the payload out of data given an already-decoded
// header's HeaderSize.
func PayloadPtr(data []byte, headerSize int) ([]byte, error) {
	if len(data) < headerSize {
		return nil, ErrShortBuffer
	}
	return data[headerSize:], nil
}
