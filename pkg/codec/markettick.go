package codec

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/argentumfx/core/pkg/types"
)

// marketTickPayloadSizeV1 matches the original's 64-byte aligned MarketTick
// struct: 8 (timestamp_ns) + 8 (price) + 8 (quantity) + 16 (symbol) +
// 8 (source) + 1 (side) + 15 bytes padding to the struct's alignment.
const marketTickPayloadSizeV1 = 64

// ErrSymbolTooLong/ErrSourceTooLong are returned when encoding a tick
// whose symbol/source exceeds the V1 fixed-width fields.
var (
	ErrSymbolTooLong = errors.New("codec: symbol exceeds V1 field width")
	ErrSourceTooLong = errors.New("codec: source exceeds V1 field width")
)

// EncodeMarketTickV1 packs tick into the fixed 64-byte payload used by V1
// envelopes: symbol and source are NUL-padded fixed-width fields.
func EncodeMarketTickV1(tick types.MarketTick) ([]byte, error) {
	if len(tick.Symbol) > types.SymbolMaxLen {
		return nil, ErrSymbolTooLong
	}
	if len(tick.Source) > types.SourceMaxLen {
		return nil, ErrSourceTooLong
	}

	buf := make([]byte, marketTickPayloadSizeV1)
	binary.LittleEndian.PutUint64(buf[0:8], tick.TimestampNs)
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(tick.Price))
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(tick.Quantity))
	copy(buf[24:24+types.SymbolMaxLen], tick.Symbol)
	copy(buf[40:40+types.SourceMaxLen], tick.Source)
	buf[48] = byte(tick.Side)
	// buf[49:64] is alignment padding, left zeroed.
	return buf, nil
}

// DecodeMarketTickV1 unpacks a fixed 64-byte V1 MarketTick payload.
func DecodeMarketTickV1(payload []byte) (types.MarketTick, error) {
	if len(payload) < marketTickPayloadSizeV1 {
		return types.MarketTick{}, ErrShortBuffer
	}
	return types.MarketTick{
		TimestampNs: binary.LittleEndian.Uint64(payload[0:8]),
		Price:       math.Float64frombits(binary.LittleEndian.Uint64(payload[8:16])),
		Quantity:    math.Float64frombits(binary.LittleEndian.Uint64(payload[16:24])),
		Symbol:      trimNulls(payload[24 : 24+types.SymbolMaxLen]),
		Source:      trimNulls(payload[40 : 40+types.SourceMaxLen]),
		Side:        types.Side(payload[48]),
	}, nil
}

// EncodeMarketTickV2 uses a length-prefixed, variable-length encoding for
// symbol/source, so instruments with longer identifiers than the V1
// fixed-width fields allow can still round-trip.
func EncodeMarketTickV2(tick types.MarketTick) []byte {
	buf := make([]byte, 0, 8+8+8+1+2+len(tick.Symbol)+2+len(tick.Source))
	var scratch [8]byte

	binary.LittleEndian.PutUint64(scratch[:], tick.TimestampNs)
	buf = append(buf, scratch[:]...)
	binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(tick.Price))
	buf = append(buf, scratch[:]...)
	binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(tick.Quantity))
	buf = append(buf, scratch[:]...)
	buf = append(buf, byte(tick.Side))

	buf = appendLengthPrefixed(buf, tick.Symbol)
	buf = appendLengthPrefixed(buf, tick.Source)
	return buf
}

// DecodeMarketTickV2 decodes the length-prefixed V2 MarketTick payload.
func DecodeMarketTickV2(payload []byte) (types.MarketTick, error) {
	if len(payload) < 25 {
		return types.MarketTick{}, ErrShortBuffer
	}
	timestampNs := binary.LittleEndian.Uint64(payload[0:8])
	price := math.Float64frombits(binary.LittleEndian.Uint64(payload[8:16]))
	quantity := math.Float64frombits(binary.LittleEndian.Uint64(payload[16:24]))
	side := types.Side(payload[24])

	rest := payload[25:]
	symbol, rest, err := readLengthPrefixed(rest)
	if err != nil {
		return types.MarketTick{}, err
	}
	source, _, err := readLengthPrefixed(rest)
	if err != nil {
		return types.MarketTick{}, err
	}

	return types.MarketTick{
		TimestampNs: timestampNs,
		Price:       price,
		Quantity:    quantity,
		Symbol:      symbol,
		Source:      source,
		Side:        side,
	}, nil
}

func appendLengthPrefixed(buf []byte, s string) []byte {
	var lenBytes [2]byte
	binary.LittleEndian.PutUint16(lenBytes[:], uint16(len(s)))
	buf = append(buf, lenBytes[:]...)
	return append(buf, s...)
}

func readLengthPrefixed(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, ErrShortBuffer
	}
	n := int(binary.LittleEndian.Uint16(buf[0:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, ErrShortBuffer
	}
	return string(buf[:n]), buf[n:], nil
}

func trimNulls(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}
