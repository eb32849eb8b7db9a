package codec

import (
	"testing"

	"github.com/argentumfx/core/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeV1RoundTrip(t *testing.T) {
	payload := []byte("hello")
	buf := EncodeMessage(MessageTypeMarketTick, payload, 1234)

	h, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, uint16(1), h.Version)
	require.Equal(t, MessageTypeMarketTick, h.Type)
	require.Equal(t, uint32(len(payload)), h.Size)
	require.Equal(t, uint64(1234), h.TimestampNs)

	got, err := PayloadPtr(buf, h.HeaderSize)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestEncodeDecodeV2RoundTripWithCRC(t *testing.T) {
	payload := []byte("a market tick payload")
	buf := EncodeMessageV2(MessageTypeMarketTick, payload, 5678, FlagHasCRC32)

	h, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, uint16(2), h.Version)
	require.NotZero(t, h.CRC32)

	got, err := PayloadPtr(buf, h.HeaderSize)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDecodeHeaderDetectsCorruption(t *testing.T) {
	payload := []byte("a market tick payload")
	buf := EncodeMessageV2(MessageTypeMarketTick, payload, 5678, FlagHasCRC32)
	buf[len(buf)-1] ^= 0xFF

	_, err := DecodeHeader(buf)
	require.ErrorIs(t, err, ErrCRCMismatch)
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestDecodeHeaderRejectsUnknownVersion(t *testing.T) {
	buf := EncodeMessage(MessageTypeMarketTick, []byte("x"), 0)
	buf[0] = 99
	_, err := DecodeHeader(buf)
	require.ErrorIs(t, err, ErrUnknownVersion)
}

func TestDecodeHeaderRejectsOversizedDeclaredLength(t *testing.T) {
	buf := EncodeMessage(MessageTypeMarketTick, []byte("x"), 0)
	buf[4] = 0xFF // inflate the declared size field beyond the buffer
	_, err := DecodeHeader(buf)
	require.ErrorIs(t, err, ErrShortBuffer)
}

func marketTick(symbol, source string) types.MarketTick {
	return types.MarketTick{
		TimestampNs: 1_000_000_000,
		Price:       1.10050,
		Quantity:    2.5,
		Symbol:      symbol,
		Source:      source,
		Side:        types.SideBuy,
	}
}

func TestMarketTickV1RoundTrip(t *testing.T) {
	tick := marketTick("EURUSD", "FEEDA")
	buf, err := EncodeMarketTickV1(tick)
	require.NoError(t, err)
	require.Len(t, buf, 64)

	decoded, err := DecodeMarketTickV1(buf)
	require.NoError(t, err)
	require.Equal(t, tick, decoded)
}

func TestMarketTickV1RejectsOverlongSymbol(t *testing.T) {
	tick := marketTick("THIS_SYMBOL_IS_WAY_TOO_LONG", "FEEDA")
	_, err := EncodeMarketTickV1(tick)
	require.ErrorIs(t, err, ErrSymbolTooLong)
}

func TestMarketTickV2RoundTripLongerSymbol(t *testing.T) {
	tick := marketTick("EUR/USD-SPOT-EXTENDED", "AGGREGATOR")
	buf := EncodeMarketTickV2(tick)
	decoded, err := DecodeMarketTickV2(buf)
	require.NoError(t, err)
	require.Equal(t, tick, decoded)
}

func TestFullEnvelopeWithMarketTickV2Payload(t *testing.T) {
	tick := marketTick("GBPUSD", "FEEDB")
	payload := EncodeMarketTickV2(tick)
	envelope := EncodeMessageV2(MessageTypeMarketTick, payload, tick.TimestampNs, FlagHasCRC32)

	h, err := DecodeHeader(envelope)
	require.NoError(t, err)
	body, err := PayloadPtr(envelope, h.HeaderSize)
	require.NoError(t, err)

	decoded, err := DecodeMarketTickV2(body)
	require.NoError(t, err)
	require.Equal(t, tick, decoded)
}
