package fragment

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tsproto/tsproto/packet"
)

type fakeCompressor struct {
	fn func([]byte) []byte
}

func (f fakeCompressor) Compress(data []byte) []byte { return f.fn(data) }

// noopCompressor simulates an incompressible codec: it always returns a
// strictly larger buffer, so Split must never retain it.
var noopCompressor = fakeCompressor{fn: func(data []byte) []byte {
	return append(append([]byte{}, data...), 0x00)
}}

func incompressibleBytes(n int) []byte {
	// A counting sequence rather than real randomness, so the test has no
	// hidden dependency on a seeded RNG; paired with noopCompressor above
	// this removes any reliance on flate actually failing to shrink it.
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*131 + 7)
	}
	return b
}

func TestSplitSingleFragmentUnderBudget(t *testing.T) {
	body := []byte("short command body")
	frags := Split(noopCompressor, true, packet.Command, body, 489)
	require.Len(t, frags, 1)
	require.Equal(t, body, frags[0].Body)
	require.Zero(t, frags[0].Header.Flags&packet.FlagFragmented)
	require.Zero(t, frags[0].Header.Flags&packet.FlagCompressed)
}

func TestSplitBoundaryExactBudget(t *testing.T) {
	budget := 489
	body := incompressibleBytes(budget)
	frags := Split(noopCompressor, false, packet.Command, body, budget)
	require.Len(t, frags, 1)
	require.Zero(t, frags[0].Header.Flags&packet.FlagFragmented)
}

func TestSplitBoundaryOverByOne(t *testing.T) {
	budget := 489
	body := incompressibleBytes(budget + 1)
	frags := Split(noopCompressor, false, packet.Command, body, budget)
	require.Len(t, frags, 2)
	require.NotZero(t, frags[0].Header.Flags&packet.FlagFragmented)
	require.NotZero(t, frags[1].Header.Flags&packet.FlagFragmented)

	var rejoined []byte
	for _, f := range frags {
		rejoined = append(rejoined, f.Body...)
	}
	require.Equal(t, body, rejoined)
}

// Literal scenario: 1500-byte incompressible command body at server MTU
// (header 11, budget 489) splits into 489, 489, 489, 33, with fragment 0
// and fragment 3 (the last) flagged fragmented.
func TestSplitServerMTULiteralSizes(t *testing.T) {
	budget := 489
	body := incompressibleBytes(1500)
	frags := Split(noopCompressor, false, packet.Command, body, budget)

	require.Len(t, frags, 4)
	wantSizes := []int{489, 489, 489, 33}
	for i, want := range wantSizes {
		require.Equalf(t, want, len(frags[i].Body), "fragment %d size", i)
	}

	require.NotZero(t, frags[0].Header.Flags&packet.FlagFragmented)
	require.Zero(t, frags[1].Header.Flags&packet.FlagFragmented)
	require.Zero(t, frags[2].Header.Flags&packet.FlagFragmented)
	require.NotZero(t, frags[3].Header.Flags&packet.FlagFragmented)

	var rejoined []byte
	for _, f := range frags {
		rejoined = append(rejoined, f.Body...)
	}
	require.Equal(t, body, rejoined)
}

func TestSplitVoiceWhisperSkipsSizeCheck(t *testing.T) {
	budget := 489
	body := incompressibleBytes(2 * 500)
	frags := Split(noopCompressor, false, packet.VoiceWhisper, body, budget)
	require.Len(t, frags, 1)
	require.Equal(t, body, frags[0].Body)
}

// A whisper body large enough to compress must still produce a header the
// receiving side's own parser accepts: compressed is legal on VoiceWhisper,
// and the single fragment is never flagged fragmented.
func TestSplitVoiceWhisperCompressedParses(t *testing.T) {
	budget := 489
	body := make([]byte, 2*500) // repetitive, compresses well
	frags := Split(FlateCompressor{}, false, packet.VoiceWhisper, body, budget)
	require.Len(t, frags, 1)
	require.NotZero(t, frags[0].Header.Flags&packet.FlagCompressed)
	require.Zero(t, frags[0].Header.Flags&packet.FlagFragmented)

	parsed, err := packet.Unmarshal(frags[0].Header.Marshal(), false)
	require.NoError(t, err)
	require.Equal(t, packet.VoiceWhisper, parsed.Type)

	decompressed, err := Decompress(frags[0].Body)
	require.NoError(t, err)
	require.Equal(t, body, decompressed)
}

func TestSplitCompressionNotRetainedWhenLarger(t *testing.T) {
	budget := 489
	body := incompressibleBytes(budget - 50) // above (budget-100) threshold
	frags := Split(noopCompressor, true, packet.Command, body, budget)
	require.Len(t, frags, 1)
	require.Equal(t, body, frags[0].Body)
	require.Zero(t, frags[0].Header.Flags&packet.FlagCompressed)
}

func TestSplitCompressionRetainedWhenSmaller(t *testing.T) {
	budget := 489
	body := make([]byte, budget) // highly repetitive, compresses well
	frags := Split(FlateCompressor{}, true, packet.Command, body, budget)
	require.Len(t, frags, 1)
	require.NotZero(t, frags[0].Header.Flags&packet.FlagCompressed)
	require.Less(t, len(frags[0].Body), len(body))

	decompressed, err := Decompress(frags[0].Body)
	require.NoError(t, err)
	require.Equal(t, body, decompressed)
}

func TestSplitCompressedFlagOnlyOnFirstFragment(t *testing.T) {
	budget := 50
	// A fake codec that trims one byte: "compression" is retained (always
	// strictly smaller) but the result still needs splitting, so the test
	// doesn't depend on real flate's behavior on any particular input.
	trimOne := fakeCompressor{fn: func(data []byte) []byte {
		return data[:len(data)-1]
	}}

	body := incompressibleBytes(400)
	frags := Split(trimOne, true, packet.CommandLow, body, budget)
	require.Greater(t, len(frags), 1)
	require.NotZero(t, frags[0].Header.Flags&packet.FlagCompressed)
	for i, f := range frags {
		if i == 0 {
			continue
		}
		require.Zero(t, f.Header.Flags&packet.FlagCompressed, "only fragment 0 may carry compressed")
	}
}
