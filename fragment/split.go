// Package fragment implements compress-then-split framing for Command,
// CommandLow and VoiceWhisper bodies: oversized bodies are compressed, and
// what still exceeds the per-fragment budget is cut into MTU-sized pieces.
package fragment

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/tsproto/tsproto/packet"
)

// Compressor is the black-box compression codec consumed by Split. The
// contract only requires Compress to return smaller output when it can;
// Split discards the result whenever it isn't strictly smaller than the
// input.
type Compressor interface {
	Compress(data []byte) []byte
}

// FlateCompressor stands in for the QuickLZ level-1 codec, which has no
// maintained Go port; klauspost/compress's DEFLATE implementation sits
// behind the same single-method contract instead.
type FlateCompressor struct{}

// Compress returns the DEFLATE-compressed form of data, or data itself if
// compression fails for any reason (Split treats a same-or-larger result
// as "not retained" regardless).
func (FlateCompressor) Compress(data []byte) []byte {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return data
	}
	if _, err := w.Write(data); err != nil {
		return data
	}
	if err := w.Close(); err != nil {
		return data
	}
	return buf.Bytes()
}

// Decompress is the inverse of FlateCompressor.Compress, used on ingress
// when the compressed flag is set.
func Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress body: %w", err)
	}
	return out, nil
}

// Fragment is one (header, body) pair produced by Split.
type Fragment struct {
	Header packet.Header
	Body   []byte
}

// Split compresses and, if necessary, splits body into a sequence of
// fragments no larger than bodyBudget bytes. The compressed flag is set on
// fragment 0 only, and only if compression was retained; fragmented is set
// on the first and last fragment when there is more than one — both, when
// there are exactly two.
//
// isClient and t seed every produced header's direction/type; PID is left
// zero for the caller to assign in its own per-(connection, type) order.
func Split(comp Compressor, isClient bool, t packet.PacketType, body []byte, bodyBudget int) []Fragment {
	data := body
	compressed := false

	if len(data) > bodyBudget-100 {
		cdata := comp.Compress(data)
		if len(cdata) < len(data) {
			data = cdata
			compressed = true
		}
	}

	var chunks [][]byte
	if len(data) <= bodyBudget || t == packet.VoiceWhisper {
		chunks = [][]byte{data}
	} else {
		chunks = splitChunks(data, bodyBudget)
	}

	fragmented := len(chunks) > 1
	fragments := make([]Fragment, len(chunks))
	for i, chunk := range chunks {
		h := packet.NewHeader(isClient, 0, t)
		if i == 0 && compressed {
			h.Flags |= packet.FlagCompressed
		}
		if fragmented && (i == 0 || i == len(chunks)-1) {
			h.Flags |= packet.FlagFragmented
		}
		fragments[i] = Fragment{Header: h, Body: chunk}
	}
	return fragments
}

// splitChunks splits data from the front into bodyBudget-sized pieces, the
// original data order preserved and the (possibly shorter) remainder last,
// producing ceil(len/bodyBudget) chunks.
func splitChunks(data []byte, bodyBudget int) [][]byte {
	count := (len(data) + bodyBudget - 1) / bodyBudget
	chunks := make([][]byte, count)
	for i := 0; i < count; i++ {
		start := i * bodyBudget
		end := start + bodyBudget
		if end > len(data) {
			end = len(data)
		}
		chunks[i] = data[start:end]
	}
	return chunks
}
