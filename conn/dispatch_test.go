package conn

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsproto/tsproto"
	"github.com/tsproto/tsproto/fragment"
	"github.com/tsproto/tsproto/packet"
)

type noopCompressor struct{}

func (noopCompressor) Compress(data []byte) []byte {
	return append(append([]byte{}, data...), 0x00)
}

func TestSendCommandRoundTripsThroughFragmentationAndCrypto(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9987}
	client := NewConnection(addr, testIV(), true, nil)
	server := NewConnection(addr, testIV(), false, nil)

	cfg := tsproto.DefaultConfig()
	body := make([]byte, 1500)
	for i := range body {
		body[i] = byte(i*131 + 7)
	}

	wires, err := client.SendCommand(cfg, noopCompressor{}, packet.Command, body, packet.ClientHeaderSize)
	require.NoError(t, err)
	require.Greater(t, len(wires), 1, "1500 bytes must split at the 487-byte client budget")

	var reassembled []byte
	for i, wire := range wires {
		h, plaintext, err := server.Decrypt(wire, 0)
		require.NoError(t, err)
		require.Equal(t, packet.Command, h.Type)

		isFirst := i == 0
		isLast := i == len(wires)-1
		if isFirst || isLast {
			require.NotZero(t, h.Flags&packet.FlagFragmented)
		} else {
			require.Zero(t, h.Flags&packet.FlagFragmented)
		}
		reassembled = append(reassembled, plaintext...)
	}
	require.Equal(t, body, reassembled)
}

func TestSendCommandSingleFragmentUnderBudget(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9987}
	client := NewConnection(addr, testIV(), true, nil)
	server := NewConnection(addr, testIV(), false, nil)

	cfg := tsproto.DefaultConfig()
	body := []byte("short")

	wires, err := client.SendCommand(cfg, fragment.FlateCompressor{}, packet.CommandLow, body, packet.ClientHeaderSize)
	require.NoError(t, err)
	require.Len(t, wires, 1)

	h, plaintext, err := server.Decrypt(wires[0], 0)
	require.NoError(t, err)
	require.Equal(t, body, plaintext)
	require.Zero(t, h.Flags&packet.FlagFragmented)
}
