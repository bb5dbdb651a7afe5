package conn

import (
	"fmt"

	"github.com/tsproto/tsproto"
	"github.com/tsproto/tsproto/fragment"
	"github.com/tsproto/tsproto/packet"
)

// SendCommand runs the egress pipeline end to end for a single
// application message: compress-and-split into fragments, assign each
// fragment its outgoing PID/generation, encrypt it via Connection.Encrypt,
// and return the wire datagrams in send order. headerSize is 13 for a
// client-direction connection, 11 for server — see
// packet.ClientHeaderSize/ServerHeaderSize.
func (c *Connection) SendCommand(cfg *tsproto.Config, comp fragment.Compressor, t packet.PacketType, body []byte, headerSize int) ([][]byte, error) {
	frags := fragment.Split(comp, c.IsClient, t, body, cfg.BodyBudget(headerSize))

	wires := make([][]byte, len(frags))
	for i, f := range frags {
		pid, generation := c.NextPID(t)
		f.Header.PID = pid
		wire, err := c.Encrypt(f.Header, generation, f.Body)
		if err != nil {
			return nil, fmt.Errorf("send command fragment %d/%d: %w", i+1, len(frags), err)
		}
		wires[i] = wire
	}
	return wires, nil
}
