package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tsproto/tsproto"
	"github.com/tsproto/tsproto/resend"
)

func testResendConfig() tsproto.ResendConfig {
	cfg := tsproto.DefaultResendConfig()
	cfg.ConnectingTimeout = 20 * time.Millisecond
	cfg.ConnectedTimeout = 20 * time.Millisecond
	cfg.InitialInterval = 5 * time.Millisecond
	return cfg
}

func TestRegistryAddLookupRemove(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := NewRegistry[int](ctx, testResendConfig(), nil)
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9987}
	key := AddrKey(addr)

	c := NewConnection(addr, testIV(), false, nil)
	reg.AddConnection(key, c)

	got, ok := reg.Connection(key)
	require.True(t, ok)
	require.Same(t, c, got)

	foundKey, ok := reg.ConnectionForUDPPacket(addr, nil)
	require.True(t, ok)
	require.Equal(t, key, foundKey)

	reg.RemoveConnection(key)
	_, ok = reg.Connection(key)
	require.False(t, ok)
}

func TestRegistryUnknownConnectionLookup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := NewRegistry[int](ctx, testResendConfig(), nil)

	_, err := reg.Lookup("nobody:0")
	require.ErrorIs(t, err, tsproto.ErrUnknownConnection)
}

func TestRegistryAttachedData(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := NewRegistry[string](ctx, testResendConfig(), nil)

	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 1}
	key := AddrKey(addr)
	reg.AddConnection(key, NewConnection(addr, testIV(), false, nil))

	data, ok := reg.GetData(key)
	require.True(t, ok)
	require.Equal(t, "", data, "zero value until SetData")

	previous, existed := reg.SetData(key, "nickname")
	require.True(t, existed)
	require.Equal(t, "", previous)

	data, ok = reg.GetData(key)
	require.True(t, ok)
	require.Equal(t, "nickname", data)
}

func TestRegistryResenderExitRemovesConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testResendConfig()
	reg := NewRegistry[int](ctx, cfg, nil)

	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.3"), Port: 1}
	key := AddrKey(addr)
	resender := reg.CreateResender(nil)
	reg.AddConnection(key, NewConnection(addr, testIV(), false, resender))

	require.Eventually(t, func() bool {
		_, ok := reg.Connection(key)
		return !ok
	}, time.Second, 2*time.Millisecond, "resender timeout must reap the connection")
}

func TestRegistryDisconnectReapsConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testResendConfig()
	cfg.ConnectedTimeout = time.Hour
	reg := NewRegistry[int](ctx, cfg, nil)

	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.4"), Port: 1}
	key := AddrKey(addr)
	resender := reg.CreateResender(nil)
	require.NoError(t, resender.HandleEvent(resend.EventConnected))
	reg.AddConnection(key, NewConnection(addr, testIV(), false, resender))

	reg.Disconnect(key)

	require.Eventually(t, func() bool {
		_, ok := reg.Connection(key)
		return !ok
	}, time.Second, 2*time.Millisecond)
}
