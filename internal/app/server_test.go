package app

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/tracker_server/internal/config"
	"github.com/relabs-tech/tracker_server/internal/flags"
	"github.com/relabs-tech/tracker_server/internal/network"
	"github.com/relabs-tech/tracker_server/internal/protocol"
	"github.com/relabs-tech/tracker_server/internal/store"
	"github.com/relabs-tech/tracker_server/internal/tracker"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.UDPListenAddr = "127.0.0.1:0"
	cfg.WebServerPort = 0
	cfg.DBPath = filepath.Join(t.TempDir(), "trackers.db")
	return cfg
}

func encode(t *testing.T, p protocol.Packet) []byte {
	t.Helper()
	raw, err := protocol.Encode(p)
	require.NoError(t, err)
	return raw
}

func decodeWritten(t *testing.T, w network.MockUDPPacket) protocol.Packet {
	t.Helper()
	p, err := protocol.Decode(w.Data)
	require.NoError(t, err)
	return p
}

func TestRunServerPersistsIdentities(t *testing.T) {
	cfg := testConfig(t)
	socket := network.NewMockUDPSocket()
	ready := make(chan *Server, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunServer(ctx, cfg, discardLogger(), ServerDeps{
			SocketFactory: &network.MockUDPSocketFactory{Socket: socket},
			Ready:         func(s *Server) { ready <- s },
		})
	}()

	var srv *Server
	select {
	case srv = <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	hw := protocol.HardwareID{MAC: [6]byte{0x24, 0x0a, 0xc4, 3, 3, 3}}
	peer := netip.MustParseAddrPort("192.168.1.60:4210")
	socket.Deliver(encode(t, protocol.NewPacket(hw, 1, protocol.Handshake{Family: flags.FamilyBmi160})), peer)

	require.Eventually(t, func() bool { return len(socket.Written()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	ack := decodeWritten(t, socket.Written()[0])
	require.Equal(t, protocol.TypeHandshakeAck, ack.Type)
	assert.Equal(t, protocol.HandshakeAck{TrackerID: 1}, ack.Body)

	snap, ok := srv.Registry.Get(1)
	require.True(t, ok)
	assert.Equal(t, tracker.Active, snap.State)

	// flag commands travel back through the same socket
	require.NoError(t, srv.Commands.SetFlag(FlagCommand{TrackerID: 1, Flag: uint16(flags.Bmi160TempCompensation), State: true}))
	require.Eventually(t, func() bool {
		for _, w := range socket.Written() {
			if p, err := protocol.Decode(w.Data); err == nil && p.Type == protocol.TypeSetFlag {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.True(t, socket.IsClosed())

	db, err := store.Open(cfg.DBPath, discardLogger())
	require.NoError(t, err)
	defer db.Close()
	ids, next, err := db.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[protocol.HardwareID]uint32{hw: 1}, ids)
	assert.Equal(t, uint32(2), next)
}

func TestRunServerBindFailure(t *testing.T) {
	cfg := testConfig(t)
	err := RunServer(context.Background(), cfg, discardLogger(), ServerDeps{
		SocketFactory: &network.MockUDPSocketFactory{Error: errors.New("address in use")},
	})
	var te *network.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "listen", te.Op)
}

func TestRunServerBadStorePath(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBPath = filepath.Join(t.TempDir(), "missing", "dir", "trackers.db")
	err := RunServer(context.Background(), cfg, discardLogger(), ServerDeps{
		SocketFactory: &network.MockUDPSocketFactory{Socket: network.NewMockUDPSocket()},
	})
	assert.ErrorContains(t, err, "identity store")
}
