package network

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/tracker_server/internal/flags"
	"github.com/relabs-tech/tracker_server/internal/protocol"
	"github.com/relabs-tech/tracker_server/internal/timeutil"
	"github.com/relabs-tech/tracker_server/internal/tracker"
)

var (
	testHW   = protocol.HardwareID{MAC: [6]byte{0x24, 0x0a, 0xc4, 9, 9, 9}}
	testPeer = netip.MustParseAddrPort("192.168.4.2:41000")
)

type harness struct {
	socket   *MockUDPSocket
	clock    *timeutil.MockClock
	registry *tracker.Registry
	listener *Listener
	cancel   context.CancelFunc
	done     chan error
}

func startHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		socket: NewMockUDPSocket(),
		clock:  timeutil.NewMockClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)),
		done:   make(chan error, 1),
	}
	h.registry = tracker.NewRegistry(tracker.Options{
		HeartbeatTimeout: 2 * time.Second,
		RemovalGrace:     5 * time.Second,
		Clock:            h.clock,
	})
	h.listener = NewListener(ListenerConfig{
		Address:           "127.0.0.1:0",
		RcvBuf:            1 << 16,
		ScanInterval:      500 * time.Millisecond,
		HeartbeatInterval: time.Second,
		Registry:          h.registry,
		Clock:             h.clock,
		SocketFactory:     &MockUDPSocketFactory{Socket: h.socket},
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.listener.Start(ctx) }()
	select {
	case <-h.listener.Ready():
	case <-time.After(time.Second):
		t.Fatal("listener did not bind")
	}
	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func (h *harness) send(t *testing.T, p protocol.Packet) {
	t.Helper()
	raw, err := protocol.Encode(p)
	require.NoError(t, err)
	h.socket.Deliver(raw, testPeer)
}

// replies decodes every datagram the listener wrote.
func (h *harness) replies(t *testing.T) []protocol.Packet {
	t.Helper()
	var out []protocol.Packet
	for _, w := range h.socket.Written() {
		p, err := protocol.Decode(w.Data)
		require.NoError(t, err)
		assert.Equal(t, testPeer, w.Addr)
		out = append(out, p)
	}
	return out
}

func (h *harness) waitReplies(t *testing.T, n int) []protocol.Packet {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.socket.Written()) >= n },
		2*time.Second, 5*time.Millisecond, "want %d replies", n)
	return h.replies(t)
}

func TestHandshakeIsAcknowledged(t *testing.T) {
	h := startHarness(t)
	h.send(t, protocol.NewPacket(testHW, 1, protocol.Handshake{Family: flags.FamilyBno0XX, Firmware: "1.0"}))

	replies := h.waitReplies(t, 1)
	assert.Equal(t, protocol.HandshakeAck{TrackerID: 1}, replies[0].Body)
	assert.Equal(t, testHW, replies[0].Hardware)
	assert.Equal(t, 1<<16, h.socket.ReadBufferSize())

	snaps := h.registry.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, tracker.Active, snaps[0].State)
	assert.Equal(t, testPeer, snaps[0].Endpoint)
}

func TestMalformedDatagramsAreCountedNotFatal(t *testing.T) {
	h := startHarness(t)

	h.socket.Deliver([]byte{1, 2, 3}, testPeer)
	good, err := protocol.Encode(protocol.NewPacket(testHW, 1, protocol.Heartbeat{}))
	require.NoError(t, err)
	bad := append([]byte(nil), good...)
	bad[len(bad)-1] ^= 0xFF
	h.socket.Deliver(bad, testPeer)
	h.socket.Deliver(make([]byte, protocol.MaxDatagramSize+1), testPeer)

	// the loop keeps serving after the garbage
	h.send(t, protocol.NewPacket(testHW, 2, protocol.Handshake{Family: flags.FamilyBmi160}))
	h.waitReplies(t, 1)

	snap := h.listener.Stats().Snapshot()
	assert.Equal(t, uint64(4), snap.Received)
	assert.Equal(t, uint64(1), snap.Dispatched)
	assert.Equal(t, uint64(1), snap.DecodeErrors["too_short"])
	assert.Equal(t, uint64(1), snap.DecodeErrors["checksum_mismatch"])
	assert.Equal(t, uint64(1), snap.DecodeErrors["malformed_field"])
	assert.Equal(t, uint64(3), snap.TotalDecodeErrors())
}

func TestTelemetryBeforeHandshakeGetsRequest(t *testing.T) {
	h := startHarness(t)
	h.send(t, protocol.NewPacket(testHW, 1, protocol.Telemetry{Rotation: [4]float32{0, 0, 0, 1}}))

	replies := h.waitReplies(t, 1)
	assert.Equal(t, protocol.HandshakeRequest{}, replies[0].Body)
}

func TestScanLoopTimesOutAndSendsHeartbeats(t *testing.T) {
	h := startHarness(t)
	h.send(t, protocol.NewPacket(testHW, 1, protocol.Handshake{Family: flags.FamilyBno0XX}))
	h.waitReplies(t, 1)

	h.clock.Advance(time.Second)
	replies := h.waitReplies(t, 2)
	assert.Equal(t, protocol.Heartbeat{}, replies[1].Body)

	// step the clock until the scan ticker has observed the silence
	require.Eventually(t, func() bool {
		s := h.registry.Snapshot()
		if len(s) != 1 {
			return false
		}
		if s[0].State == tracker.Active {
			h.clock.Advance(100 * time.Millisecond)
		}
		return s[0].State == tracker.TimedOut
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendOutOfBand(t *testing.T) {
	h := startHarness(t)
	h.send(t, protocol.NewPacket(testHW, 1, protocol.Handshake{Family: flags.FamilyBno0XX}))
	h.waitReplies(t, 1)

	o, err := h.registry.RequestFlag(1, flags.Bno0XXMagEnabled.ID(), false)
	require.NoError(t, err)
	require.NoError(t, h.listener.Send(o))

	replies := h.replies(t)
	require.Len(t, replies, 2)
	assert.Equal(t, protocol.SetFlag{Flag: flags.NewBno0XX(flags.Bno0XXMagEnabled, false)}, replies[1].Body)
	assert.Equal(t, uint64(2), h.listener.Stats().Snapshot().Sent)

	h.socket.FailWrites(errors.New("no route"))
	assert.Error(t, h.listener.Send(o))
	assert.Equal(t, uint64(1), h.listener.Stats().Snapshot().SendErrors)
}

func TestShutdownClosesSocket(t *testing.T) {
	h := startHarness(t)
	h.stop(t)
	assert.True(t, h.socket.IsClosed())
	assert.Nil(t, h.listener.LocalAddr())
	assert.ErrorIs(t, h.listener.Send(tracker.Outbound{
		Endpoint: testPeer,
		Packet:   protocol.NewPacket(testHW, 1, protocol.Heartbeat{}),
	}), ErrNotRunning)
	assert.NoError(t, h.listener.Close())
}

func TestCloseEndsStart(t *testing.T) {
	h := startHarness(t)
	require.NoError(t, h.listener.Close())
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Close")
	}
	h.cancel()
	h.cancel = nil
}

func TestStartTwiceIsRejected(t *testing.T) {
	h := startHarness(t)
	assert.ErrorIs(t, h.listener.Start(context.Background()), ErrAlreadyStarted)
	h.stop(t)
	assert.ErrorIs(t, h.listener.Start(context.Background()), ErrAlreadyStarted)
}

func TestBindFailureIsTransportError(t *testing.T) {
	l := NewListener(ListenerConfig{
		Address:       "127.0.0.1:0",
		Registry:      tracker.NewRegistry(tracker.Options{}),
		SocketFactory: &MockUDPSocketFactory{Error: errors.New("address in use")},
	})
	err := l.Start(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "listen", te.Op)

	l = NewListener(ListenerConfig{Address: "not an address", Registry: tracker.NewRegistry(tracker.Options{})})
	require.ErrorAs(t, l.Start(context.Background()), &te)
	assert.Equal(t, "resolve", te.Op)
}

func TestRealSocketRoundTrip(t *testing.T) {
	registry := tracker.NewRegistry(tracker.Options{})
	l := NewListener(ListenerConfig{Address: "127.0.0.1:0", Registry: registry})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()
	<-l.Ready()

	server, err := netip.ParseAddrPort(l.LocalAddr().String())
	require.NoError(t, err)
	client, err := RealUDPSocketFactory{}.ListenUDP("udp", nil)
	require.NoError(t, err)
	defer client.Close()

	raw, err := protocol.Encode(protocol.NewPacket(testHW, 1, protocol.Handshake{Family: flags.FamilyBno0XX}))
	require.NoError(t, err)
	_, err = client.WriteToUDPAddrPort(raw, server)
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, protocol.MaxDatagramSize)
	n, _, err := client.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	p, err := protocol.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, protocol.HandshakeAck{TrackerID: 1}, p.Body)
}
