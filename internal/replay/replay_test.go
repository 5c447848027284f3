package replay

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/tracker_server/internal/flags"
	"github.com/relabs-tech/tracker_server/internal/protocol"
	"github.com/relabs-tech/tracker_server/internal/tracker"
)

var hw = protocol.HardwareID{MAC: [6]byte{0x24, 0x0a, 0xc4, 7, 7, 7}}

type capture struct {
	t   *testing.T
	buf bytes.Buffer
	w   *pcapgo.Writer
}

func newCapture(t *testing.T) *capture {
	c := &capture{t: t}
	c.w = pcapgo.NewWriter(&c.buf)
	require.NoError(t, c.w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	return c
}

func (c *capture) add(ts time.Time, dstPort uint16, payload []byte) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(hw.MAC[:]),
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 1, 50),
		DstIP:    net.IPv4(192, 168, 1, 2),
	}
	udp := &layers.UDP{SrcPort: 4210, DstPort: layers.UDPPort(dstPort)}
	require.NoError(c.t, udp.SetNetworkLayerForChecksum(ip))

	out := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(c.t, gopacket.SerializeLayers(out, opts, eth, ip, udp, gopacket.Payload(payload)))
	data := out.Bytes()
	require.NoError(c.t, c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data))
}

func (c *capture) addPacket(ts time.Time, p protocol.Packet) {
	raw, err := protocol.Encode(p)
	require.NoError(c.t, err)
	c.add(ts, 6969, raw)
}

func TestReplayRebuildsRegistry(t *testing.T) {
	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	c := newCapture(t)
	c.addPacket(start, protocol.NewPacket(hw, 1, protocol.Handshake{Family: flags.FamilyBno0XX, Firmware: "0.6"}))
	c.addPacket(start.Add(10*time.Millisecond), protocol.NewPacket(hw, 2, protocol.SensorInfo{
		Family: flags.FamilyBno0XX,
		Status: protocol.SensorOK,
		Flags:  []flags.SensorFlag{flags.NewBno0XX(flags.Bno0XXMagEnabled, true)},
	}))
	c.addPacket(start.Add(20*time.Millisecond), protocol.NewPacket(hw, 3, protocol.Telemetry{Rotation: [4]float32{0, 0, 0, 1}}))
	c.add(start.Add(30*time.Millisecond), 6969, []byte{0xde, 0xad})
	// a reply captured on the way back is not replayed
	c.add(start.Add(40*time.Millisecond), 4210, []byte{1, 2, 3, 4})

	res, err := Run(context.Background(), &c.buf, Options{Port: 6969})
	require.NoError(t, err)

	assert.Equal(t, 5, res.Packets)
	assert.Equal(t, 4, res.Datagrams)
	assert.Equal(t, 3, res.Decoded)
	assert.Equal(t, 1, res.DecodeErrors["too_short"])
	assert.Equal(t, 2, res.Replies)
	assert.Equal(t, 1, res.Events["flag_changed"])

	require.Len(t, res.Trackers, 1)
	s := res.Trackers[0]
	assert.Equal(t, uint32(1), s.ID)
	assert.Equal(t, tracker.Active, s.State)
	assert.Equal(t, "192.168.1.50:4210", s.Endpoint.String())
	assert.True(t, start.Add(20*time.Millisecond).Equal(s.LastSeen), "last seen %v", s.LastSeen)
	assert.Equal(t, "0.6", s.Device.Firmware)
}

func TestReplayAppliesCaptureTimeouts(t *testing.T) {
	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	other := protocol.HardwareID{MAC: [6]byte{0x24, 0x0a, 0xc4, 8, 8, 8}}
	c := newCapture(t)
	c.addPacket(start, protocol.NewPacket(hw, 1, protocol.Handshake{Family: flags.FamilyBno0XX}))
	c.addPacket(start.Add(5*time.Second), protocol.NewPacket(other, 1, protocol.Handshake{Family: flags.FamilyBmi160}))

	res, err := Run(context.Background(), &c.buf, Options{
		Registry: tracker.Options{HeartbeatTimeout: 2 * time.Second, RemovalGrace: time.Minute},
	})
	require.NoError(t, err)
	require.Len(t, res.Trackers, 2)
	assert.Equal(t, tracker.TimedOut, res.Trackers[0].State)
	assert.Equal(t, tracker.Active, res.Trackers[1].State)
}

func TestReplayRejectsNonPcap(t *testing.T) {
	_, err := Run(context.Background(), bytes.NewReader([]byte("not a capture")), Options{})
	assert.Error(t, err)
}

func TestReplayHonoursCancel(t *testing.T) {
	c := newCapture(t)
	c.addPacket(time.Now(), protocol.NewPacket(hw, 1, protocol.Heartbeat{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, &c.buf, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
