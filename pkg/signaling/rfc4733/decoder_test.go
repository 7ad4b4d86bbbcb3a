package rfc4733

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/switchcore/pkg/channel"
	"github.com/arzzra/switchcore/pkg/signaling"
	"github.com/arzzra/switchcore/pkg/signaling/sipstack"
)

type recordingDeliverer struct {
	mu     sync.Mutex
	events []signaling.Event
}

func (r *recordingDeliverer) Deliver(ev signaling.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingDeliverer) digits() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := ""
	for _, ev := range r.events {
		out += ev.Digits
	}
	return out
}

func TestPayloadRoundTrip(t *testing.T) {
	p := Payload{Event: 11, End: true, Volume: 10, Duration: 800}
	got, err := DecodePayload(p.Marshal())
	require.NoError(t, err)
	assert.Equal(t, p, got)

	d, ok := got.Digit()
	assert.True(t, ok)
	assert.Equal(t, byte('#'), d)

	_, ok = Payload{Event: 16}.Digit()
	assert.False(t, ok, "flash не цифра")

	_, err = DecodePayload([]byte{1, 2})
	assert.Error(t, err)
}

func TestDecoderDeduplicatesEndPackets(t *testing.T) {
	out := &recordingDeliverer{}
	d := NewDecoder(channel.New(channel.DefaultConfig()), 101, out, nil)

	pkts, err := Packets(101, 1234, 10, 16000, '5', 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, pkts, 6)

	for _, p := range pkts {
		handled, err := d.ProcessPacket(p)
		require.NoError(t, err)
		assert.True(t, handled)
	}
	assert.Equal(t, "5", out.digits(), "три End пакета дают одну цифру")

	pkts, err = Packets(101, 1234, 16, 17600, '5', 100*time.Millisecond)
	require.NoError(t, err)
	for _, p := range pkts {
		_, err := d.ProcessPacket(p)
		require.NoError(t, err)
	}
	assert.Equal(t, "55", out.digits(), "новое нажатие той же цифры с новым timestamp")
	assert.Equal(t, 2, d.Decoded())
}

func TestDecoderIgnoresOtherPayloadTypes(t *testing.T) {
	out := &recordingDeliverer{}
	d := NewDecoder(channel.New(channel.DefaultConfig()), 101, out, nil)

	handled, err := d.ProcessPacket(&rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 0}, Payload: make([]byte, 160)})
	require.NoError(t, err)
	assert.False(t, handled)

	handled, err = d.ProcessPacket(&rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 101}, Payload: []byte{1}})
	assert.True(t, handled)
	assert.Error(t, err)
	assert.Empty(t, out.digits())
}

func TestDecoderWriteRaw(t *testing.T) {
	out := &recordingDeliverer{}
	d := NewDecoder(channel.New(channel.DefaultConfig()), 96, out, nil)

	pkts, err := Packets(96, 1, 1, 800, 'A', 50*time.Millisecond)
	require.NoError(t, err)
	for _, p := range pkts {
		raw, err := p.Marshal()
		require.NoError(t, err)
		_, err = d.Write(raw)
		require.NoError(t, err)
	}
	assert.Equal(t, "A", out.digits())

	_, err = d.Write([]byte{0x80})
	assert.Error(t, err)
}

func TestPacketsRejectsInvalidDigit(t *testing.T) {
	_, err := Packets(101, 1, 1, 1, 'x', time.Millisecond)
	assert.ErrorIs(t, err, channel.ErrInvalidDTMF)
}

func TestPacketsDurationSaturates(t *testing.T) {
	tests := []struct {
		duration time.Duration
		want     uint16
	}{
		{100 * time.Millisecond, 800},
		{MaxDuration, 0xFFFF},
		{10 * time.Second, 0xFFFF},
		{time.Hour, 0xFFFF},
		{-time.Second, 0},
	}
	for _, tt := range tests {
		packets, err := Packets(101, 1, 1, 1, '5', tt.duration)
		require.NoError(t, err)
		for _, p := range packets {
			payload, err := DecodePayload(p.Payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, payload.Duration, "длительность %s", tt.duration)
		}
	}
}

func TestDecoderQueuesDigitsThroughBridge(t *testing.T) {
	ch := channel.New(channel.DefaultConfig())
	bridge := signaling.NewBridge(signaling.BridgeConfig{})
	d := NewDecoder(ch, 101, bridge, nil)

	for i, digit := range []byte("12#") {
		pkts, err := Packets(101, 7, uint16(i*6), uint32(i)*1600, digit, 80*time.Millisecond)
		require.NoError(t, err)
		for _, p := range pkts {
			_, err := d.ProcessPacket(p)
			require.NoError(t, err)
		}
	}

	buf := make([]byte, 8)
	n := ch.DequeueDTMF(buf)
	assert.Equal(t, "12#", string(buf[:n]))
}

func driveToExecute(t *testing.T, ch *channel.Channel) {
	t.Helper()
	for _, s := range []channel.State{channel.StateInit, channel.StateRouting, channel.StateExecute} {
		_, err := ch.SetState(s)
		require.NoError(t, err)
	}
}

func TestListenerServesRegisteredChannels(t *testing.T) {
	conn, err := ListenPacket(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	sender, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sender.Close()

	ch := channel.New(channel.DefaultConfig())
	bridge := signaling.NewBridge(signaling.BridgeConfig{})
	l := NewListener(bridge, nil)
	_, err = ch.AddStateHandler(l.Table())
	require.NoError(t, err)

	host, port, err := net.SplitHostPort(sender.LocalAddr().String())
	require.NoError(t, err)
	require.NoError(t, ch.SetVariable(sipstack.VarRemoteMediaIP, host))
	require.NoError(t, ch.SetVariable(sipstack.VarRemoteMediaPort, port))
	require.NoError(t, ch.SetVariable(sipstack.VarTelephoneEventPT, strconv.Itoa(101)))

	driveToExecute(t, ch)
	assert.Equal(t, 1, l.Len())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- l.Serve(ctx, conn) }()

	pkts, err := Packets(101, 9, 1, 3200, '9', 60*time.Millisecond)
	require.NoError(t, err)
	for _, p := range pkts {
		raw, err := p.Marshal()
		require.NoError(t, err)
		_, err = sender.WriteTo(raw, conn.LocalAddr())
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return ch.HasDTMF() == 1 }, time.Second, 5*time.Millisecond)

	ch.Hangup(channel.CauseNormalClearing)
	assert.Equal(t, 0, l.Len())

	cancel()
	select {
	case err := <-served:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve не завершился после отмены контекста")
	}
}

func TestListenerSkipsChannelsWithoutMedia(t *testing.T) {
	ch := channel.New(channel.DefaultConfig())
	l := NewListener(&recordingDeliverer{}, nil)
	_, err := ch.AddStateHandler(l.Table())
	require.NoError(t, err)

	driveToExecute(t, ch)
	assert.Equal(t, 0, l.Len())
}
