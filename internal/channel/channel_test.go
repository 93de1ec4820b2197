package channel

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jaywantadh/resumable/internal/apperr"
	"github.com/stretchr/testify/require"
)

func TestConnRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	client, server := NewConn(a), NewConn(b)
	defer client.Close()
	defer server.Close()

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	go func() {
		_ = client.Send(StartMessage(Start{ID: "u1", FileName: "f.bin", FileSize: 4096, ChunkSize: 4096, Version: ProtocolVersion}), time.Second)
		_ = client.Send(ChunkMessage(Chunk{Offset: 0, Payload: payload}), time.Second)
	}()

	msg, err := server.Receive(time.Second)
	require.NoError(t, err)
	require.Equal(t, TypeStart, msg.Type)
	require.Equal(t, "u1", msg.Start.ID)
	require.Equal(t, uint64(4096), msg.Start.FileSize)

	msg, err = server.Receive(time.Second)
	require.NoError(t, err)
	require.Equal(t, TypeChunk, msg.Type)
	require.Equal(t, payload, msg.Chunk.Payload)
}

func TestReceiveTimeoutIsTransportError(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := NewConn(b).Receive(20 * time.Millisecond)
	require.Error(t, err)
	require.True(t, errors.Is(err, apperr.ErrTransport))
	require.True(t, IsTimeout(err))
}

func TestFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"type":"ack","ack":{"bytes_received":3}}`)))
	data, err := ReadFrame(&buf)
	require.NoError(t, err)
	msg, err := DeserializeMessage(data)
	require.NoError(t, err)
	require.Equal(t, uint64(3), msg.Ack.BytesReceived)

	buf.Reset()
	buf.Write([]byte{0, 0, 0, 0})
	_, err = ReadFrame(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)

	buf.Reset()
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err = ReadFrame(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestSendRejectsOversizedFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	err := NewConn(a).Send(ChunkMessage(Chunk{Payload: make([]byte, MaxFrameSize)}), time.Second)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.ErrorIs(t, err, apperr.ErrProtocolViolation)
	require.False(t, apperr.Retryable(err))
}

func TestDeserializeRejectsMissingBody(t *testing.T) {
	_, err := DeserializeMessage([]byte(`{"type":"chunk"}`))
	require.Error(t, err)
	_, err = DeserializeMessage([]byte(`{"type":"bogus"}`))
	require.Error(t, err)
	_, err = DeserializeMessage([]byte(`{"type":"complete"}`))
	require.NoError(t, err)
}

func TestBusSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus()
	var got []EventKind
	unsubscribe := bus.Subscribe(func(ev Event) { got = append(got, ev.Kind) })
	var second int
	bus.Subscribe(func(Event) { second++ })

	bus.Publish(Event{Kind: EventStart})
	unsubscribe()
	unsubscribe()
	bus.Publish(Event{Kind: EventProgress})

	require.Equal(t, []EventKind{EventStart}, got)
	require.Equal(t, 2, second)

	var nilBus *Bus
	nilBus.Publish(Event{Kind: EventError})
}
