package bus

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Whisper/internal/config"
	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	in := core.BusMessage{
		Origin: "node-a",
		Room:   domain.GroupRoom(7),
		Frame:  core.Frame(`{"type":"typing"}`),
	}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in.Origin, out.Origin)
	assert.Equal(t, in.Room, out.Room)
	assert.JSONEq(t, `{"type":"typing"}`, string(out.Frame))
}

func TestDecode_Rejects(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"room":"group_1","frame":"e30="}`,
		`{"origin":"a","room":"group_1"}`,
		`{"origin":"a","frame":"e30="}`,
	} {
		_, err := Decode([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func runServer(t *testing.T) string {
	t.Helper()
	srv := natstest.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func TestNATS_PublishSubscribe(t *testing.T) {
	url := runServer(t)
	cfg := config.NATS{URL: url, Subject: "whisper.test"}

	sender, err := Connect(cfg, "node-a")
	require.NoError(t, err)
	t.Cleanup(sender.Close)
	receiver, err := Connect(cfg, "node-b")
	require.NoError(t, err)
	t.Cleanup(receiver.Close)

	got := make(chan core.BusMessage, 4)
	require.NoError(t, receiver.Subscribe(func(m core.BusMessage) { got <- m }))
	require.NoError(t, receiver.nc.Flush())

	// Malformed payloads are dropped before the handler.
	require.NoError(t, sender.nc.Publish("whisper.test", []byte(`{"origin":"x"}`)))
	require.NoError(t, sender.Publish(context.Background(), core.BusMessage{
		Origin: "node-a",
		User:   7,
		Frame:  core.Frame(`{"type":"message"}`),
	}))

	select {
	case m := <-got:
		assert.Equal(t, "node-a", m.Origin)
		assert.Equal(t, domain.UserID(7), m.User)
		assert.JSONEq(t, `{"type":"message"}`, string(m.Frame))
	case <-time.After(2 * time.Second):
		t.Fatal("bus message not delivered")
	}
	assert.Empty(t, got)
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(config.NATS{URL: "nats://127.0.0.1:1"}, "node-a")
	assert.Error(t, err)
}
