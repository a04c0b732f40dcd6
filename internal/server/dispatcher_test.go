package server

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/presence-relay/internal/presence"
	"github.com/Tyrowin/presence-relay/internal/shard"
)

func openSession(t *testing.T, f *fixture, id, space, host string) *fakeConn {
	t.Helper()
	conn := newFakeConn(id)
	_, err := f.manager.Open(conn, UpgradeContext{Space: space, Host: host})
	require.NoError(t, err)
	return conn
}

func TestDispatch_LoginMergesRecord(t *testing.T) {
	f := newFixture()
	conn := openSession(t, f, "c1", "b", "game.example.com")
	events := record(f.bus, "server1::login")

	frame := presence.Record{
		ID:       presence.Ptr[uint32](7),
		Nickname: presence.Ptr("Bob"),
	}.Marshal()
	require.NoError(t, f.dispatcher.Dispatch(conn, websocket.BinaryMessage, frame))

	msg := events.next(t)
	session, ok := msg.Payload.(presence.Session)
	require.True(t, ok)
	require.NotNil(t, session.ID)
	assert.Equal(t, uint32(7), *session.ID)
	require.NotNil(t, session.Nickname)
	assert.Equal(t, "Bob", *session.Nickname)
	assert.Equal(t, "b", session.Space)
	assert.Equal(t, "game.example.com", session.Host)
	assert.Equal(t, uint64(1), session.DeviceID)
	assert.Equal(t, 1, session.Server)

	stored, err := f.manager.Lookup(conn)
	require.NoError(t, err)
	assert.Equal(t, session, stored)
}

func TestDispatch_LoginRetainsEarlierFields(t *testing.T) {
	f := newFixture()
	conn := openSession(t, f, "c1", "a", "h")

	first := presence.Record{Nickname: presence.Ptr("Ann"), Avatar: presence.Ptr("cat")}.Marshal()
	second := presence.Record{Nickname: presence.Ptr("Anna")}.Marshal()
	require.NoError(t, f.dispatcher.Dispatch(conn, websocket.BinaryMessage, first))
	require.NoError(t, f.dispatcher.Dispatch(conn, websocket.BinaryMessage, second))

	session, err := f.manager.Lookup(conn)
	require.NoError(t, err)
	assert.Equal(t, "Anna", *session.Nickname)
	assert.Equal(t, "cat", *session.Avatar)
}

func TestDispatch_EmptyBinaryFrameIsLogin(t *testing.T) {
	f := newFixture()
	conn := openSession(t, f, "c1", "a", "h")
	events := record(f.bus, "server1::login")

	require.NoError(t, f.dispatcher.Dispatch(conn, websocket.BinaryMessage, nil))

	session := events.next(t).Payload.(presence.Session)
	assert.Nil(t, session.ID)
	assert.Equal(t, presence.DefaultType, session.Type)
}

func TestHandle_MalformedBinaryFrame(t *testing.T) {
	f := newFixture()
	conn := openSession(t, f, "c1", "a", "h")
	before, err := f.manager.Lookup(conn)
	require.NoError(t, err)
	events := record(f.bus, "server1::login", "server1::close")

	// Tag for field 1 as a varint with the value missing.
	f.dispatcher.Handle(conn, websocket.BinaryMessage, []byte{0x08})

	events.none(t, 20*time.Millisecond)
	after, err := f.manager.Lookup(conn)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.False(t, conn.isClosed())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DecodeErrors.WithLabelValues(presence.KindBinary)))
}

func TestDispatch_MalformedBinaryReturnsDecodeError(t *testing.T) {
	f := newFixture()
	conn := openSession(t, f, "c1", "a", "h")

	err := f.dispatcher.Dispatch(conn, websocket.BinaryMessage, []byte{0x08})

	var decodeErr *presence.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, presence.KindBinary, decodeErr.Kind)
}

func TestDispatch_Location(t *testing.T) {
	f := newFixture()
	conn := openSession(t, f, "c1", "a", "h")
	events := record(f.bus, "server1::location")

	raw := []byte(`{"x":1,"y":2}`)
	require.NoError(t, f.dispatcher.Dispatch(conn, websocket.TextMessage, raw))

	msg := events.next(t)
	loc, ok := msg.Payload.(presence.Location)
	require.True(t, ok)
	assert.Equal(t, uint64(1), loc.Session.DeviceID)
	assert.Equal(t, map[string]any{"x": float64(1), "y": float64(2)}, loc.Value)
	assert.Equal(t, raw, loc.Raw)

	raw[1] = 'z'
	assert.Equal(t, []byte(`{"x":1,"y":2}`), loc.Raw)
}

func TestDispatch_LocationAcceptsAnyJSONValue(t *testing.T) {
	f := newFixture()
	conn := openSession(t, f, "c1", "a", "h")
	events := record(f.bus, "server1::location")

	require.NoError(t, f.dispatcher.Dispatch(conn, websocket.TextMessage, []byte(`[1,2,3]`)))
	require.NoError(t, f.dispatcher.Dispatch(conn, websocket.TextMessage, []byte(`"north"`)))

	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, events.next(t).Payload.(presence.Location).Value)
	assert.Equal(t, "north", events.next(t).Payload.(presence.Location).Value)
}

func TestHandle_InvalidJSON(t *testing.T) {
	f := newFixture()
	conn := openSession(t, f, "c1", "a", "h")
	events := record(f.bus, "server1::location")

	f.dispatcher.Handle(conn, websocket.TextMessage, []byte(`{"x":`))

	events.none(t, 20*time.Millisecond)
	assert.False(t, conn.isClosed())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DecodeErrors.WithLabelValues(presence.KindText)))
}

func TestDispatch_UnknownConnection(t *testing.T) {
	f := newFixture()
	events := record(f.bus, "server1::login", "server1::location")
	ghost := newFakeConn("ghost")

	err := f.dispatcher.Dispatch(ghost, websocket.BinaryMessage, presence.Record{Nickname: presence.Ptr("x")}.Marshal())
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = f.dispatcher.Dispatch(ghost, websocket.TextMessage, []byte(`{}`))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	events.none(t, 20*time.Millisecond)
}

func TestDispatch_TopicFollowsSessionShard(t *testing.T) {
	f := newFixture()
	early := openSession(t, f, "early", "a", "h")
	require.NoError(t, f.shards.ReceiveBalancerSignal(shard.StateBusy, "server1"))
	late := openSession(t, f, "late", "a", "h")

	events := record(f.bus, "server1::location", "server2::location")

	require.NoError(t, f.dispatcher.Dispatch(late, websocket.TextMessage, []byte(`{"n":2}`)))
	require.NoError(t, f.dispatcher.Dispatch(early, websocket.TextMessage, []byte(`{"n":1}`)))

	assert.Equal(t, "server2::location", events.next(t).Topic)
	assert.Equal(t, "server1::location", events.next(t).Topic)
}

func TestDispatch_UnsupportedMessageType(t *testing.T) {
	f := newFixture()
	conn := openSession(t, f, "c1", "a", "h")

	err := f.dispatcher.Dispatch(conn, websocket.PingMessage, nil)
	assert.ErrorContains(t, err, "unsupported message type")
}
