package collab

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/memecraft/backend/internal/metrics"
	"github.com/manpreetbhatti/memecraft/backend/internal/protocol"
)

type published struct {
	documentID string
	frame      []byte
	exclude    string
}

type captureFanout struct {
	mu   sync.Mutex
	sent []published
}

func (f *captureFanout) Publish(documentID string, frame []byte, exclude string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{documentID, frame, exclude})
}

func newRoomsWithPeers(ids ...string) (*Rooms, map[string]*testPeer) {
	rooms := NewRooms(testLogger(), nil)
	peers := make(map[string]*testPeer, len(ids))
	for _, id := range ids {
		p := &testPeer{id: id}
		rooms.Attach(p)
		rooms.Subscribe(id, "doc1")
		peers[id] = p
	}
	return rooms, peers
}

func TestRoomsBroadcastExclude(t *testing.T) {
	rooms, peers := newRoomsWithPeers("a", "b", "c")

	n := rooms.Broadcast("doc1", protocol.EventCursorMoved, protocol.CursorMoved{UserID: "u1"}, "a")
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, peers["a"].total())
	assert.Len(t, peers["b"].received(protocol.EventCursorMoved), 1)
	assert.Len(t, peers["c"].received(protocol.EventCursorMoved), 1)
}

func TestRoomsFailingPeerDoesNotStopDelivery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rooms := NewRooms(testLogger(), m)

	peers := []*testPeer{{id: "a"}, {id: "b", fail: true}, {id: "c"}}
	for _, p := range peers {
		rooms.Attach(p)
		rooms.Subscribe(p.id, "doc1")
	}

	n := rooms.Broadcast("doc1", protocol.EventNewComment, protocol.Comment{ID: "x"}, "")
	assert.Equal(t, 2, n)
	assert.Len(t, peers[0].received(protocol.EventNewComment), 1)
	assert.Len(t, peers[2].received(protocol.EventNewComment), 1)

	expected := `
# HELP memecraft_collab_delivery_failures_total Per-recipient send failures.
# TYPE memecraft_collab_delivery_failures_total counter
memecraft_collab_delivery_failures_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"memecraft_collab_delivery_failures_total"))
}

func TestRoomsBroadcastToEmptyRoom(t *testing.T) {
	rooms := NewRooms(testLogger(), nil)
	assert.Equal(t, 0, rooms.Broadcast("nobody", protocol.EventCursorMoved, protocol.CursorMoved{}, ""))
}

func TestRoomsUnicast(t *testing.T) {
	rooms, peers := newRoomsWithPeers("a", "b")

	assert.True(t, rooms.Unicast("a", protocol.EventError, protocol.Error{Message: "nope"}))
	assert.Len(t, peers["a"].received(protocol.EventError), 1)
	assert.Equal(t, 0, peers["b"].total())

	assert.False(t, rooms.Unicast("ghost", protocol.EventError, protocol.Error{Message: "nope"}))
}

func TestRoomsDetachRemovesSubscriptions(t *testing.T) {
	rooms, _ := newRoomsWithPeers("a", "b")
	rooms.Subscribe("a", "doc2")

	assert.Equal(t, 2, rooms.RoomCount())
	assert.True(t, rooms.Detach("a"))
	assert.False(t, rooms.Detach("a"))

	assert.False(t, rooms.Subscribed("a", "doc1"))
	assert.Equal(t, 1, rooms.SubscriberCount("doc1"))
	assert.Equal(t, 1, rooms.RoomCount(), "doc2 group is gone with its only member")
	assert.Equal(t, 1, rooms.PeerCount())
}

func TestRoomsUnsubscribe(t *testing.T) {
	rooms, peers := newRoomsWithPeers("a", "b")
	rooms.Unsubscribe("b", "doc1")
	rooms.Unsubscribe("b", "doc1")
	rooms.Unsubscribe("b", "missing")

	rooms.Broadcast("doc1", protocol.EventCursorMoved, protocol.CursorMoved{}, "")
	assert.Equal(t, 1, peers["a"].total())
	assert.Equal(t, 0, peers["b"].total())
}

func TestRoomsFanoutGetsEncodedFrame(t *testing.T) {
	rooms, _ := newRoomsWithPeers("a")
	fanout := &captureFanout{}
	rooms.SetFanout(fanout)

	rooms.Broadcast("doc1", protocol.EventCursorMoved, protocol.CursorMoved{UserID: "u1"}, "a")
	rooms.Broadcast("empty", protocol.EventCursorMoved, protocol.CursorMoved{UserID: "u1"}, "")

	require.Len(t, fanout.sent, 2)
	assert.Equal(t, "doc1", fanout.sent[0].documentID)
	assert.Equal(t, "a", fanout.sent[0].exclude)
	assert.JSONEq(t, `{"event":"cursor-moved","data":{"user_id":"u1","username":"","position":null}}`,
		string(fanout.sent[0].frame))
	assert.Equal(t, "empty", fanout.sent[1].documentID)
}

func TestRoomsDeliverSkipsFanout(t *testing.T) {
	rooms, peers := newRoomsWithPeers("a", "b")
	fanout := &captureFanout{}
	rooms.SetFanout(fanout)

	frame, err := protocol.Encode(protocol.EventCanvasUpdated, protocol.CanvasUpdated{DocumentID: "doc1"})
	require.NoError(t, err)

	assert.Equal(t, 1, rooms.Deliver("doc1", frame, "b"))
	assert.Equal(t, 1, peers["a"].total())
	assert.Empty(t, fanout.sent)
}
