package collab

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/memecraft/backend/internal/protocol"
)

var errPeerGone = errors.New("peer gone")

// testPeer records every frame delivered to it.
type testPeer struct {
	id     string
	mu     sync.Mutex
	frames []protocol.Frame
	fail   bool
}

func (p *testPeer) ID() string { return p.id }

func (p *testPeer) Send(frame []byte) error {
	if p.fail {
		return errPeerGone
	}
	f, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.frames = append(p.frames, f)
	p.mu.Unlock()
	return nil
}

func (p *testPeer) received(event string) []protocol.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []protocol.Frame
	for _, f := range p.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (p *testPeer) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func (p *testPeer) reset() {
	p.mu.Lock()
	p.frames = nil
	p.mu.Unlock()
}

func payload[T any](t *testing.T, f protocol.Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(opts ...RouterOption) *Service {
	return New(testLogger(), nil, opts...)
}

func connect(svc *Service, id string) *testPeer {
	p := &testPeer{id: id}
	svc.Lifecycle.OnConnect(p)
	return p
}

func send(t *testing.T, svc *Service, p *testPeer, event string, data any) error {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(t, err)
	return svc.Router.Dispatch(context.Background(), p.id, raw)
}

func join(t *testing.T, svc *Service, p *testPeer, documentID, userID, username string) {
	t.Helper()
	require.NoError(t, send(t, svc, p, protocol.EventJoinMeme, map[string]string{
		"document_id": documentID,
		"user_id":     userID,
		"username":    username,
	}))
}
