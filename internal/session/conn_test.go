package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeConn records what the session does to a socket.
type fakeConn struct {
	mu          sync.Mutex
	id          string
	participant string // non-empty makes it Identified
	sent        [][]byte
	closed      bool
	code        int
	reason      string
	failSend    bool
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend || c.closed {
		return errors.New("send failed")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed, c.code, c.reason = true, code, reason
}

func (c *fakeConn) closeCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return 0
	}
	return c.code
}

// messages returns the type field of every frame sent so far.
func (c *fakeConn) messages(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.sent))
	for _, raw := range c.sent {
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &head))
		out = append(out, head.Type)
	}
	return out
}

func (c *fakeConn) last(t *testing.T, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent)
	require.NoError(t, json.Unmarshal(c.sent[len(c.sent)-1], v))
}

type identifiedConn struct {
	*fakeConn
}

func (c identifiedConn) ParticipantID() string { return c.participant }

func frame(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func joinFrame(t *testing.T, pid string) []byte {
	return frame(t, Inbound{Type: TypeJoin, ParticipantID: pid})
}

func inputFrame(t *testing.T, pid, move string) []byte {
	return frame(t, Inbound{Type: TypeInput, ParticipantID: pid, Move: move})
}
