package exitnode

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/exitplane/internal/store"
	"github.com/tunnelmesh/exitplane/pkg/proto"
)

func TestHTTPDispatcher_AddPeer(t *testing.T) {
	var got proto.Peer
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/peer", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher()
	node := &store.ExitNode{ID: 1, ReachableAt: srv.URL}
	err := d.AddPeer(context.Background(), node, proto.Peer{PublicKey: "pk", AllowedIPs: []string{"10.0.0.16/28"}})
	require.NoError(t, err)
	assert.Equal(t, "pk", got.PublicKey)
	assert.Equal(t, []string{"10.0.0.16/28"}, got.AllowedIPs)
}

func TestHTTPDispatcher_RemovePeer(t *testing.T) {
	var method, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		key = r.URL.Query().Get("public_key")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher()
	node := &store.ExitNode{ID: 1, ReachableAt: srv.URL + "/"}
	require.NoError(t, d.RemovePeer(context.Background(), node, "abc+/="))
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "abc+/=", key)
}

func TestHTTPDispatcher_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "wireguard down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher()
	err := d.AddPeer(context.Background(), &store.ExitNode{ID: 1, ReachableAt: srv.URL}, proto.Peer{PublicKey: "pk"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	err = d.AddPeer(context.Background(), &store.ExitNode{ID: 2}, proto.Peer{PublicKey: "pk"})
	assert.ErrorIs(t, err, ErrNotReachable)
}

type fakeSender struct {
	exitNodeID int
	msgType    string
	data       any
	err        error
}

func (f *fakeSender) SendToExitNode(exitNodeID int, msgType string, data any) error {
	f.exitNodeID, f.msgType, f.data = exitNodeID, msgType, data
	return f.err
}

func TestChannelDispatcher(t *testing.T) {
	sender := &fakeSender{}
	d := &ChannelDispatcher{Sender: sender}
	node := &store.ExitNode{ID: 7, Type: store.ExitNodeRemote}

	peer := proto.Peer{PublicKey: "pk", AllowedIPs: []string{"10.0.0.16/28"}}
	require.NoError(t, d.AddPeer(context.Background(), node, peer))
	assert.Equal(t, 7, sender.exitNodeID)
	assert.Equal(t, proto.MsgPeersAdd, sender.msgType)
	assert.Equal(t, peer, sender.data)

	require.NoError(t, d.RemovePeer(context.Background(), node, "pk"))
	assert.Equal(t, proto.MsgPeersRemove, sender.msgType)
	assert.Equal(t, proto.PeerRemove{PublicKey: "pk"}, sender.data)

	sender.err = errors.New("not connected")
	assert.Error(t, d.AddPeer(context.Background(), node, peer))
}

func TestTypeDispatcher(t *testing.T) {
	local := &recordingDispatcher{}
	remote := &recordingDispatcher{}
	d := &TypeDispatcher{Local: local, Remote: remote}
	ctx := context.Background()

	require.NoError(t, d.AddPeer(ctx, &store.ExitNode{ID: 1, Type: store.ExitNodeGerbil}, proto.Peer{PublicKey: "a"}))
	require.NoError(t, d.RemovePeer(ctx, &store.ExitNode{ID: 2, Type: store.ExitNodeRemote}, "b"))

	assert.Len(t, local.ops, 1)
	assert.Len(t, remote.ops, 1)
	assert.Equal(t, "remove", remote.ops[0].op)

	err := d.AddPeer(ctx, &store.ExitNode{ID: 3, Type: "unknown"}, proto.Peer{PublicKey: "c"})
	assert.Error(t, err)
}
