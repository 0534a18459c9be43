package overlay

import (
	"context"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmarket/node/internal/gsb"
	"github.com/fluxmarket/node/internal/identity"
)

// staticResolver resolves every node to the same pre-recorded address, used
// to exercise getOrOpenSession without a real relay/DHT.
type staticResolver struct {
	info peer.AddrInfo
	err  error
}

func (r staticResolver) Resolve(ctx context.Context, node identity.NodeID) (peer.AddrInfo, error) {
	return r.info, r.err
}

type recordingBus struct {
	calls []string
}

func (b *recordingBus) Call(ctx context.Context, address string, caller identity.NodeID, payload []byte) (<-chan gsb.Chunk, error) {
	b.calls = append(b.calls, address)
	ch := make(chan gsb.Chunk, 1)
	ch <- gsb.Chunk{Data: payload, Type: gsb.Full, Code: gsb.CallReplyOk}
	close(ch)
	return ch, nil
}

func TestOverlay_New_StartsHostWithNodeID(t *testing.T) {
	bus := &recordingBus{}
	o, err := New(Config{ListenAddr: "/ip4/127.0.0.1/tcp/0"}, bus, staticResolver{})
	require.NoError(t, err)
	defer o.Close()

	assert.NotEmpty(t, o.NodeID())
}

func TestOverlay_ResolveFailure_PropagatesAsError(t *testing.T) {
	bus := &recordingBus{}
	resolveErr := assert.AnError
	o, err := New(Config{ListenAddr: "/ip4/127.0.0.1/tcp/0"}, bus, staticResolver{err: resolveErr})
	require.NoError(t, err)
	defer o.Close()

	_, err = o.Call(context.Background(), "unknown-node", "/public/x", identity.NodeID("me"), nil)
	require.Error(t, err)
}

func TestOverlay_DispatchReply_RoutesToPendingChannel(t *testing.T) {
	bus := &recordingBus{}
	o, err := New(Config{ListenAddr: "/ip4/127.0.0.1/tcp/0"}, bus, staticResolver{})
	require.NoError(t, err)
	defer o.Close()

	ch := make(chan gsb.Chunk, 1)
	o.pendingMu.Lock()
	o.pending["req-1"] = ch
	o.pendingMu.Unlock()

	o.dispatch(identity.NodeID("peer"), &gsb.Packet{
		Kind: gsb.KindCallReply,
		Reply: &gsb.CallReply{
			RequestID: "req-1",
			Code:      gsb.CallReplyOk,
			ReplyType: gsb.Full,
			Data:      []byte("hello"),
		},
	})

	select {
	case chunk := <-ch:
		assert.Equal(t, "hello", string(chunk.Data))
	default:
		t.Fatal("expected chunk to be delivered to pending channel")
	}
}

func TestOverlay_DispatchBroadcast_InvokesLocalBusOnTopicAddress(t *testing.T) {
	bus := &recordingBus{}
	o, err := New(Config{ListenAddr: "/ip4/127.0.0.1/tcp/0"}, bus, staticResolver{})
	require.NoError(t, err)
	defer o.Close()

	o.dispatch(identity.NodeID("peer"), &gsb.Packet{
		Kind: gsb.KindBroadcastRequest,
		Broadcast: &gsb.BroadcastRequest{
			Caller: "peer", Topic: "offers", Data: []byte("new-offer"),
		},
	})

	require.Len(t, bus.calls, 1)
	assert.Equal(t, gsb.PublicAddress("bcast/offers"), bus.calls[0])
}
