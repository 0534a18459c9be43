package discovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmarket/node/internal/gsb"
	"github.com/fluxmarket/node/internal/identity"
	"github.com/fluxmarket/node/internal/model"
)

type fakeSource struct {
	offers map[model.SubscriptionID]*model.Subscription
}

func (f *fakeSource) Get(id model.SubscriptionID) (*model.Subscription, error) {
	sub, ok := f.offers[id]
	if !ok {
		return nil, assert.AnError
	}
	return sub, nil
}

func (f *fakeSource) ListActiveAfter(kind model.SubscriptionKind, cursor, now time.Time) []*model.Subscription {
	return nil
}

type fakeSink struct {
	subscribed   []*model.Subscription
	unsubscribed []model.SubscriptionID
}

func (f *fakeSink) Subscribe(ctx context.Context, sub *model.Subscription) error {
	f.subscribed = append(f.subscribed, sub)
	return nil
}

func (f *fakeSink) Unsubscribe(ctx context.Context, id model.SubscriptionID) error {
	f.unsubscribed = append(f.unsubscribed, id)
	return nil
}

func offer(id model.SubscriptionID) *model.Subscription {
	return &model.Subscription{ID: id, Kind: model.KindOffer, Properties: model.NewPropertySet()}
}

func TestDiscovery_AnnounceThenBroadcastCycle(t *testing.T) {
	bus := gsb.New(nil)
	d := New(bus, identity.NodeID("me"), &fakeSource{}, &fakeSink{}, Config{})
	sub := bus.Subscribe(topicOffers, 4)

	d.AnnounceOffer("o1")
	d.broadcastCycle(context.Background())

	select {
	case msg := <-sub:
		var ids []model.SubscriptionID
		require.NoError(t, json.Unmarshal(msg.Data, &ids))
		assert.Equal(t, []model.SubscriptionID{"o1"}, ids)
	default:
		t.Fatal("expected offers broadcast")
	}
}

// loopbackTransport routes "/net/{node}/..." calls straight to a peer's
// gsb.Bus in-process, standing in for internal/overlay in these tests.
type loopbackTransport struct {
	peers map[string]*gsb.Bus
}

func (t *loopbackTransport) Call(ctx context.Context, nodeID, address string, caller identity.NodeID, payload []byte) (<-chan gsb.Chunk, error) {
	peer, ok := t.peers[nodeID]
	if !ok {
		return nil, &gsb.BusError{Kind: gsb.ErrNoEndpoint, Address: address}
	}
	return peer.Call(ctx, gsb.PublicAddress(address), caller, payload)
}

func (t *loopbackTransport) Broadcast(ctx context.Context, topic string, caller identity.NodeID, payload []byte, fanout int) error {
	return nil
}

func TestDiscovery_HandleOffersBcast_PullsUnknownIDs(t *testing.T) {
	remoteBus := gsb.New(nil)
	remoteSource := &fakeSource{offers: map[model.SubscriptionID]*model.Subscription{"o1": offer("o1")}}
	New(remoteBus, identity.NodeID("remote"), remoteSource, &fakeSink{}, Config{})

	localBus := gsb.New(&loopbackTransport{peers: map[string]*gsb.Bus{"remote": remoteBus}})
	localSink := &fakeSink{}
	localDiscovery := New(localBus, identity.NodeID("local"), &fakeSource{}, localSink, Config{})

	ids, err := json.Marshal([]model.SubscriptionID{"o1"})
	require.NoError(t, err)
	msg := gsb.BroadcastMessage{Caller: "remote", Topic: topicOffers, Data: ids}

	localDiscovery.HandleOffersBcast(context.Background(), msg)
	require.Len(t, localSink.subscribed, 1)
	assert.Equal(t, model.SubscriptionID("o1"), localSink.subscribed[0].ID)
}
