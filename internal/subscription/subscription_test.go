package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmarket/node/internal/identity"
	"github.com/fluxmarket/node/internal/model"
	"github.com/fluxmarket/node/internal/store"
)

func newOffer(id model.SubscriptionID, owner identity.NodeID, created, expires time.Time) *model.Subscription {
	return &model.Subscription{
		ID: id, Kind: model.KindOffer, Owner: owner,
		Properties: model.NewPropertySet(), Constraints: model.And{},
		CreatedAt: created, ExpiresAt: expires, State: model.SubscriptionActive,
	}
}

func TestStore_SubscribeAndGet(t *testing.T) {
	s := New(store.NewMemStore(), time.Hour)
	now := time.Now()
	sub := newOffer("o1", "alice", now, now.Add(time.Hour))
	require.NoError(t, s.Subscribe(context.Background(), sub))

	got, err := s.Get("o1")
	require.NoError(t, err)
	assert.Equal(t, identity.NodeID("alice"), got.Owner)
}

func TestStore_UnsubscribeIdempotent(t *testing.T) {
	s := New(store.NewMemStore(), time.Hour)
	now := time.Now()
	sub := newOffer("o1", "alice", now, now.Add(time.Hour))
	require.NoError(t, s.Subscribe(context.Background(), sub))

	require.NoError(t, s.Unsubscribe(context.Background(), "o1"))
	err := s.Unsubscribe(context.Background(), "o1")
	assert.ErrorIs(t, err, ErrAlreadyUnsubscribed)
}

func TestStore_UnsubscribeUnknown(t *testing.T) {
	s := New(store.NewMemStore(), time.Hour)
	err := s.Unsubscribe(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListActiveAfter_ExcludesExpiredAndOtherKind(t *testing.T) {
	s := New(store.NewMemStore(), time.Hour)
	now := time.Now()
	cursor := now.Add(-time.Minute)

	fresh := newOffer("o1", "alice", now, now.Add(time.Hour))
	expired := newOffer("o2", "alice", now, now.Add(-time.Minute))
	demand := newOffer("o3", "bob", now, now.Add(time.Hour))
	demand.Kind = model.KindDemand

	require.NoError(t, s.Subscribe(context.Background(), fresh))
	require.NoError(t, s.Subscribe(context.Background(), expired))
	require.NoError(t, s.Subscribe(context.Background(), demand))

	active := s.ListActiveAfter(model.KindOffer, cursor, now)
	require.Len(t, active, 1)
	assert.Equal(t, model.SubscriptionID("o1"), active[0].ID)
}

func TestStore_SweepExpired_TransitionsAndRetires(t *testing.T) {
	s := New(store.NewMemStore(), time.Minute)
	now := time.Now()
	sub := newOffer("o1", "alice", now.Add(-time.Hour), now.Add(-time.Second))
	require.NoError(t, s.Subscribe(context.Background(), sub))

	s.SweepExpired(context.Background(), now)
	got, err := s.Get("o1")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionExpired, got.State)

	s.SweepExpired(context.Background(), now.Add(2*time.Minute))
	_, err = s.Get("o1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ByOwner(t *testing.T) {
	s := New(store.NewMemStore(), time.Hour)
	now := time.Now()
	require.NoError(t, s.Subscribe(context.Background(), newOffer("o1", "alice", now, now.Add(time.Hour))))
	require.NoError(t, s.Subscribe(context.Background(), newOffer("o2", "bob", now, now.Add(time.Hour))))

	owned := s.ByOwner("alice")
	require.Len(t, owned, 1)
	assert.Equal(t, model.SubscriptionID("o1"), owned[0].ID)
}
