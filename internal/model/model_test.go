package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmarket/node/internal/identity"
)

func TestSubscription_JSONRoundTrip(t *testing.T) {
	props := NewPropertySet()
	props.Set("golem.inf.mem.gib", NewInt(4))
	props.Declare("golem.com.pricing.model")

	sub := &Subscription{
		ID:    "sub1",
		Kind:  KindOffer,
		Owner: identity.NodeID("provider-1"),
		Properties: props,
		Constraints: And{Children: []Expr{
			Present{Ref: "golem.inf.mem.gib"},
			Not{Child: Compare{Ref: "golem.inf.cpu.threads", Op: OpLess, Value: NewInt(2)}},
		}},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		ExpiresAt: time.Now().UTC().Add(time.Hour).Truncate(time.Second),
		State:     SubscriptionActive,
	}

	raw, err := json.Marshal(sub)
	require.NoError(t, err)

	var got Subscription
	require.NoError(t, json.Unmarshal(raw, &got))

	assert.Equal(t, sub.ID, got.ID)
	assert.Equal(t, sub.Owner, got.Owner)
	assert.True(t, got.Properties.Present("golem.inf.mem.gib"))
	assert.True(t, got.Properties.Present("golem.com.pricing.model"))

	and, ok := got.Constraints.(And)
	require.True(t, ok)
	require.Len(t, and.Children, 2)
	_, ok = and.Children[0].(Present)
	assert.True(t, ok)
	not, ok := and.Children[1].(Not)
	require.True(t, ok)
	cmp, ok := not.Child.(Compare)
	require.True(t, ok)
	assert.Equal(t, OpLess, cmp.Op)
}

func TestBatchOrder_TotalAmount(t *testing.T) {
	b := &BatchOrder{Items: []BatchOrderItem{
		{Amount: decimal.RequireFromString("1.50")},
		{Amount: decimal.RequireFromString("2.25")},
	}}
	assert.Equal(t, "3.75", b.TotalAmount().String())
}
