package platform

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmarket/node/internal/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestMemPlatform_SchedulePayment_MovesBalance(t *testing.T) {
	p := NewMemPlatform()
	p.Credit("alice", dec("100"))

	id, err := p.SchedulePayment(context.Background(), "alice", "bob", dec("40"), time.Now().Add(time.Hour), nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	balance, err := p.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, dec("60").Equal(balance))

	balance, err = p.GetBalance(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, dec("40").Equal(balance))
}

func TestMemPlatform_SchedulePayment_InsufficientFunds(t *testing.T) {
	p := NewMemPlatform()
	_, err := p.SchedulePayment(context.Background(), "alice", "bob", dec("40"), time.Now(), nil, nil)
	require.Error(t, err)
}

func TestMemPlatform_SchedulePayment_IdempotentRetry(t *testing.T) {
	p := NewMemPlatform()
	p.Credit("alice", dec("100"))
	allocID := model.AllocationID("alloc-1")
	due := time.Now().Add(time.Hour)

	id1, err := p.SchedulePayment(context.Background(), "alice", "bob", dec("40"), due, &allocID, nil)
	require.NoError(t, err)
	id2, err := p.SchedulePayment(context.Background(), "alice", "bob", dec("40"), due, &allocID, nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	balance, _ := p.GetBalance(context.Background(), "bob")
	assert.True(t, dec("40").Equal(balance), "retried schedule must not double-spend")
}

func TestMemPlatform_SchedulePayment_DoubleSpendRejected(t *testing.T) {
	p := NewMemPlatform()
	p.Credit("alice", dec("100"))
	allocID := model.AllocationID("alloc-1")

	_, err := p.SchedulePayment(context.Background(), "alice", "bob", dec("40"), time.Now(), &allocID, nil)
	require.NoError(t, err)

	_, err = p.SchedulePayment(context.Background(), "alice", "carol", dec("40"), time.Now(), &allocID, nil)
	assert.ErrorIs(t, err, ErrDoubleSpend)
}

func TestMemPlatform_ValidateAllocation_InsufficientFunds(t *testing.T) {
	p := NewMemPlatform()
	p.Credit("alice", dec("50"))
	result := p.ValidateAllocation(context.Background(), "alice", dec("100"), nil, nil, nil)
	assert.Equal(t, InsufficientFunds, result.Outcome)
}

func TestMemPlatform_ValidateAllocation_WithExistingAllocations(t *testing.T) {
	p := NewMemPlatform()
	p.Credit("alice", dec("100"))
	existing := []*model.Allocation{{ID: "a1", Address: "alice", Amount: dec("60")}}
	result := p.ValidateAllocation(context.Background(), "alice", dec("50"), existing, nil, nil)
	assert.Equal(t, InsufficientFunds, result.Outcome)
}

func TestMemPlatform_ValidateAllocation_DepositReused(t *testing.T) {
	p := NewMemPlatform()
	deposit := &model.Deposit{ID: "dep-1", Contract: "0xabc", ValidTo: time.Now().Add(time.Hour)}

	result := p.ValidateAllocation(context.Background(), "alice", dec("10"), nil, nil, deposit)
	assert.Equal(t, Valid, result.Outcome)

	result = p.ValidateAllocation(context.Background(), "alice", dec("10"), nil, nil, deposit)
	assert.Equal(t, DepositReused, result.Outcome)
}

func TestMemPlatform_ValidateAllocation_TimeoutExceedsDeposit(t *testing.T) {
	p := NewMemPlatform()
	deposit := &model.Deposit{ID: "dep-1", Contract: "0xabc", ValidTo: time.Now().Add(time.Minute)}
	timeout := time.Now().Add(time.Hour)
	result := p.ValidateAllocation(context.Background(), "alice", dec("10"), nil, &timeout, deposit)
	assert.Equal(t, TimeoutExceedsDeposit, result.Outcome)
}

func TestMemPlatform_ValidateAllocation_MalformedDeposit(t *testing.T) {
	p := NewMemPlatform()
	result := p.ValidateAllocation(context.Background(), "alice", dec("10"), nil, nil, &model.Deposit{ID: "dep-1"})
	assert.Equal(t, MalformedDepositContract, result.Outcome)

	result = p.ValidateAllocation(context.Background(), "alice", dec("10"), nil, nil, &model.Deposit{Contract: "0xabc"})
	assert.Equal(t, MalformedDepositID, result.Outcome)
}

func TestBatchPlanner_GroupsByPayerPlatform(t *testing.T) {
	planner := NewBatchPlanner()
	planner.Enqueue(PayableDocument{Kind: model.DocumentDebitNote, ID: "dn-1", Payer: "alice", Payee: "bob", Platform: "erc20-mainnet-glm", Amount: dec("10")})
	planner.Enqueue(PayableDocument{Kind: model.DocumentDebitNote, ID: "dn-2", Payer: "alice", Payee: "bob", Platform: "erc20-mainnet-glm", Amount: dec("5")})
	planner.Enqueue(PayableDocument{Kind: model.DocumentInvoice, ID: "inv-1", Payer: "alice", Payee: "carol", Platform: "erc20-mainnet-glm", Amount: dec("20")})
	planner.Enqueue(PayableDocument{Kind: model.DocumentDebitNote, ID: "dn-3", Payer: "dave", Payee: "bob", Platform: "zksync-mainnet-glm", Amount: dec("7")})

	orders := planner.Plan()
	require.Len(t, orders, 2)

	var aliceOrder, daveOrder *model.BatchOrder
	for _, o := range orders {
		switch o.Payer {
		case "alice":
			aliceOrder = o
		case "dave":
			daveOrder = o
		}
	}
	require.NotNil(t, aliceOrder)
	require.NotNil(t, daveOrder)

	require.Len(t, aliceOrder.Items, 2)
	var bobItem *model.BatchOrderItem
	for i := range aliceOrder.Items {
		if aliceOrder.Items[i].Payee == "bob" {
			bobItem = &aliceOrder.Items[i]
		}
	}
	require.NotNil(t, bobItem)
	assert.True(t, dec("15").Equal(bobItem.Amount))
	assert.Len(t, bobItem.Documents, 2)

	assert.True(t, dec("35").Equal(aliceOrder.TotalAmount()))
	assert.Len(t, daveOrder.Items, 1)

	// Draining Plan again returns nothing until more documents are enqueued.
	assert.Empty(t, planner.Plan())
}
