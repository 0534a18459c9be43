package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmarket/node/internal/gsb"
	"github.com/fluxmarket/node/internal/identity"
	"github.com/fluxmarket/node/internal/model"
	"github.com/fluxmarket/node/internal/store"
	"github.com/fluxmarket/node/internal/subscription"
)

// loopbackTransport routes "/net/{node}/..." calls straight to a peer's
// gsb.Bus in-process, mirroring the pattern already used for the discovery
// package's tests in place of internal/overlay.
type loopbackTransport struct {
	peers map[identity.NodeID]*gsb.Bus
}

func (t *loopbackTransport) Call(ctx context.Context, nodeID, address string, caller identity.NodeID, payload []byte) (<-chan gsb.Chunk, error) {
	peer, ok := t.peers[identity.NodeID(nodeID)]
	if !ok {
		return nil, &gsb.BusError{Kind: gsb.ErrNoEndpoint, Address: address}
	}
	return peer.Call(ctx, gsb.PublicAddress(address), caller, payload)
}

func (t *loopbackTransport) Broadcast(ctx context.Context, topic string, caller identity.NodeID, payload []byte, fanout int) error {
	return nil
}

// harness wires up two nodes (requestor and provider), each with its own
// subscription store, proposal graph, and agreement store, connected by a
// shared loopback transport.
type harness struct {
	requestor, provider identity.NodeID

	reqSubs, provSubs   *subscription.Store
	reqGraph, provGraph *Graph
	reqAgr, provAgr     *AgreementStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{requestor: "requestor", provider: "provider"}

	transport := &loopbackTransport{peers: make(map[identity.NodeID]*gsb.Bus)}
	reqBus := gsb.New(transport)
	provBus := gsb.New(transport)
	transport.peers[h.requestor] = reqBus
	transport.peers[h.provider] = provBus

	h.reqSubs = subscription.New(store.NewMemStore(), 0)
	h.provSubs = subscription.New(store.NewMemStore(), 0)

	reqNotifier := NewNotifier(16)
	provNotifier := NewNotifier(16)

	h.reqGraph = NewGraph(h.reqSubs, reqBus, h.requestor, reqNotifier)
	h.provGraph = NewGraph(h.provSubs, provBus, h.provider, provNotifier)

	h.reqAgr = NewAgreementStore(reqBus, h.requestor, reqNotifier, 200*time.Millisecond)
	h.provAgr = NewAgreementStore(provBus, h.provider, provNotifier, 200*time.Millisecond)
	return h
}

func emptyDemandOrOffer(kind model.SubscriptionKind, id model.SubscriptionID, owner identity.NodeID, expiresIn time.Duration) *model.Subscription {
	now := time.Now()
	return &model.Subscription{
		ID:          id,
		Kind:        kind,
		Owner:       owner,
		Properties:  model.NewPropertySet(),
		Constraints: model.And{}, // matches everything
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiresIn),
		State:       model.SubscriptionActive,
	}
}

// TestNegotiation_HappyPath exercises spec §8 scenario 1: subscribe,
// propose, confirm, approve, commit; both sides land on Approved.
func TestNegotiation_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	demand := emptyDemandOrOffer(model.KindDemand, "d1", h.requestor, time.Hour)
	offer := emptyDemandOrOffer(model.KindOffer, "o1", h.provider, time.Hour)
	require.NoError(t, h.reqSubs.Subscribe(ctx, demand))
	require.NoError(t, h.provSubs.Subscribe(ctx, offer))

	initial, err := h.reqGraph.CreateInitial(ctx, demand, offer, h.provider)
	require.NoError(t, err)

	agreement, err := h.reqAgr.CreateAgreement(ctx, initial.ID, h.provider, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.AgreementProposalConfirmed, agreement.State)

	require.NoError(t, h.reqAgr.Confirm(ctx, agreement.ID, h.requestor))
	reqView, err := h.reqAgr.Get(agreement.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgreementPending, reqView.State)

	// Confirm's AgreementReceived message landed synchronously on the
	// provider side (in-process loopback), giving it its own Pending record
	// under the same id (createFromRemote keys by the incoming AgreementID).
	provView, err := h.provAgr.Get(agreement.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgreementPending, provView.State)

	require.NoError(t, h.provAgr.Approve(ctx, agreement.ID, h.provider))

	// Approve's AgreementApproved message triggers the requestor's implicit
	// commit off-goroutine (it cannot run inline without deadlocking against
	// the lock Approve holds across the send), which in turn echoes
	// AgreementCommitted back to the provider; both settle on Approved.
	require.Eventually(t, func() bool {
		reqView, err := h.reqAgr.Get(agreement.ID)
		return err == nil && reqView.State == model.AgreementApproved
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		provView, err := h.provAgr.Get(agreement.ID)
		return err == nil && provView.State == model.AgreementApproved
	}, time.Second, time.Millisecond)
}

// TestNegotiation_CounterOwnProposal exercises spec §8 scenario 2: countering
// a proposal the caller itself issued is rejected with OwnProposal.
func TestNegotiation_CounterOwnProposal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	demand := emptyDemandOrOffer(model.KindDemand, "d1", h.requestor, time.Hour)
	offer := emptyDemandOrOffer(model.KindOffer, "o1", h.provider, time.Hour)
	require.NoError(t, h.reqSubs.Subscribe(ctx, demand))
	require.NoError(t, h.provSubs.Subscribe(ctx, offer))

	initial, err := h.reqGraph.CreateInitial(ctx, demand, offer, h.provider)
	require.NoError(t, err)

	_, err = h.reqGraph.CounterProposal(ctx, demand.ID, initial.ID, initial.Body, h.requestor)
	require.Error(t, err)
	nerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, OwnProposal, nerr.Kind)
}

// TestNegotiation_ExpireBeforeConfirm exercises spec §8 scenario 3: an
// agreement created with valid_to already past returns InvalidState(Expired)
// on confirm.
func TestNegotiation_ExpireBeforeConfirm(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	demand := emptyDemandOrOffer(model.KindDemand, "d1", h.requestor, time.Hour)
	offer := emptyDemandOrOffer(model.KindOffer, "o1", h.provider, time.Hour)
	require.NoError(t, h.reqSubs.Subscribe(ctx, demand))
	require.NoError(t, h.provSubs.Subscribe(ctx, offer))

	initial, err := h.reqGraph.CreateInitial(ctx, demand, offer, h.provider)
	require.NoError(t, err)

	agreement, err := h.reqAgr.CreateAgreement(ctx, initial.ID, h.provider, time.Now())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	err = h.reqAgr.Confirm(ctx, agreement.ID, h.requestor)
	require.Error(t, err)
	nerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, InvalidState, nerr.Kind)
	assert.Equal(t, "Expired", nerr.To)
}

// TestNegotiation_UnsubscribedRemoteOffer exercises spec §8 scenario 5: the
// requestor counters the provider's counter-proposal after the provider has
// unsubscribed the underlying offer; the rejection crosses the wire as
// Unsubscribed and is surfaced locally wrapped as SendFailed.
func TestNegotiation_UnsubscribedRemoteOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	demand := emptyDemandOrOffer(model.KindDemand, "d1", h.requestor, time.Hour)
	offer := emptyDemandOrOffer(model.KindOffer, "o1", h.provider, time.Hour)
	require.NoError(t, h.reqSubs.Subscribe(ctx, demand))
	require.NoError(t, h.provSubs.Subscribe(ctx, offer))

	// Requestor's initial proposal reaches the provider (absorbed as a
	// Them-issued, Initial proposal there).
	initial, err := h.reqGraph.CreateInitial(ctx, demand, offer, h.provider)
	require.NoError(t, err)

	// Provider counters it; its counter reaches the requestor (absorbed as a
	// Them-issued Draft proposal there, countering is legal on both hops).
	provCounter, err := h.provGraph.CounterProposal(ctx, offer.ID, initial.ID, initial.Body, h.provider)
	require.NoError(t, err)

	require.NoError(t, h.provSubs.Unsubscribe(ctx, offer.ID))

	// Requestor counters the provider's counter; the provider rejects on
	// receipt because its own offer is no longer active.
	_, err = h.reqGraph.CounterProposal(ctx, demand.ID, provCounter.ID, provCounter.Body, h.requestor)
	require.Error(t, err)
	nerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, SendFailed, nerr.Kind)
	cause, ok := nerr.Cause.(*Error)
	require.True(t, ok)
	assert.Equal(t, Unsubscribed, cause.Kind)
	assert.Equal(t, string(offer.ID), cause.ID)
}

// TestNegotiation_CancelledDuringApproving exercises spec §8 scenario 6: a
// cancellation that arrives while the provider's agreement is Approving moves
// it to Cancelled, and the provider's subsequent HandleCommitted (a commit
// that arrives too late) is a no-op InvalidState.
func TestNegotiation_CancelledDuringApproving(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Inject a provider-side record already in Pending, standing in for what
	// createFromRemote would have produced after the requestor's confirm.
	agreementID := model.AgreementID("agr-1")
	injectAgreement(h.provAgr, &model.Agreement{
		ID: agreementID, ProposalID: "prop-1", Owner: model.OwnerProvider,
		ProviderID: h.provider, RequestorID: h.requestor,
		ValidTo: time.Now().Add(time.Hour), State: model.AgreementPending, CreatedAt: time.Now(),
	})

	require.NoError(t, h.provAgr.Approve(ctx, agreementID, h.provider))
	view, err := h.provAgr.Get(agreementID)
	require.NoError(t, err)
	assert.Equal(t, model.AgreementApproving, view.State)

	require.NoError(t, h.provAgr.HandleCancelled(ctx, agreementID))
	view, err = h.provAgr.Get(agreementID)
	require.NoError(t, err)
	assert.Equal(t, model.AgreementCancelled, view.State)

	// A commit racing in after the cancel must not resurrect the agreement.
	err = h.provAgr.HandleCommitted(ctx, agreementID, []byte("sig"))
	require.Error(t, err)
	nerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, InvalidState, nerr.Kind)

	view, err = h.provAgr.Get(agreementID)
	require.NoError(t, err)
	assert.Equal(t, model.AgreementCancelled, view.State)
}

// TestNegotiation_RejectPropagatesToRequestor exercises the receiving side
// of reject(prov): the provider's Reject must not leave the requestor's
// copy stuck in Pending.
func TestNegotiation_RejectPropagatesToRequestor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	demand := emptyDemandOrOffer(model.KindDemand, "d1", h.requestor, time.Hour)
	offer := emptyDemandOrOffer(model.KindOffer, "o1", h.provider, time.Hour)
	require.NoError(t, h.reqSubs.Subscribe(ctx, demand))
	require.NoError(t, h.provSubs.Subscribe(ctx, offer))

	initial, err := h.reqGraph.CreateInitial(ctx, demand, offer, h.provider)
	require.NoError(t, err)

	agreement, err := h.reqAgr.CreateAgreement(ctx, initial.ID, h.provider, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, h.reqAgr.Confirm(ctx, agreement.ID, h.requestor))

	require.NoError(t, h.provAgr.Reject(ctx, agreement.ID, h.provider, "insufficient capacity"))

	reqView, err := h.reqAgr.Get(agreement.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgreementRejected, reqView.State)
	assert.Equal(t, "insufficient capacity", reqView.TerminationReason)

	events, _, err := h.reqAgr.notifier.QueryEvents(ctx, string(agreement.ID), 0, time.Millisecond, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventRejection, events[0].Kind)
}

// TestNegotiation_TerminatePropagatesToCounterparty exercises the receiving
// side of Terminate: the counterparty must not remain Approved (and
// billable) after the originator terminates.
func TestNegotiation_TerminatePropagatesToCounterparty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	agreementID := model.AgreementID("agr-1")
	injectAgreement(h.reqAgr, &model.Agreement{
		ID: agreementID, ProposalID: "prop-1", Owner: model.OwnerRequestor,
		ProviderID: h.provider, RequestorID: h.requestor,
		ValidTo: time.Now().Add(time.Hour), State: model.AgreementApproved, CreatedAt: time.Now(),
	})
	injectAgreement(h.provAgr, &model.Agreement{
		ID: agreementID, ProposalID: "prop-1", Owner: model.OwnerRequestor,
		ProviderID: h.provider, RequestorID: h.requestor,
		ValidTo: time.Now().Add(time.Hour), State: model.AgreementApproved, CreatedAt: time.Now(),
	})

	require.NoError(t, h.reqAgr.Terminate(ctx, agreementID, h.requestor, "no longer needed"))

	provView, err := h.provAgr.Get(agreementID)
	require.NoError(t, err)
	assert.Equal(t, model.AgreementTerminated, provView.State)
	assert.Equal(t, "no longer needed", provView.TerminationReason)
}

// injectAgreement seeds s with a, bypassing CreateAgreement/createFromRemote:
// a test-only shortcut for reaching the provider-side Pending state the
// public API only reaches via a real requestor confirm over the network.
func injectAgreement(s *AgreementStore, a *model.Agreement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agreements[a.ID] = &agreementRecord{agreement: a}
}
