package negotiation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fluxmarket/node/internal/gsb"
	"github.com/fluxmarket/node/internal/identity"
	"github.com/fluxmarket/node/internal/model"
	"github.com/fluxmarket/node/internal/resolver"
	"github.com/fluxmarket/node/internal/subscription"
)

// proposalAddress is the negotiation RPC endpoint (spec §6:
// "/public/market/{net_id}").
func proposalAddress(netID string) string { return gsb.PublicAddress("market/" + netID) }

// wireProposal is what crosses the bus for ProposalReceived/
// InitialProposalReceived (spec §6).
type wireProposal struct {
	SubscriptionID model.SubscriptionID
	PrevProposalID model.ProposalID
	ProposalID     model.ProposalID
	Properties     json.RawMessage
	Constraints    json.RawMessage
	ExpiresAt      time.Time
	Negotiation    model.NegotiationRef
}

// Graph manages the proposal chain for local subscriptions (spec §4.6.1,
// §4.6.2), grounded on the teacher's Offer/Bid persistence in
// marketplace.go generalized to a linked countering chain.
type Graph struct {
	log      *logrus.Entry
	subs     *subscription.Store
	bus      *gsb.Bus
	self     identity.NodeID
	notifier *Notifier

	mu        sync.Mutex
	proposals map[model.ProposalID]*model.Proposal
	countering map[model.ProposalID]bool
}

func NewGraph(subs *subscription.Store, bus *gsb.Bus, self identity.NodeID, notifier *Notifier) *Graph {
	g := &Graph{
		log:        logrus.WithField("component", "negotiation.graph"),
		subs:       subs,
		bus:        bus,
		self:       self,
		notifier:   notifier,
		proposals:  make(map[model.ProposalID]*model.Proposal),
		countering: make(map[model.ProposalID]bool),
	}
	bus.Bind(proposalAddress("negotiation"), g.handleInbound)
	return g
}

// CreateInitial pairs a local Demand with a newly-learned remote Offer,
// producing the first proposal of a chain (spec §4.6.1: "the requestor
// side creates an initial proposal by pairing a local Demand with a
// newly-learned remote Offer").
func (g *Graph) CreateInitial(ctx context.Context, demand, offer *model.Subscription, remote identity.NodeID) (*model.Proposal, error) {
	now := time.Now()
	if !demand.Active(now) {
		return nil, &Error{Kind: Expired, ID: string(demand.ID)}
	}

	match := resolver.Match(demand.Constraints, demand.Properties, offer.Constraints, offer.Properties)
	if match.Outcome != resolver.Yes {
		return nil, &Error{Kind: NotMatching, ID: string(demand.ID), Mismatches: append(match.MismatchesA, match.MismatchesB...)}
	}

	p := &model.Proposal{
		ID:             model.ProposalID(uuid.NewString()),
		SubscriptionID: demand.ID,
		Issuer:         model.IssuerUs,
		Owner:          model.OwnerRequestor,
		Body:           model.ProposalBody{Properties: demand.Properties, Constraints: demand.Constraints, ExpirationsAt: demand.ExpiresAt},
		Negotiation: model.NegotiationRef{
			SubscriptionID: demand.ID, DemandID: demand.ID, OfferID: offer.ID,
			ProviderID: remote, RequestorID: g.self,
		},
		State:     model.ProposalInitial,
		CreatedAt: now,
	}

	if err := g.send(ctx, remote, p, true); err != nil {
		return nil, &Error{Kind: SendFailed, ID: string(p.ID), Cause: err}
	}

	g.mu.Lock()
	g.proposals[p.ID] = p
	g.mu.Unlock()
	g.notifier.Push(string(demand.ID), NegotiationEvent{Kind: EventProposal, SubjectID: string(p.ID), At: now})
	return p, nil
}

// CounterProposal implements the counter-proposal contract (spec §4.6.2).
func (g *Graph) CounterProposal(ctx context.Context, subscriptionID model.SubscriptionID, prevID model.ProposalID, newBody model.ProposalBody, caller identity.NodeID) (*model.Proposal, error) {
	sub, err := g.subs.Get(subscriptionID)
	if err != nil {
		return nil, &Error{Kind: NotFound, ID: string(subscriptionID)}
	}
	if sub.Owner != caller {
		// Existence must not leak to an unauthorized caller (spec §4.6.4).
		return nil, &Error{Kind: NotFound, ID: string(subscriptionID)}
	}
	if !sub.Active(time.Now()) {
		return nil, &Error{Kind: Expired, ID: string(subscriptionID)}
	}

	g.mu.Lock()
	prev, ok := g.proposals[prevID]
	if !ok {
		g.mu.Unlock()
		return nil, &Error{Kind: NotFound, ID: string(prevID)}
	}
	if prev.State != model.ProposalInitial && prev.State != model.ProposalDraft {
		g.mu.Unlock()
		return nil, &Error{Kind: InvalidState, ID: string(prevID), From: stateName(prev.State), To: "Draft"}
	}
	if prev.Issuer == model.IssuerUs {
		g.mu.Unlock()
		return nil, &Error{Kind: OwnProposal, ID: string(prevID)}
	}
	if prev.Countered || g.countering[prevID] {
		g.mu.Unlock()
		return nil, &Error{Kind: AlreadyCountered, ID: string(prevID)}
	}
	g.countering[prevID] = true
	g.mu.Unlock()

	newProp := &model.Proposal{
		ID:             model.ProposalID(uuid.NewString()),
		SubscriptionID: subscriptionID,
		PrevProposalID: prevID,
		Issuer:         model.IssuerUs,
		Owner:          prev.Owner,
		Body:           model.ProposalBody{Properties: newBody.Properties, Constraints: newBody.Constraints, ExpirationsAt: prev.Body.ExpirationsAt},
		Negotiation:    prev.Negotiation,
		State:          model.ProposalDraft,
		CreatedAt:      time.Now(),
	}

	match := resolver.Match(newProp.Body.Constraints, newProp.Body.Properties, prev.Body.Constraints, prev.Body.Properties)
	if match.Outcome != resolver.Yes {
		g.mu.Lock()
		delete(g.countering, prevID)
		g.mu.Unlock()
		return nil, &Error{Kind: NotMatching, ID: string(newProp.ID), Mismatches: append(match.MismatchesA, match.MismatchesB...)}
	}

	remote := counterpartyOf(prev.Negotiation, caller)
	if err := g.send(ctx, remote, newProp, false); err != nil {
		g.mu.Lock()
		delete(g.countering, prevID)
		g.mu.Unlock()
		return nil, &Error{Kind: SendFailed, ID: string(newProp.ID), Cause: err}
	}

	g.mu.Lock()
	prev.Countered = true
	delete(g.countering, prevID)
	g.proposals[newProp.ID] = newProp
	g.mu.Unlock()

	g.notifier.Push(string(subscriptionID), NegotiationEvent{Kind: EventProposal, SubjectID: string(newProp.ID), At: newProp.CreatedAt})
	return newProp, nil
}

func counterpartyOf(ref model.NegotiationRef, self identity.NodeID) identity.NodeID {
	if ref.ProviderID == self {
		return ref.RequestorID
	}
	return ref.ProviderID
}

func stateName(s model.ProposalState) string {
	switch s {
	case model.ProposalInitial:
		return "Initial"
	case model.ProposalDraft:
		return "Draft"
	case model.ProposalAccepted:
		return "Accepted"
	case model.ProposalRejected:
		return "Rejected"
	case model.ProposalExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// wireError is the encoded form of a rejected inbound proposal (spec §8
// scenario 5: the remote side's typed rejection must survive the bus
// boundary so the caller can wrap it as Send(proposal_id, cause)).
type wireError struct {
	Kind ErrorKind
	ID   string
}

func (g *Graph) send(ctx context.Context, remote identity.NodeID, p *model.Proposal, initial bool) error {
	propsRaw, err := json.Marshal(p.Body.Properties)
	if err != nil {
		return err
	}
	consRaw, err := model.MarshalExpr(p.Body.Constraints)
	if err != nil {
		return err
	}
	wire := wireProposal{
		SubscriptionID: p.SubscriptionID, PrevProposalID: p.PrevProposalID, ProposalID: p.ID,
		Properties: propsRaw, Constraints: consRaw, ExpiresAt: p.Body.ExpirationsAt,
		Negotiation: p.Negotiation,
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	address := gsb.NetAddress(string(remote), "market/negotiation")
	ch, err := g.bus.Call(ctx, address, g.self, raw)
	if err != nil {
		return err
	}
	for chunk := range ch {
		if chunk.Code != gsb.CallReplyOk {
			var we wireError
			if err := json.Unmarshal(chunk.Data, &we); err == nil {
				return &Error{Kind: we.Kind, ID: we.ID}
			}
			return fmt.Errorf("negotiation: remote rejected proposal, code %d", chunk.Code)
		}
		if chunk.Type == gsb.Full {
			break
		}
	}
	return nil
}

// handleInbound absorbs a ProposalReceived/InitialProposalReceived sent to
// us by a counterparty, persisting it as a Them-issued proposal.
func (g *Graph) handleInbound(ctx context.Context, caller identity.NodeID, address string, payload []byte) <-chan gsb.Chunk {
	ch := make(chan gsb.Chunk, 1)
	defer close(ch)

	var wire wireProposal
	if err := json.Unmarshal(payload, &wire); err != nil {
		ch <- gsb.Chunk{Type: gsb.Full, Code: gsb.CallReplyBadRequest}
		return ch
	}
	var props model.PropertySet
	if err := json.Unmarshal(wire.Properties, &props); err != nil {
		ch <- gsb.Chunk{Type: gsb.Full, Code: gsb.CallReplyBadRequest}
		return ch
	}
	cons, err := model.UnmarshalExpr(wire.Constraints)
	if err != nil {
		ch <- gsb.Chunk{Type: gsb.Full, Code: gsb.CallReplyBadRequest}
		return ch
	}

	// Our own subscription in this negotiation (the offer if we're the
	// provider, the demand if we're the requestor) must still be active, or
	// the remote side's proposal/counter-proposal is rejected (spec §8
	// scenario 5).
	var ourSub model.SubscriptionID
	switch g.self {
	case wire.Negotiation.ProviderID:
		ourSub = wire.Negotiation.OfferID
	case wire.Negotiation.RequestorID:
		ourSub = wire.Negotiation.DemandID
	}
	if ourSub != "" {
		sub, err := g.subs.Get(ourSub)
		if err != nil || !sub.Active(time.Now()) {
			raw, _ := json.Marshal(wireError{Kind: Unsubscribed, ID: string(ourSub)})
			ch <- gsb.Chunk{Type: gsb.Full, Code: gsb.ServiceFailure, Data: raw}
			return ch
		}
	}

	p := &model.Proposal{
		ID:             wire.ProposalID,
		SubscriptionID: wire.SubscriptionID,
		PrevProposalID: wire.PrevProposalID,
		Issuer:         model.IssuerThem,
		Body:           model.ProposalBody{Properties: &props, Constraints: cons, ExpirationsAt: wire.ExpiresAt},
		Negotiation:    wire.Negotiation,
		State:          model.ProposalDraft,
		CreatedAt:      time.Now(),
	}
	if wire.PrevProposalID == "" {
		p.State = model.ProposalInitial
	}

	g.mu.Lock()
	g.proposals[p.ID] = p
	g.mu.Unlock()

	g.notifier.Push(string(wire.SubscriptionID), NegotiationEvent{Kind: EventProposal, SubjectID: string(p.ID), At: p.CreatedAt})
	ch <- gsb.Chunk{Type: gsb.Full, Code: gsb.CallReplyOk}
	return ch
}

// Get returns a proposal by id.
func (g *Graph) Get(id model.ProposalID) (*model.Proposal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.proposals[id]
	if !ok {
		return nil, fmt.Errorf("negotiation: proposal %s not found", id)
	}
	return p, nil
}
