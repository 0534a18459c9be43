package negotiation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fluxmarket/node/internal/gsb"
	"github.com/fluxmarket/node/internal/identity"
	"github.com/fluxmarket/node/internal/model"
)

const agreementAddress = "negotiation/agreement"

// agreementRecord pairs the durable Agreement with the per-agreement lock
// spec §4.6.3 requires ("every transition acquires a per-agreement lock for
// the whole duration of message-send + state-update") and the live
// approval-timeout cancellation handle.
type agreementRecord struct {
	mu           sync.Mutex
	agreement    *model.Agreement
	cancelApprove context.CancelFunc
}

// AgreementStore is the bilateral agreement state machine (spec §4.6.3,
// §3's agreement table, "C7"). Grounded on the teacher's escrow.go
// multi-phase release discipline (lock the record, mutate, send, unlock).
type AgreementStore struct {
	log      *logrus.Entry
	bus      *gsb.Bus
	self     identity.NodeID
	notifier *Notifier

	approveTimeout time.Duration

	mu         sync.Mutex
	agreements map[model.AgreementID]*agreementRecord
}

func NewAgreementStore(bus *gsb.Bus, self identity.NodeID, notifier *Notifier, approveTimeout time.Duration) *AgreementStore {
	if approveTimeout == 0 {
		approveTimeout = 30 * time.Second
	}
	s := &AgreementStore{
		log:            logrus.WithField("component", "negotiation.agreement"),
		bus:            bus,
		self:           self,
		notifier:       notifier,
		approveTimeout: approveTimeout,
		agreements:     make(map[model.AgreementID]*agreementRecord),
	}
	bus.Bind(gsb.PublicAddress(agreementAddress), s.handleInbound)
	return s
}

func (s *AgreementStore) record(id model.AgreementID) (*agreementRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.agreements[id]
	return r, ok
}

// CreateAgreement is the requestor's create(req) operation (spec §4.6.3):
// the agreement is born already in Proposal/req, since creation and the
// create(req) transition are the same public operation here.
func (s *AgreementStore) CreateAgreement(ctx context.Context, proposalID model.ProposalID, providerID identity.NodeID, validTo time.Time) (*model.Agreement, error) {
	a := &model.Agreement{
		ID:          model.AgreementID(uuid.NewString()),
		ProposalID:  proposalID,
		Owner:       model.OwnerRequestor,
		ProviderID:  providerID,
		RequestorID: s.self,
		ValidTo:     validTo,
		State:       model.AgreementProposalConfirmed,
		CreatedAt:   time.Now(),
	}
	s.mu.Lock()
	s.agreements[a.ID] = &agreementRecord{agreement: a}
	s.mu.Unlock()
	return a, nil
}

// checkExpiry auto-expires a non-terminal agreement whose ValidTo has
// passed, returning an InvalidState error describing the refused
// transition (spec §8 scenario 3).
func (r *agreementRecord) checkExpiry(now time.Time, attemptedTo string) *Error {
	if isTerminal(r.agreement.State) {
		return nil
	}
	if !now.Before(r.agreement.ValidTo) {
		from := r.agreement.State.String()
		r.agreement.State = model.AgreementExpired
		return &Error{Kind: InvalidState, ID: string(r.agreement.ID), From: from, To: attemptedTo}
	}
	return nil
}

func isTerminal(s model.AgreementState) bool {
	switch s {
	case model.AgreementRejected, model.AgreementCancelled, model.AgreementTerminated, model.AgreementExpired:
		return true
	default:
		return false
	}
}

// Confirm is the requestor's confirm(req) operation: Proposal/req -> Pending.
func (s *AgreementStore) Confirm(ctx context.Context, id model.AgreementID, caller identity.NodeID) error {
	r, ok := s.record(id)
	if !ok {
		return &Error{Kind: NotFound, ID: string(id)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := authorize(r.agreement, caller); err != nil {
		return err
	}
	if err := r.checkExpiry(time.Now(), "Expired"); err != nil {
		return err
	}
	if r.agreement.State != model.AgreementProposalConfirmed {
		return &Error{Kind: InvalidState, ID: string(id), From: r.agreement.State.String(), To: "Pending"}
	}
	msg := agreementWireMsg{Type: "AgreementReceived", AgreementID: id, ProposalID: r.agreement.ProposalID, ValidTo: r.agreement.ValidTo}
	if err := s.notifyMsg(ctx, r.agreement.ProviderID, msg); err != nil {
		return &Error{Kind: SendFailed, ID: string(id), Cause: err}
	}
	r.agreement.State = model.AgreementPending
	now := time.Now()
	r.agreement.ConfirmedAt = &now
	return nil
}

// Approve is the provider's approve(prov) operation: Pending -> Approving,
// a two-phase commit (spec §4.6.3). It blocks only long enough to send the
// approval; the eventual Approved/Cancelled/reverted-to-Pending outcome
// arrives asynchronously via HandleCommitted/HandleCancelled or the
// approval timeout.
func (s *AgreementStore) Approve(ctx context.Context, id model.AgreementID, caller identity.NodeID) error {
	r, ok := s.record(id)
	if !ok {
		return &Error{Kind: NotFound, ID: string(id)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := authorize(r.agreement, caller); err != nil {
		return err
	}
	if err := r.checkExpiry(time.Now(), "Expired"); err != nil {
		return err
	}
	if r.agreement.State != model.AgreementPending {
		return &Error{Kind: InvalidState, ID: string(id), From: r.agreement.State.String(), To: "Approving"}
	}
	if err := s.notify(ctx, r.agreement.RequestorID, "AgreementApproved", id); err != nil {
		return &Error{Kind: SendFailed, ID: string(id), Cause: err}
	}
	r.agreement.State = model.AgreementApproving
	now := time.Now()
	r.agreement.ApprovedAt = &now

	timeoutCtx, cancel := context.WithCancel(context.Background())
	r.cancelApprove = cancel
	go s.awaitApprovalOrRevert(timeoutCtx, id)
	return nil
}

// awaitApprovalOrRevert reverts Approving -> Pending if neither
// HandleCommitted nor HandleCancelled fires before approveTimeout elapses
// (spec §4.6.3: "If the Requestor's commit times out, Provider reverts
// Approving -> Pending so a subsequent retry is legal").
func (s *AgreementStore) awaitApprovalOrRevert(ctx context.Context, id model.AgreementID) {
	timer := time.NewTimer(s.approveTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	r, ok := s.record(id)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agreement.State == model.AgreementApproving {
		r.agreement.State = model.AgreementPending
		s.log.WithField("id", id).Debug("approval commit timed out, reverted to Pending")
	}
}

// HandleCommitted is the requestor's AgreementCommitted message, completing
// the two-phase approve: Approving -> Approved.
func (s *AgreementStore) HandleCommitted(ctx context.Context, id model.AgreementID, signature []byte) error {
	r, ok := s.record(id)
	if !ok {
		return &Error{Kind: NotFound, ID: string(id)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelApprove != nil {
		r.cancelApprove()
	}
	if r.agreement.State != model.AgreementApproving {
		return &Error{Kind: InvalidState, ID: string(id), From: r.agreement.State.String(), To: "Approved"}
	}
	r.agreement.State = model.AgreementApproved
	r.agreement.CommittedSignature = signature
	now := time.Now()
	r.agreement.CommittedAt = &now
	s.notifier.Push(string(id), NegotiationEvent{Kind: EventAgreement, SubjectID: string(id), At: now})
	return nil
}

// HandleCancelled is the requestor's AgreementCancelled message sent during
// Approving (spec §8 scenario 6): a Pending or Approving agreement moves to
// Cancelled and nil is returned; any other state is left unchanged, also
// with nil. Only an unknown id yields an error (NotFound).
func (s *AgreementStore) HandleCancelled(ctx context.Context, id model.AgreementID) error {
	r, ok := s.record(id)
	if !ok {
		return &Error{Kind: NotFound, ID: string(id)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelApprove != nil {
		r.cancelApprove()
	}
	if r.agreement.State == model.AgreementApproving || r.agreement.State == model.AgreementPending {
		r.agreement.State = model.AgreementCancelled
	}
	return nil
}

// HandleRejected is the requestor-side receipt of the provider's
// AgreementRejected message: Pending -> Rejected. The state machine is
// symmetric (spec §4.6.3), so the receiving side must apply the same
// terminal transition the sender already applied locally, not just log the
// notice.
func (s *AgreementStore) HandleRejected(ctx context.Context, id model.AgreementID, reason string) error {
	r, ok := s.record(id)
	if !ok {
		return &Error{Kind: NotFound, ID: string(id)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelApprove != nil {
		r.cancelApprove()
	}
	if err := r.checkExpiry(time.Now(), "Rejected"); err != nil {
		return err
	}
	if r.agreement.State != model.AgreementPending {
		return &Error{Kind: InvalidState, ID: string(id), From: r.agreement.State.String(), To: "Rejected"}
	}
	r.agreement.State = model.AgreementRejected
	r.agreement.TerminationReason = reason
	s.notifier.Push(string(id), NegotiationEvent{Kind: EventRejection, SubjectID: string(id), Reason: reason, At: time.Now()})
	return nil
}

// HandleTerminated is the counterparty-side receipt of an AgreementTerminated
// message: Approved -> Terminated, mirroring Terminate's own local
// transition on the side that originated it.
func (s *AgreementStore) HandleTerminated(ctx context.Context, id model.AgreementID, reason string) error {
	r, ok := s.record(id)
	if !ok {
		return &Error{Kind: NotFound, ID: string(id)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agreement.State != model.AgreementApproved {
		return &Error{Kind: InvalidState, ID: string(id), From: r.agreement.State.String(), To: "Terminated"}
	}
	r.agreement.State = model.AgreementTerminated
	now := time.Now()
	r.agreement.TerminatedAt = &now
	r.agreement.TerminationReason = reason
	s.notifier.Push(string(id), NegotiationEvent{Kind: EventAgreement, SubjectID: string(id), Reason: reason, At: now})
	return nil
}

// Reject is the provider's reject(prov) operation: Pending -> Rejected.
func (s *AgreementStore) Reject(ctx context.Context, id model.AgreementID, caller identity.NodeID, reason string) error {
	r, ok := s.record(id)
	if !ok {
		return &Error{Kind: NotFound, ID: string(id)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := authorize(r.agreement, caller); err != nil {
		return err
	}
	if r.agreement.State != model.AgreementPending {
		return &Error{Kind: InvalidState, ID: string(id), From: r.agreement.State.String(), To: "Rejected"}
	}
	if err := s.notifyMsg(ctx, r.agreement.RequestorID, agreementWireMsg{Type: "AgreementRejected", AgreementID: id, Reason: reason}); err != nil {
		return &Error{Kind: SendFailed, ID: string(id), Cause: err}
	}
	r.agreement.State = model.AgreementRejected
	r.agreement.TerminationReason = reason
	return nil
}

// Terminate moves Approved -> Terminated (either party may call).
func (s *AgreementStore) Terminate(ctx context.Context, id model.AgreementID, caller identity.NodeID, reason string) error {
	r, ok := s.record(id)
	if !ok {
		return &Error{Kind: NotFound, ID: string(id)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := authorize(r.agreement, caller); err != nil {
		return err
	}
	if r.agreement.State != model.AgreementApproved {
		return &Error{Kind: InvalidState, ID: string(id), From: r.agreement.State.String(), To: "Terminated"}
	}
	other := counterpartyOf(model.NegotiationRef{ProviderID: r.agreement.ProviderID, RequestorID: r.agreement.RequestorID}, caller)
	if err := s.notifyMsg(ctx, other, agreementWireMsg{Type: "AgreementTerminated", AgreementID: id, Reason: reason}); err != nil {
		s.log.WithError(err).WithField("id", id).Debug("termination notice failed to send, proceeding locally")
	}
	r.agreement.State = model.AgreementTerminated
	now := time.Now()
	r.agreement.TerminatedAt = &now
	r.agreement.TerminationReason = reason
	return nil
}

// Commit is the requestor's implicit commit step of the two-phase approve
// (spec §4.6.3, §8 scenario 1): on receiving the provider's approval, the
// requestor moves Pending -> Approved locally and echoes
// AgreementCommitted back so the provider can complete its own transition.
func (s *AgreementStore) Commit(ctx context.Context, id model.AgreementID) error {
	r, ok := s.record(id)
	if !ok {
		return &Error{Kind: NotFound, ID: string(id)}
	}
	r.mu.Lock()
	if r.agreement.State != model.AgreementPending {
		r.mu.Unlock()
		return &Error{Kind: InvalidState, ID: string(id), From: r.agreement.State.String(), To: "Approved"}
	}
	r.agreement.State = model.AgreementApproved
	now := time.Now()
	r.agreement.CommittedAt = &now
	providerID := r.agreement.ProviderID
	r.mu.Unlock()

	raw, err := json.Marshal(agreementWireMsg{Type: "AgreementCommitted", AgreementID: id})
	if err != nil {
		return err
	}
	address := gsb.NetAddress(string(providerID), agreementAddress)
	if _, err := s.bus.CallAggregate(ctx, address, s.self, raw); err != nil {
		return &Error{Kind: SendFailed, ID: string(id), Cause: err}
	}
	s.notifier.Push(string(id), NegotiationEvent{Kind: EventAgreement, SubjectID: string(id), At: now})
	return nil
}

// Get returns the current agreement snapshot.
func (s *AgreementStore) Get(id model.AgreementID) (*model.Agreement, error) {
	r, ok := s.record(id)
	if !ok {
		return nil, &Error{Kind: NotFound, ID: string(id)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.agreement
	return &cp, nil
}

// SweepExpired transitions any non-terminal agreement past ValidTo into
// Expired; intended for periodic invocation alongside the subscription
// expiry sweep.
func (s *AgreementStore) SweepExpired(now time.Time) {
	s.mu.Lock()
	records := make([]*agreementRecord, 0, len(s.agreements))
	for _, r := range s.agreements {
		records = append(records, r)
	}
	s.mu.Unlock()

	for _, r := range records {
		r.mu.Lock()
		r.checkExpiry(now, "Expired")
		r.mu.Unlock()
	}
}

// authorize enforces spec §4.6.4: caller must be the recorded counterparty,
// else NotFound (never "forbidden") so existence does not leak.
func authorize(a *model.Agreement, caller identity.NodeID) error {
	if caller != a.ProviderID && caller != a.RequestorID {
		return &Error{Kind: NotFound, ID: string(a.ID)}
	}
	return nil
}

type agreementWireMsg struct {
	Type        string
	AgreementID model.AgreementID
	ProposalID  model.ProposalID
	ValidTo     time.Time
	Signature   []byte
	Reason      string
}

// notify sends msgType to `to`. Callers that need to populate fields beyond
// AgreementID (e.g. AgreementReceived's ProposalID/ValidTo) build an
// agreementWireMsg themselves and call notifyMsg instead.
func (s *AgreementStore) notify(ctx context.Context, to identity.NodeID, msgType string, id model.AgreementID) error {
	return s.notifyMsg(ctx, to, agreementWireMsg{Type: msgType, AgreementID: id})
}

func (s *AgreementStore) notifyMsg(ctx context.Context, to identity.NodeID, msg agreementWireMsg) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	address := gsb.NetAddress(string(to), agreementAddress)
	_, err = s.bus.CallAggregate(ctx, address, s.self, raw)
	return err
}

// createFromRemote is the provider-side ingestion of an incoming
// AgreementReceived message: it instantiates our own copy of the
// agreement, already Pending, since the requestor's create+confirm steps
// are folded into the single message that reaches us (spec §4.6.3's
// Provider-side perspective: it first observes the agreement as Pending).
func (s *AgreementStore) createFromRemote(requestor identity.NodeID, msg agreementWireMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agreements[msg.AgreementID]; exists {
		return
	}
	s.agreements[msg.AgreementID] = &agreementRecord{agreement: &model.Agreement{
		ID:          msg.AgreementID,
		ProposalID:  msg.ProposalID,
		Owner:       model.OwnerProvider,
		ProviderID:  s.self,
		RequestorID: requestor,
		ValidTo:     msg.ValidTo,
		State:       model.AgreementPending,
		CreatedAt:   time.Now(),
	}}
}

func (s *AgreementStore) handleInbound(ctx context.Context, caller identity.NodeID, address string, payload []byte) <-chan gsb.Chunk {
	ch := make(chan gsb.Chunk, 1)
	defer close(ch)

	var msg agreementWireMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		ch <- gsb.Chunk{Type: gsb.Full, Code: gsb.CallReplyBadRequest}
		return ch
	}

	var err error
	switch msg.Type {
	case "AgreementCommitted":
		err = s.HandleCommitted(ctx, msg.AgreementID, msg.Signature)
	case "AgreementCancelled":
		err = s.HandleCancelled(ctx, msg.AgreementID)
	case "AgreementApproved":
		// Acknowledge receipt immediately and run the implicit commit (and
		// its own AgreementCommitted echo back to the provider) off this
		// call's stack: the provider's approve_agreement holds its record
		// lock across this very message send (spec §4.6.3), so completing
		// the round trip inline here would deadlock against that lock.
		id := msg.AgreementID
		go func() {
			if cerr := s.Commit(context.Background(), id); cerr != nil {
				s.log.WithError(cerr).WithField("id", id).Debug("implicit commit failed")
			}
		}()
	case "AgreementReceived":
		s.createFromRemote(caller, msg)
	case "AgreementRejected":
		err = s.HandleRejected(ctx, msg.AgreementID, msg.Reason)
	case "AgreementTerminated":
		err = s.HandleTerminated(ctx, msg.AgreementID, msg.Reason)
	default:
		ch <- gsb.Chunk{Type: gsb.Full, Code: gsb.CallReplyBadRequest}
		return ch
	}
	if err != nil {
		s.log.WithError(err).WithField("type", msg.Type).Debug("inbound agreement message rejected")
		ch <- gsb.Chunk{Type: gsb.Full, Code: gsb.ServiceFailure}
		return ch
	}
	ch <- gsb.Chunk{Type: gsb.Full, Code: gsb.CallReplyOk}
	return ch
}
