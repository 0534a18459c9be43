// Package orchestrator implements the payments orchestrator (spec §4.10,
// "C11"): one AgreementPayment actor per signed agreement, driving periodic
// cost/debit-note ticks and reacting to activity and deadline lifecycle
// events, grounded on the teacher's peer_management.go per-peer supervisor
// loop generalized to a per-agreement billing supervisor.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fluxmarket/node/internal/model"
	"github.com/fluxmarket/node/internal/payment/billing"
	"github.com/fluxmarket/node/internal/payment/cost"
	"github.com/fluxmarket/node/internal/payment/deadline"
)

// CostEngine is the C8 capability driven once per UpdateCost tick.
type CostEngine interface {
	ComputeCost(ctx context.Context, pm cost.PaymentModel, activityID model.ActivityID) (decimal.Decimal, model.UsageVector, error)
}

// DebitNoteChain is the C9 capability used to emit debit notes.
type DebitNoteChain interface {
	Issue(ctx context.Context, agreementID model.AgreementID, activityID model.ActivityID, totalAmountDue decimal.Decimal, usage model.UsageVector, opts billing.IssueOptions) (*model.DebitNote, error)
}

// InvoiceIssuer is the C9 capability used once every activity finalizes.
type InvoiceIssuer interface {
	Issue(agreementID model.AgreementID, activityIDs []model.ActivityID, amount decimal.Decimal, dueDate time.Time) *model.Invoice
	SendWithRetry(ctx context.Context, inv *model.Invoice, stop <-chan struct{})
}

// DeadlineTracker is the C10 capability used to stop tracking on close.
type DeadlineTracker interface {
	StopTrackingCategory(category string)
}

// BreakAgreement is the side effect the orchestrator emits toward the
// negotiation engine when an agreement must be force-terminated (spec
// §4.10).
type BreakAgreement struct {
	AgreementID model.AgreementID
	Reason      billing.BreakReason
}

// activityPayment tracks one activity's billing schedule within an
// agreement.
type activityPayment struct {
	id             model.ActivityID
	paymentModel   cost.PaymentModel
	interval       time.Duration
	nextTick       time.Time
	lastSentAt     time.Time
	acceptTimeout  *time.Duration
	paymentTimeout *time.Duration
	finalized      bool
}

// AgreementPayment is the per-agreement billing actor: it owns the billing
// schedule for every activity running under one agreement (spec §4.10).
// Its state is guarded by mu; it has no command channel.
type AgreementPayment struct {
	log         *zap.SugaredLogger
	agreementID model.AgreementID

	costEngine CostEngine
	chain      DebitNoteChain
	deadlines  DeadlineTracker
	breaker    breakRequester

	mu              sync.Mutex
	activities      map[model.ActivityID]*activityPayment
	deadlineElapsed bool
	closed          bool
}

type breakRequester interface {
	RequestBreak(agreementID model.AgreementID, reason billing.BreakReason)
}

// nextTickAfter returns the first time strictly after now of the form
// approvalTS + k*interval (k >= 0), avoiding "now + interval" drift (spec
// §4.10). It returns now itself when interval <= 0.
func nextTickAfter(approvalTS time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		return now
	}
	elapsed := now.Sub(approvalTS)
	if elapsed < 0 {
		return approvalTS
	}
	k := elapsed / interval
	return approvalTS.Add((k + 1) * interval)
}

// CreateActivity schedules periodic UpdateCost ticks for activityID (spec
// §4.10).
func (ap *AgreementPayment) CreateActivity(ctx context.Context, activityID model.ActivityID, pm cost.PaymentModel, interval time.Duration, approvalTS time.Time, opts billing.IssueOptions) {
	ap.mu.Lock()
	if ap.closed {
		ap.mu.Unlock()
		return
	}
	act := &activityPayment{
		id: activityID, paymentModel: pm, interval: interval,
		nextTick:       nextTickAfter(approvalTS, interval, time.Now()),
		acceptTimeout:  opts.AcceptTimeout,
		paymentTimeout: opts.PaymentTimeout,
	}
	ap.activities[activityID] = act
	ap.mu.Unlock()

	go ap.runActivity(ctx, act)
}

func (ap *AgreementPayment) runActivity(ctx context.Context, act *activityPayment) {
	for {
		ap.mu.Lock()
		if ap.closed || act.finalized {
			ap.mu.Unlock()
			return
		}
		wait := time.Until(act.nextTick)
		ap.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		ap.updateCost(ctx, act)

		ap.mu.Lock()
		if ap.closed || act.finalized {
			ap.mu.Unlock()
			return
		}
		act.nextTick = act.nextTick.Add(act.interval)
		ap.mu.Unlock()
	}
}

// updateCost is one UpdateCost tick: compute cost, issue and send a debit
// note; if sending repeatedly fails past the accept timeout, the requestor
// is presumed unreachable and the agreement is broken (spec §4.10).
func (ap *AgreementPayment) updateCost(ctx context.Context, act *activityPayment) {
	amount, usage, err := ap.costEngine.ComputeCost(ctx, act.paymentModel, act.id)
	if err != nil {
		ap.log.Warnw("cost computation failed", "activity", act.id, "err", err)
		return
	}

	_, err = ap.chain.Issue(ctx, ap.agreementID, act.id, amount, usage, billing.IssueOptions{
		AcceptTimeout: act.acceptTimeout, PaymentTimeout: act.paymentTimeout,
	})

	ap.mu.Lock()
	now := time.Now()
	if err != nil {
		unreachable := act.acceptTimeout != nil && !act.lastSentAt.IsZero() && now.After(act.lastSentAt.Add(*act.acceptTimeout))
		ap.mu.Unlock()
		if unreachable {
			ap.requestBreak(billing.ReasonRequestorUnreachable)
		}
		return
	}
	act.lastSentAt = now
	ap.mu.Unlock()
}

// ActivityDestroyed emits the final debit note under a backoff loop (3s,
// growing x1.5 up to 5h between attempts, with no cap on the number of
// attempts: it keeps trying until it succeeds, the agreement is closed, or
// ctx is done), then finalizes the activity (spec §4.10). Each Issue call
// runs under mu, so final notes of one agreement are issued one at a time.
func (ap *AgreementPayment) ActivityDestroyed(ctx context.Context, activityID model.ActivityID, finalAmount decimal.Decimal, usage model.UsageVector) {
	ap.mu.Lock()
	act, ok := ap.activities[activityID]
	ap.mu.Unlock()
	if !ok {
		return
	}

	backoff := 3 * time.Second
	const maxBackoff = 5 * time.Hour
	for {
		ap.mu.Lock()
		if ap.closed {
			ap.mu.Unlock()
			return
		}

		_, err := ap.chain.Issue(ctx, ap.agreementID, activityID, finalAmount, usage, billing.IssueOptions{
			AcceptTimeout: act.acceptTimeout, PaymentTimeout: act.paymentTimeout,
		})
		ap.mu.Unlock()
		if err == nil {
			break
		}
		ap.log.Warnw("final debit note send failed, retrying", "activity", activityID, "backoff", backoff, "err", err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = time.Duration(float64(backoff) * 1.5)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	ap.FinalizeActivity(activityID)
}

// FinalizeActivity marks activityID as done ticking.
func (ap *AgreementPayment) FinalizeActivity(activityID model.ActivityID) {
	ap.mu.Lock()
	if act, ok := ap.activities[activityID]; ok {
		act.finalized = true
	}
	ap.mu.Unlock()
}

// AllFinalized reports whether every tracked activity has finished.
func (ap *AgreementPayment) AllFinalized() bool {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	for _, act := range ap.activities {
		if !act.finalized {
			return false
		}
	}
	return true
}

// WaitFinalized blocks until every tracked activity has finished or ctx is
// done.
func (ap *AgreementPayment) WaitFinalized(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if ap.AllFinalized() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ActivityIDs returns every activity tracked under this agreement.
func (ap *AgreementPayment) ActivityIDs() []model.ActivityID {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ids := make([]model.ActivityID, 0, len(ap.activities))
	for id := range ap.activities {
		ids = append(ids, id)
	}
	return ids
}

// Close stops ticking and deadline tracking for this agreement (spec
// §4.10: AgreementClosed/AgreementBroken stop both deadline checkers for
// the category).
func (ap *AgreementPayment) Close() {
	ap.mu.Lock()
	ap.closed = true
	ap.mu.Unlock()
	ap.deadlines.StopTrackingCategory(string(ap.agreementID))
}

func (ap *AgreementPayment) requestBreak(reason billing.BreakReason) {
	if ap.breaker != nil {
		ap.breaker.RequestBreak(ap.agreementID, reason)
	}
}

// Orchestrator is the C11 registry: one AgreementPayment per tracked
// agreement, fed DeadlineElapsed events from C10 and emitting BreakAgreement
// toward the negotiation layer (spec §4.10).
type Orchestrator struct {
	log        *zap.SugaredLogger
	costEngine CostEngine
	chain      DebitNoteChain
	invoicer   InvoiceIssuer
	deadlines  DeadlineTracker

	mu         sync.Mutex
	agreements map[model.AgreementID]*AgreementPayment

	breaks chan BreakAgreement
}

func NewOrchestrator(costEngine CostEngine, chain DebitNoteChain, invoicer InvoiceIssuer, deadlines DeadlineTracker, log *zap.SugaredLogger) *Orchestrator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Orchestrator{
		log: log, costEngine: costEngine, chain: chain, invoicer: invoicer, deadlines: deadlines,
		agreements: make(map[model.AgreementID]*AgreementPayment),
		breaks:     make(chan BreakAgreement, 16),
	}
}

// Breaks exposes the BreakAgreement stream for the negotiation layer to
// consume and act on (terminate the agreement).
func (o *Orchestrator) Breaks() <-chan BreakAgreement { return o.breaks }

// RequestBreak emits at most one BreakAgreement per agreement even if
// multiple deadlines or events race to request it (spec §8: "a single
// BreakAgreement is emitted per agreement").
func (o *Orchestrator) RequestBreak(agreementID model.AgreementID, reason billing.BreakReason) {
	o.mu.Lock()
	ap, ok := o.agreements[agreementID]
	o.mu.Unlock()

	if ok {
		ap.mu.Lock()
		already := ap.deadlineElapsed
		ap.deadlineElapsed = true
		ap.mu.Unlock()
		if already {
			return
		}
	}

	select {
	case o.breaks <- BreakAgreement{AgreementID: agreementID, Reason: reason}:
	default:
		o.log.Warnw("break queue full, dropping", "agreement", agreementID)
	}
}

// TrackAgreement starts tracking a freshly-signed agreement (spec §4.10:
// "for each new signed agreement, creates AgreementPayment").
func (o *Orchestrator) TrackAgreement(agreementID model.AgreementID) *AgreementPayment {
	ap := &AgreementPayment{
		log: o.log, agreementID: agreementID,
		costEngine: o.costEngine, chain: o.chain, deadlines: o.deadlines, breaker: o,
		activities: make(map[model.ActivityID]*activityPayment),
	}
	o.mu.Lock()
	o.agreements[agreementID] = ap
	o.mu.Unlock()
	return ap
}

// Get returns the AgreementPayment tracked for agreementID, if any.
func (o *Orchestrator) Get(agreementID model.AgreementID) (*AgreementPayment, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ap, ok := o.agreements[agreementID]
	return ap, ok
}

// AgreementClosed stops billing for agreementID (spec §4.10). Callers
// should follow with CloseAndInvoice once every activity has finalized.
func (o *Orchestrator) AgreementClosed(agreementID model.AgreementID) {
	o.mu.Lock()
	ap, ok := o.agreements[agreementID]
	o.mu.Unlock()
	if !ok {
		return
	}
	ap.Close()
}

// CloseAndInvoice stops billing, waits for every activity to finalize, and
// issues+sends the single final invoice (spec §4.10: "AgreementClosed...
// issue and send invoice async").
func (o *Orchestrator) CloseAndInvoice(ctx context.Context, agreementID model.AgreementID, amount decimal.Decimal, dueDate time.Time, stop <-chan struct{}) (*model.Invoice, error) {
	o.mu.Lock()
	ap, ok := o.agreements[agreementID]
	o.mu.Unlock()
	if !ok {
		return nil, nil
	}
	ap.Close()
	if err := ap.WaitFinalized(ctx); err != nil {
		return nil, err
	}

	ids := ap.ActivityIDs()
	inv := o.invoicer.Issue(agreementID, ids, amount, dueDate)
	go o.invoicer.SendWithRetry(ctx, inv, stop)
	return inv, nil
}

// InvoiceSettled drops agreementID from the tracking map once its invoice
// settles (spec §4.10).
func (o *Orchestrator) InvoiceSettled(agreementID model.AgreementID) {
	o.mu.Lock()
	delete(o.agreements, agreementID)
	o.mu.Unlock()
}

// RunDeadlineDispatch drains elapsed deadlines from elapsed and routes each
// to RequestBreak with a reason decoded from the id's prefix (spec §4.10).
func (o *Orchestrator) RunDeadlineDispatch(ctx context.Context, elapsed <-chan deadline.Elapsed) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-elapsed:
			if !ok {
				return
			}
			o.handleDeadlineElapsed(e)
		}
	}
}

func (o *Orchestrator) handleDeadlineElapsed(e deadline.Elapsed) {
	agreementID := model.AgreementID(e.Category)
	var reason billing.BreakReason
	switch {
	case strings.HasPrefix(e.ID, "accept-"):
		reason = billing.ReasonDebitNotesDeadline
	case strings.HasPrefix(e.ID, "payment-"):
		reason = billing.ReasonDebitNoteNotPaid
	default:
		o.log.Warnw("deadline elapsed with unrecognized id prefix", "id", e.ID)
		return
	}
	o.RequestBreak(agreementID, reason)
}
