// Package billing implements the debit-note/invoice chain (spec §4.8,
// "C9"): a monotone per-activity billing chain feeding deadline tracking
// under C10, plus the once-per-agreement invoice with retry-with-backoff,
// grounded on the teacher's escrow.go settlement bookkeeping generalized to
// the spec's chained-document model.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fluxmarket/node/internal/model"
)

// BreakReason enumerates why an agreement must be force-closed, derived
// either from an inbound billing event (spec §4.8) or an elapsed deadline
// (spec §4.10).
type BreakReason int

const (
	ReasonNone BreakReason = iota
	ReasonRequestorUnreachable
	ReasonDebitNotesDeadline
	ReasonDebitNoteNotPaid
	ReasonDebitNoteRejected
	ReasonDebitNoteCancelled
)

func (r BreakReason) String() string {
	switch r {
	case ReasonRequestorUnreachable:
		return "RequestorUnreachable"
	case ReasonDebitNotesDeadline:
		return "DebitNotesDeadline"
	case ReasonDebitNoteNotPaid:
		return "DebitNoteNotPaid"
	case ReasonDebitNoteRejected:
		return "DebitNoteRejected"
	case ReasonDebitNoteCancelled:
		return "DebitNoteCancelled"
	default:
		return "None"
	}
}

// DeadlineTracker is the C10 capability billing schedules accept/payment
// deadlines against.
type DeadlineTracker interface {
	TrackDeadline(category, id string, deadline time.Time)
	StopTracking(id, category string)
	StopTrackingCategory(category string)
}

// DebitNoteSender delivers a debit note to the counterparty over the bus
// (spec §6: DebitNote message).
type DebitNoteSender interface {
	SendDebitNote(ctx context.Context, note *model.DebitNote) error
}

// InvoiceSender delivers an invoice to the counterparty over the bus (spec
// §6: Invoice message).
type InvoiceSender interface {
	SendInvoice(ctx context.Context, inv *model.Invoice) error
}

// BreakRequester lets billing ask the payments orchestrator to force-close
// an agreement (spec §4.8, §4.10).
type BreakRequester interface {
	RequestBreak(agreementID model.AgreementID, reason BreakReason)
}

// ErrNotMonotone is returned when a caller tries to issue a debit note with
// a total_amount_due lower than the chain's current head (spec §4.8, §8's
// monotone-chain property).
var ErrNotMonotone = errors.New("billing: total_amount_due must not decrease along the chain")

// IssueOptions carries the optional per-note accept/payment timeouts (spec
// §4.8).
type IssueOptions struct {
	AcceptTimeout  *time.Duration
	PaymentTimeout *time.Duration
}

// Chain manages the per-activity debit-note chain (spec §4.8).
type Chain struct {
	log *zap.SugaredLogger

	deadlines DeadlineTracker
	sender    DebitNoteSender
	breaker   BreakRequester

	mu          sync.Mutex
	heads       map[model.ActivityID]*model.DebitNote
	agreementOf map[model.ActivityID]model.AgreementID
	byID        map[model.DebitNoteID]*model.DebitNote
}

func NewChain(deadlines DeadlineTracker, sender DebitNoteSender, breaker BreakRequester, log *zap.SugaredLogger) *Chain {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Chain{
		log: log, deadlines: deadlines, sender: sender, breaker: breaker,
		heads:       make(map[model.ActivityID]*model.DebitNote),
		agreementOf: make(map[model.ActivityID]model.AgreementID),
		byID:        make(map[model.DebitNoteID]*model.DebitNote),
	}
}

// Issue appends a new debit note to activityID's chain, enforcing the
// monotone total_amount_due invariant, sends it, and schedules the
// accept/payment deadlines under C10 (spec §4.8).
func (c *Chain) Issue(ctx context.Context, agreementID model.AgreementID, activityID model.ActivityID, totalAmountDue decimal.Decimal, usage model.UsageVector, opts IssueOptions) (*model.DebitNote, error) {
	c.mu.Lock()
	prev := c.heads[activityID]
	if prev != nil && totalAmountDue.LessThan(prev.TotalAmountDue) {
		c.mu.Unlock()
		return nil, ErrNotMonotone
	}
	note := &model.DebitNote{
		ID:             model.DebitNoteID(uuid.NewString()),
		ActivityID:     activityID,
		TotalAmountDue: totalAmountDue,
		Usage:          usage.Clone(),
		Status:         model.DebitNoteIssued,
		IssuedAt:       time.Now(),
	}
	if prev != nil {
		note.PrevDebitNoteID = prev.ID
	}
	if opts.PaymentTimeout != nil {
		due := note.IssuedAt.Add(*opts.PaymentTimeout)
		note.PaymentDueDate = &due
	}
	c.heads[activityID] = note
	c.agreementOf[activityID] = agreementID
	c.byID[note.ID] = note
	c.mu.Unlock()

	if err := c.sender.SendDebitNote(ctx, note); err != nil {
		c.mu.Lock()
		note.Status = model.DebitNoteFailed
		c.mu.Unlock()
		return note, fmt.Errorf("billing: send debit note %s: %w", note.ID, err)
	}

	c.mu.Lock()
	note.Status = model.DebitNoteReceived
	c.mu.Unlock()

	category := string(agreementID)
	if opts.AcceptTimeout != nil {
		c.deadlines.TrackDeadline(category, "accept-"+string(note.ID), note.IssuedAt.Add(*opts.AcceptTimeout))
	}
	if opts.PaymentTimeout != nil {
		c.deadlines.TrackDeadline(category, "payment-"+string(note.ID), *note.PaymentDueDate)
	}
	return note, nil
}

// HandleEvent applies an inbound debit-note lifecycle event (spec §4.8:
// Accepted|Settled|Cancelled|Rejected), stopping the relevant deadline and,
// for a terminal rejection, requesting the agreement be broken.
func (c *Chain) HandleEvent(noteID model.DebitNoteID, event string) {
	c.mu.Lock()
	note, ok := c.byID[noteID]
	var agreementID model.AgreementID
	if ok {
		agreementID = c.agreementOf[note.ActivityID]
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	category := string(agreementID)
	switch event {
	case "Accepted":
		c.deadlines.StopTracking("accept-"+string(noteID), category)
		c.mu.Lock()
		note.Status = model.DebitNoteAccepted
		c.mu.Unlock()
	case "Settled":
		c.deadlines.StopTracking("payment-"+string(noteID), category)
		c.mu.Lock()
		note.Status = model.DebitNoteSettled
		c.mu.Unlock()
	case "Cancelled":
		c.deadlines.StopTrackingCategory(category)
		c.mu.Lock()
		note.Status = model.DebitNoteCancelled
		c.mu.Unlock()
		if c.breaker != nil {
			c.breaker.RequestBreak(agreementID, ReasonDebitNoteCancelled)
		}
	case "Rejected":
		c.deadlines.StopTrackingCategory(category)
		c.mu.Lock()
		note.Status = model.DebitNoteRejected
		c.mu.Unlock()
		if c.breaker != nil {
			c.breaker.RequestBreak(agreementID, ReasonDebitNoteRejected)
		}
	}
}

// SetBreaker wires the break requester in after construction, for the
// common startup order where the orchestrator needs the chain to exist
// before it can be used as the chain's BreakRequester.
func (c *Chain) SetBreaker(breaker BreakRequester) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breaker = breaker
}

// Head returns the current chain head for activityID, if any.
func (c *Chain) Head(activityID model.ActivityID) (*model.DebitNote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.heads[activityID]
	return n, ok
}

// Invoicer issues and resends the single per-agreement invoice with
// exponential backoff (spec §4.8: initial 3s, ×1.5, cap 5h).
type Invoicer struct {
	log    *zap.SugaredLogger
	sender InvoiceSender

	mu       sync.Mutex
	invoices map[model.AgreementID]*model.Invoice
}

func NewInvoicer(sender InvoiceSender, log *zap.SugaredLogger) *Invoicer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Invoicer{log: log, sender: sender, invoices: make(map[model.AgreementID]*model.Invoice)}
}

// Issue records (but does not yet send) the single invoice for
// agreementID. Calling Issue twice for the same agreement returns the
// existing invoice unchanged: an agreement is invoiced exactly once (spec
// §4.8).
func (v *Invoicer) Issue(agreementID model.AgreementID, activityIDs []model.ActivityID, amount decimal.Decimal, dueDate time.Time) *model.Invoice {
	v.mu.Lock()
	defer v.mu.Unlock()
	if existing, ok := v.invoices[agreementID]; ok {
		return existing
	}
	inv := &model.Invoice{
		ID: model.InvoiceID(uuid.NewString()), AgreementID: agreementID,
		ActivityIDs: activityIDs, Amount: amount, PaymentDueDate: dueDate,
		Status: model.InvoiceIssued, IssuedAt: time.Now(),
	}
	v.invoices[agreementID] = inv
	return inv
}

// SendWithRetry delivers inv, retrying with the spec's exponential backoff
// schedule until it succeeds or ctx is done / stop fires.
func (v *Invoicer) SendWithRetry(ctx context.Context, inv *model.Invoice, stop <-chan struct{}) {
	const (
		initialBackoff = 3 * time.Second
		multiplier     = 1.5
		maxBackoff     = 5 * time.Hour
	)
	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		if err := v.sender.SendInvoice(ctx, inv); err != nil {
			v.log.Warnw("invoice send failed, retrying", "id", inv.ID, "backoff", backoff, "err", err)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-stop:
				timer.Stop()
				return
			case <-timer.C:
			}
			backoff = time.Duration(float64(backoff) * multiplier)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		v.mu.Lock()
		inv.Status = model.InvoiceSent
		v.mu.Unlock()
		return
	}
}

// HandleEvent applies an inbound invoice lifecycle event (spec §4.8:
// Accepted|Settled|Rejected|Cancelled).
func (v *Invoicer) HandleEvent(agreementID model.AgreementID, event string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	inv, ok := v.invoices[agreementID]
	if !ok {
		return
	}
	switch event {
	case "Accepted":
		inv.Status = model.InvoiceAccepted
	case "Settled":
		inv.Status = model.InvoiceSettled
	case "Rejected":
		inv.Status = model.InvoiceRejected
	case "Cancelled":
		inv.Status = model.InvoiceCancelled
	}
}

// Get returns the invoice tracked for agreementID, if any.
func (v *Invoicer) Get(agreementID model.AgreementID) (*model.Invoice, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	inv, ok := v.invoices[agreementID]
	return inv, ok
}
