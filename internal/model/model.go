// Package model holds the durable data types shared across the market,
// negotiation, and payment subsystems (spec §3). It has no behavior beyond
// small invariant helpers; persistence lives in internal/store, business
// logic in the subsystem packages.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fluxmarket/node/internal/identity"
)

type SubscriptionID string
type ProposalID string
type AgreementID string
type ActivityID string
type DebitNoteID string
type InvoiceID string
type AllocationID string
type DepositID string
type BatchOrderID string
type AppSessionID string

// NewSubscriptionID computes the content hash the spec requires: a stable
// id over (properties, constraints, owner, created_ts, expires_ts).
func NewSubscriptionID(propsJSON, constraints []byte, owner identity.NodeID, created, expires time.Time) SubscriptionID {
	h := sha256.New()
	h.Write(propsJSON)
	h.Write(constraints)
	h.Write([]byte(owner))
	h.Write([]byte(created.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(expires.UTC().Format(time.RFC3339Nano)))
	return SubscriptionID(hex.EncodeToString(h.Sum(nil)))
}

type SubscriptionKind int

const (
	KindOffer SubscriptionKind = iota
	KindDemand
)

type SubscriptionState int

const (
	SubscriptionActive SubscriptionState = iota
	SubscriptionExpired
	SubscriptionUnsubscribed
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionActive:
		return "Active"
	case SubscriptionExpired:
		return "Expired"
	case SubscriptionUnsubscribed:
		return "Unsubscribed"
	default:
		return "Unknown"
	}
}

// Subscription is a durable Offer or Demand (spec §3). Immutable after
// creation except for State.
type Subscription struct {
	ID          SubscriptionID
	Kind        SubscriptionKind
	Owner       identity.NodeID
	Properties  *PropertySet
	Constraints Expr
	CreatedAt   time.Time
	ExpiresAt   time.Time
	State       SubscriptionState
}

func (s *Subscription) Active(now time.Time) bool {
	return s.State == SubscriptionActive && now.Before(s.ExpiresAt)
}

type subscriptionWire struct {
	ID          SubscriptionID
	Kind        SubscriptionKind
	Owner       identity.NodeID
	Properties  *PropertySet
	Constraints json.RawMessage
	CreatedAt   time.Time
	ExpiresAt   time.Time
	State       SubscriptionState
}

// MarshalJSON persists Constraints via MarshalExpr since Expr is an
// interface with no exported discriminant of its own.
func (s *Subscription) MarshalJSON() ([]byte, error) {
	constraints, err := MarshalExpr(s.Constraints)
	if err != nil {
		return nil, err
	}
	return json.Marshal(subscriptionWire{
		ID: s.ID, Kind: s.Kind, Owner: s.Owner, Properties: s.Properties,
		Constraints: constraints, CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt, State: s.State,
	})
}

func (s *Subscription) UnmarshalJSON(data []byte) error {
	var w subscriptionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	constraints, err := UnmarshalExpr(w.Constraints)
	if err != nil {
		return err
	}
	s.ID, s.Kind, s.Owner, s.Properties = w.ID, w.Kind, w.Owner, w.Properties
	s.Constraints, s.CreatedAt, s.ExpiresAt, s.State = constraints, w.CreatedAt, w.ExpiresAt, w.State
	return nil
}

type ProposalIssuer int

const (
	IssuerUs ProposalIssuer = iota
	IssuerThem
)

type ProposalOwner int

const (
	OwnerProvider ProposalOwner = iota
	OwnerRequestor
)

type ProposalState int

const (
	ProposalInitial ProposalState = iota
	ProposalDraft
	ProposalAccepted
	ProposalRejected
	ProposalExpired
)

// NegotiationRef pins a proposal to the bilateral context it lives in.
type NegotiationRef struct {
	SubscriptionID SubscriptionID
	DemandID       SubscriptionID
	OfferID        SubscriptionID
	ProviderID     identity.NodeID
	RequestorID    identity.NodeID
}

// ProposalBody is the negotiable content of a proposal.
type ProposalBody struct {
	Properties    *PropertySet
	Constraints   Expr
	ExpirationsAt time.Time
}

// Proposal is one link of a subscription's proposal chain (spec §3, §4.6.1).
// ProposalIDs differ on the two sides for the same logical proposal.
type Proposal struct {
	ID             ProposalID
	SubscriptionID SubscriptionID
	PrevProposalID ProposalID // empty for the initial proposal
	Issuer         ProposalIssuer
	Owner          ProposalOwner
	Body           ProposalBody
	Negotiation    NegotiationRef
	State          ProposalState
	Countered      bool // true once a counter-proposal has been sent for this id
	CreatedAt      time.Time
}

type AgreementState int

const (
	AgreementProposal AgreementState = iota
	// AgreementProposalConfirmed is "Proposal/req" in spec §4.6.3: created but
	// not yet confirmed by the requestor.
	AgreementProposalConfirmed
	AgreementPending
	AgreementApproving
	AgreementApproved
	AgreementRejected
	AgreementCancelled
	AgreementTerminated
	AgreementExpired
)

func (s AgreementState) String() string {
	switch s {
	case AgreementProposal:
		return "Proposal"
	case AgreementProposalConfirmed:
		return "Proposal/req"
	case AgreementPending:
		return "Pending"
	case AgreementApproving:
		return "Approving"
	case AgreementApproved:
		return "Approved"
	case AgreementRejected:
		return "Rejected"
	case AgreementCancelled:
		return "Cancelled"
	case AgreementTerminated:
		return "Terminated"
	case AgreementExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// Agreement is the bilateral, signed contract for compute (spec §3, §4.6.3).
type Agreement struct {
	ID                  AgreementID
	DemandID            SubscriptionID
	OfferID             SubscriptionID
	ProposalID          ProposalID
	Owner               ProposalOwner
	ProviderID          identity.NodeID
	RequestorID         identity.NodeID
	ProposedSignature   []byte
	ApprovedSignature   []byte
	CommittedSignature  []byte
	ValidTo             time.Time
	AppSessionID        AppSessionID
	State               AgreementState
	CreatedAt           time.Time
	ConfirmedAt         *time.Time
	ApprovedAt          *time.Time
	CommittedAt         *time.Time
	TerminatedAt        *time.Time
	TerminationReason   string
}

type ActivityState int

const (
	ActivityCreated ActivityState = iota
	ActivityRunning
	ActivityFinalized
)

// UsageVector is a named counter -> value snapshot reported by the exe-unit.
type UsageVector map[string]decimal.Decimal

func (u UsageVector) Clone() UsageVector {
	out := make(UsageVector, len(u))
	for k, v := range u {
		out[k] = v
	}
	return out
}

// Activity is a running workload instance owned by an Agreement (spec §3).
type Activity struct {
	ID                  ActivityID
	AgreementID         AgreementID
	State               ActivityState
	Usage               UsageVector
	LastAmountDue       decimal.Decimal
	LastAmountScheduled decimal.Decimal
	LastAmountPaid      decimal.Decimal
	CreatedAt           time.Time
	FinalizedAt         *time.Time
}

type DebitNoteStatus int

const (
	DebitNoteIssued DebitNoteStatus = iota
	DebitNoteReceived
	DebitNoteAccepted
	DebitNoteRejected
	DebitNoteSettled
	DebitNoteCancelled
	DebitNoteFailed
)

func (s DebitNoteStatus) String() string {
	switch s {
	case DebitNoteIssued:
		return "Issued"
	case DebitNoteReceived:
		return "Received"
	case DebitNoteAccepted:
		return "Accepted"
	case DebitNoteRejected:
		return "Rejected"
	case DebitNoteSettled:
		return "Settled"
	case DebitNoteCancelled:
		return "Cancelled"
	case DebitNoteFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// DebitNote is one link of an activity's monotone billing chain (spec §3,
// §4.8).
type DebitNote struct {
	ID              DebitNoteID
	ActivityID      ActivityID
	PrevDebitNoteID DebitNoteID
	TotalAmountDue  decimal.Decimal
	Usage           UsageVector
	PaymentDueDate  *time.Time
	Status          DebitNoteStatus
	IssuedAt        time.Time
}

// Payable reports whether this note expects settlement by a due date.
func (d *DebitNote) Payable() bool { return d.PaymentDueDate != nil }

type InvoiceStatus int

const (
	InvoiceIssued InvoiceStatus = iota
	InvoiceSent
	InvoiceAccepted
	InvoiceSettled
	InvoiceRejected
	InvoiceCancelled
)

func (s InvoiceStatus) String() string {
	switch s {
	case InvoiceIssued:
		return "Issued"
	case InvoiceSent:
		return "Sent"
	case InvoiceAccepted:
		return "Accepted"
	case InvoiceSettled:
		return "Settled"
	case InvoiceRejected:
		return "Rejected"
	case InvoiceCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceRejected || s == InvoiceCancelled || s == InvoiceSettled
}

// Invoice is the final bill issued once per agreement (spec §3, §4.8).
type Invoice struct {
	ID             InvoiceID
	AgreementID    AgreementID
	ActivityIDs    []ActivityID
	Amount         decimal.Decimal
	PaymentDueDate time.Time
	Status         InvoiceStatus
	IssuedAt       time.Time
}

// Deposit is an on-platform pre-funded pool a requestor spends from under
// spender/expiry constraints (spec glossary, §4.11, §4.12).
type Deposit struct {
	ID             DepositID
	Contract       string
	SpenderAddress string
	ValidTo        time.Time
}

// Allocation is a provisional lock of spendable balance (spec §3, §4.11).
type Allocation struct {
	ID      AllocationID
	Address string
	Amount  decimal.Decimal
	Spent   decimal.Decimal
	Deposit *Deposit
	Timeout *time.Time
}

type BatchDocumentKind int

const (
	DocumentDebitNote BatchDocumentKind = iota
	DocumentInvoice
)

// BatchOrderItemDocument folds one billing document into a batch item's
// total (spec §3 supplement, grounded on original_source core/payment/src/dao/batch.rs).
type BatchOrderItemDocument struct {
	ItemID   string
	Kind     BatchDocumentKind
	DocumentID string
	Amount   decimal.Decimal
}

// BatchOrderItem carries one payee's per-document amounts within a batch.
type BatchOrderItem struct {
	ID        string
	Payee     string
	Amount    decimal.Decimal
	Documents []BatchOrderItemDocument
}

// BatchOrder groups obligations by (payer, payee-set, platform) into a
// single on-platform transaction (spec §3, §4.13).
type BatchOrder struct {
	ID       BatchOrderID
	Payer    string
	Platform string
	Items    []BatchOrderItem
	CreatedAt time.Time
}

func (b *BatchOrder) TotalAmount() decimal.Decimal {
	total := decimal.Zero
	for _, it := range b.Items {
		total = total.Add(it.Amount)
	}
	return total
}

// MarshalProperties is a small helper used when computing a SubscriptionID:
// it serializes a PropertySet's concrete names deterministically.
func MarshalProperties(p *PropertySet) ([]byte, error) {
	names := p.Names()
	flat := make(map[string]Value, len(names))
	for _, n := range names {
		v, _, _ := p.Lookup(n)
		flat[n] = v
	}
	return json.Marshal(flat)
}
