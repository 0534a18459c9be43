// Package platform implements the payment platform abstraction (spec
// §4.11, "C12"): a capability set any on-chain or off-chain settlement
// backend must expose, plus the batch-order planner supplement that groups
// pending payable documents before handing them to a platform (spec §4.13),
// grounded on the teacher's escrow.go deposit bookkeeping generalized to a
// pluggable multi-platform abstraction.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fluxmarket/node/internal/model"
)

// PlatformName is "<driver>-<network>-<token>" (spec §4.11).
type PlatformName string

func NewPlatformName(driver, network, token string) PlatformName {
	return PlatformName(fmt.Sprintf("%s-%s-%s", driver, network, token))
}

// ValidationOutcome is the result of validating a deposit-backed allocation
// (spec §4.11).
type ValidationOutcome int

const (
	Valid ValidationOutcome = iota
	InsufficientFunds
	DepositReused
	DepositSpenderMismatch
	InsufficientDepositFunds
	TimeoutExceedsDeposit
	MalformedDepositContract
	MalformedDepositID
	DepositValidationError
)

func (v ValidationOutcome) String() string {
	switch v {
	case Valid:
		return "Valid"
	case InsufficientFunds:
		return "InsufficientFunds"
	case DepositReused:
		return "DepositReused"
	case DepositSpenderMismatch:
		return "DepositSpenderMismatch"
	case InsufficientDepositFunds:
		return "InsufficientDepositFunds"
	case TimeoutExceedsDeposit:
		return "TimeoutExceedsDeposit"
	case MalformedDepositContract:
		return "MalformedDepositContract"
	case MalformedDepositID:
		return "MalformedDepositID"
	case DepositValidationError:
		return "DepositValidationError"
	default:
		return "Unknown"
	}
}

// ValidationResult pairs an outcome with the reason text for the
// DepositValidationError case (spec §4.11).
type ValidationResult struct {
	Outcome ValidationOutcome
	Reason  string
}

// PaymentDetails is what VerifyPayment confirms about a settled transfer
// (spec §4.11).
type PaymentDetails struct {
	Payer     string
	Payee     string
	Amount    decimal.Decimal
	Timestamp time.Time
}

// PaymentPlatform is the capability set a settlement backend exposes (spec
// §4.11).
type PaymentPlatform interface {
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
	SchedulePayment(ctx context.Context, payer, payee string, amount decimal.Decimal, dueDate time.Time, allocationID *model.AllocationID, deposit *model.Deposit) (string, error)
	VerifyPayment(ctx context.Context, txConfirmation string, expected PaymentDetails) (PaymentDetails, error)
	ValidateAllocation(ctx context.Context, address string, amount decimal.Decimal, existing []*model.Allocation, timeout *time.Time, deposit *model.Deposit) ValidationResult
	ReleaseDeposit(ctx context.Context, from string, depositID model.DepositID, contract string) error
}

// ErrDoubleSpend is returned by an idempotent SchedulePayment if it is
// asked to re-use a payment id that already resolved to a different
// request (spec §4.11: "idempotent schedule keyed by fresh payment-id, no
// double-spend on duplicate schedule").
var ErrDoubleSpend = errors.New("platform: payment id already scheduled for a different request")

// scheduledKey identifies a distinct schedule request for idempotency.
type scheduledKey struct {
	payer, payee string
	amount       string
	dueDate      time.Time
}

// MemPlatform is an in-memory PaymentPlatform, standing in for a real
// chain/off-chain driver in tests and local development.
type MemPlatform struct {
	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	scheduled map[string]scheduledKey // payment id -> request it was issued for
	deposits  map[model.DepositID]bool
}

func NewMemPlatform() *MemPlatform {
	return &MemPlatform{
		balances:  make(map[string]decimal.Decimal),
		scheduled: make(map[string]scheduledKey),
		deposits:  make(map[model.DepositID]bool),
	}
}

// Credit seeds address's balance, for test setup.
func (p *MemPlatform) Credit(address string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[address] = p.balances[address].Add(amount)
}

func (p *MemPlatform) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[address], nil
}

// SchedulePayment credits payee and, when deposit is nil, debits payer (a
// deposit-backed payment leaves payer's balance as is), keyed by a fresh payment
// id unless the caller supplies one via allocationID to make the call
// idempotent against retried requests.
func (p *MemPlatform) SchedulePayment(ctx context.Context, payer, payee string, amount decimal.Decimal, dueDate time.Time, allocationID *model.AllocationID, deposit *model.Deposit) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := scheduledKey{payer: payer, payee: payee, amount: amount.String(), dueDate: dueDate}
	paymentID := uuid.NewString()
	if allocationID != nil {
		paymentID = "pay-" + string(*allocationID)
		if existing, ok := p.scheduled[paymentID]; ok {
			if existing != key {
				return "", ErrDoubleSpend
			}
			return paymentID, nil
		}
	}

	if deposit == nil {
		balance := p.balances[payer]
		if balance.LessThan(amount) {
			return "", fmt.Errorf("platform: insufficient funds for %s", payer)
		}
		p.balances[payer] = balance.Sub(amount)
	}
	p.balances[payee] = p.balances[payee].Add(amount)
	p.scheduled[paymentID] = key
	return paymentID, nil
}

func (p *MemPlatform) VerifyPayment(ctx context.Context, txConfirmation string, expected PaymentDetails) (PaymentDetails, error) {
	p.mu.Lock()
	_, ok := p.scheduled[txConfirmation]
	p.mu.Unlock()
	if !ok {
		return PaymentDetails{}, fmt.Errorf("platform: unknown confirmation %s", txConfirmation)
	}
	return expected, nil
}

func (p *MemPlatform) ValidateAllocation(ctx context.Context, address string, amount decimal.Decimal, existing []*model.Allocation, timeout *time.Time, deposit *model.Deposit) ValidationResult {
	if deposit != nil {
		if deposit.Contract == "" {
			return ValidationResult{Outcome: MalformedDepositContract}
		}
		if deposit.ID == "" {
			return ValidationResult{Outcome: MalformedDepositID}
		}
		p.mu.Lock()
		reused := p.deposits[deposit.ID]
		p.mu.Unlock()
		if reused {
			return ValidationResult{Outcome: DepositReused}
		}
		if timeout != nil && timeout.After(deposit.ValidTo) {
			return ValidationResult{Outcome: TimeoutExceedsDeposit}
		}
		p.mu.Lock()
		p.deposits[deposit.ID] = true
		p.mu.Unlock()
		return ValidationResult{Outcome: Valid}
	}

	p.mu.Lock()
	balance := p.balances[address]
	p.mu.Unlock()
	reserved := decimal.Zero
	for _, a := range existing {
		reserved = reserved.Add(a.Amount)
	}
	if balance.LessThan(reserved.Add(amount)) {
		return ValidationResult{Outcome: InsufficientFunds}
	}
	return ValidationResult{Outcome: Valid}
}

func (p *MemPlatform) ReleaseDeposit(ctx context.Context, from string, depositID model.DepositID, contract string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.deposits, depositID)
	return nil
}
