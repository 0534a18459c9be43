// Package cost implements the cost engine (spec §4.7, "C8"): computing a
// monotone, big-decimal activity cost from a usage vector under a pluggable
// payment model, grounded on the teacher's resource_marketplace.go pricing
// helpers generalized to the spec's linear/capped/custom model family.
package cost

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/fluxmarket/node/internal/model"
)

// ActivityAPI fetches the latest usage vector reported by the exe-unit
// running an activity (spec §4.7).
type ActivityAPI interface {
	UsageVector(ctx context.Context, id model.ActivityID) (model.UsageVector, error)
}

// PaymentModel turns a usage vector into a cost (spec §4.7: linear, capped,
// or custom). Implementations must be pure functions of usage.
type PaymentModel interface {
	Compute(usage model.UsageVector) (decimal.Decimal, model.UsageVector, error)
}

// Linear is "coefficients per counter + constant" (spec §4.7).
type Linear struct {
	Coefficients map[string]decimal.Decimal
	Constant     decimal.Decimal
}

func (l Linear) Compute(usage model.UsageVector) (decimal.Decimal, model.UsageVector, error) {
	total := l.Constant
	for counter, coeff := range l.Coefficients {
		v, ok := usage[counter]
		if !ok {
			continue
		}
		total = total.Add(coeff.Mul(v))
	}
	return total, usage.Clone(), nil
}

// Capped wraps another model and clamps its result to Max (spec §4.7).
type Capped struct {
	Inner PaymentModel
	Max   decimal.Decimal
}

func (c Capped) Compute(usage model.UsageVector) (decimal.Decimal, model.UsageVector, error) {
	total, snapshot, err := c.Inner.Compute(usage)
	if err != nil {
		return decimal.Zero, snapshot, err
	}
	if total.GreaterThan(c.Max) {
		total = c.Max
	}
	return total, snapshot, nil
}

// Custom adapts an arbitrary pricing function, e.g. one driven by an
// external oracle (spec §4.7).
type Custom struct {
	Fn func(usage model.UsageVector) (decimal.Decimal, model.UsageVector, error)
}

func (c Custom) Compute(usage model.UsageVector) (decimal.Decimal, model.UsageVector, error) {
	return c.Fn(usage)
}

// Engine computes cost for activities, enforcing that the value it returns
// for a given activity never decreases even if a usage report regresses
// (spec §4.7: "costs are monotone nondecreasing per activity under the
// contract that usage counters are monotone" — the clamp here is the
// engine's defense if that contract is ever violated upstream).
type Engine struct {
	api ActivityAPI

	mu   sync.Mutex
	last map[model.ActivityID]decimal.Decimal
}

func NewEngine(api ActivityAPI) *Engine {
	return &Engine{api: api, last: make(map[model.ActivityID]decimal.Decimal)}
}

// ComputeCost fetches activityID's latest usage and applies pm, clamping the
// result so it never drops below the last value this engine returned for
// that activity (spec §4.7).
func (e *Engine) ComputeCost(ctx context.Context, pm PaymentModel, activityID model.ActivityID) (decimal.Decimal, model.UsageVector, error) {
	usage, err := e.api.UsageVector(ctx, activityID)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("cost: fetch usage for %s: %w", activityID, err)
	}
	total, snapshot, err := pm.Compute(usage)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("cost: compute for %s: %w", activityID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.last[activityID]; ok && total.LessThan(prev) {
		total = prev
	}
	e.last[activityID] = total
	return total, snapshot, nil
}

// Forget drops activityID's monotone floor, for use once an activity has
// been finalized and billed in full.
func (e *Engine) Forget(activityID model.ActivityID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.last, activityID)
}
