// Package resolver evaluates LDAP-style constraint expressions against a
// property set (spec §4.3). It is the Go port of the grammar-level
// description in spec.md; the filter grammar itself is standard LDAP and is
// assumed already parsed into a model.Expr by the caller.
package resolver

import (
	"fmt"

	"github.com/fluxmarket/node/internal/model"
)

// Outcome tags the tri-state result of evaluating one expression.
type Outcome int

const (
	True Outcome = iota
	False
	Undefined
	Err
)

func (o Outcome) String() string {
	switch o {
	case True:
		return "True"
	case False:
		return "False"
	case Undefined:
		return "Undefined"
	default:
		return "Err"
	}
}

// Result is the full evaluation of one expression: an Outcome plus, for
// False/Undefined, the set of property references that could not be
// discharged and a minimal residual sub-expression carrying only the
// undischarged branches (spec §4.3).
type Result struct {
	Outcome   Outcome
	Unresolved []string
	Residual  model.Expr
	Err       error
}

// Eval evaluates expr against props and returns a tri-state Result with a
// reduced residual expression, per the reduction rules in spec §4.3.
func Eval(expr model.Expr, props *model.PropertySet) Result {
	switch e := expr.(type) {
	case model.And:
		return evalAnd(e, props)
	case model.Or:
		return evalOr(e, props)
	case model.Not:
		return evalNot(e, props)
	case model.Present:
		return evalPresent(e, props)
	case model.Compare:
		return evalCompare(e, props)
	default:
		return Result{Outcome: Err, Err: fmt.Errorf("resolver: unknown expr type %T", expr)}
	}
}

func evalAnd(e model.And, props *model.PropertySet) Result {
	if len(e.Children) == 0 {
		return Result{Outcome: True}
	}
	var residual []model.Expr
	var unresolved []string
	sawUndefined := false
	for _, c := range e.Children {
		r := Eval(c, props)
		switch r.Outcome {
		case Err:
			return r
		case False:
			// AND short-circuits to False on any False child.
			return Result{Outcome: False, Unresolved: r.Unresolved, Residual: r.Residual}
		case Undefined:
			sawUndefined = true
			unresolved = append(unresolved, r.Unresolved...)
			residual = append(residual, residualOf(r, c))
		case True:
			// discharged; contributes nothing to the residual
		}
	}
	if sawUndefined {
		return Result{Outcome: Undefined, Unresolved: unresolved, Residual: model.And{Children: residual}}
	}
	return Result{Outcome: True}
}

func evalOr(e model.Or, props *model.PropertySet) Result {
	if len(e.Children) == 0 {
		return Result{Outcome: False}
	}
	var residual []model.Expr
	var unresolved []string
	sawUndefined := false
	var lastFalse Result
	for _, c := range e.Children {
		r := Eval(c, props)
		switch r.Outcome {
		case Err:
			return r
		case True:
			// OR short-circuits to True on any True child.
			return Result{Outcome: True}
		case Undefined:
			sawUndefined = true
			unresolved = append(unresolved, r.Unresolved...)
			residual = append(residual, residualOf(r, c))
		case False:
			lastFalse = r
		}
	}
	if sawUndefined {
		return Result{Outcome: Undefined, Unresolved: unresolved, Residual: model.Or{Children: residual}}
	}
	return Result{Outcome: False, Unresolved: lastFalse.Unresolved, Residual: model.Or{Children: nil}}
}

func evalNot(e model.Not, props *model.PropertySet) Result {
	r := Eval(e.Child, props)
	switch r.Outcome {
	case True:
		return Result{Outcome: False}
	case False:
		return Result{Outcome: True}
	case Undefined:
		return Result{Outcome: Undefined, Unresolved: r.Unresolved, Residual: model.Not{Child: residualOf(r, e.Child)}}
	default:
		return r
	}
}

func evalPresent(e model.Present, props *model.PropertySet) Result {
	if !props.Present(e.Ref) {
		return Result{Outcome: False, Unresolved: []string{e.Ref}, Residual: e}
	}
	if _, _, implicit := props.Lookup(e.Ref); implicit {
		return Result{Outcome: Undefined, Unresolved: []string{e.Ref}, Residual: e}
	}
	return Result{Outcome: True}
}

func evalCompare(e model.Compare, props *model.PropertySet) Result {
	val, ok, implicit := props.Lookup(e.Ref)
	if !ok {
		return Result{Outcome: False, Unresolved: []string{e.Ref}, Residual: e}
	}
	if implicit {
		return Result{Outcome: Undefined, Unresolved: []string{e.Ref}, Residual: e}
	}
	if val.Kind != e.Value.Kind {
		return Result{Outcome: Undefined, Unresolved: []string{e.Ref}, Residual: e}
	}

	if e.Op == model.OpEqual || e.Op == model.OpApprox {
		if val.Equal(e.Value) {
			return Result{Outcome: True}
		}
		return Result{Outcome: False, Unresolved: []string{e.Ref}, Residual: e}
	}

	if val.Kind == model.KindList || val.Kind == model.KindBool {
		// spec §4.3: comparison operators beyond equality are undefined for
		// lists; booleans only support equality.
		return Result{Outcome: Undefined, Unresolved: []string{e.Ref}, Residual: e}
	}

	cmp, err := val.Compare(e.Value)
	if err != nil {
		return Result{Outcome: Undefined, Unresolved: []string{e.Ref}, Residual: e}
	}
	ok2 := false
	switch e.Op {
	case model.OpLess:
		ok2 = cmp < 0
	case model.OpLessEqual:
		ok2 = cmp <= 0
	case model.OpGreater:
		ok2 = cmp > 0
	case model.OpGreaterEqual:
		ok2 = cmp >= 0
	}
	if ok2 {
		return Result{Outcome: True}
	}
	return Result{Outcome: False, Unresolved: []string{e.Ref}, Residual: e}
}

// residualOf picks the minimal residual for a non-True child: its own
// residual if computed (And/Or/Not), else the child expression itself.
func residualOf(r Result, original model.Expr) model.Expr {
	if r.Residual != nil {
		return r.Residual
	}
	return original
}

// MatchOutcome is the two-sided verdict of matching a proposal (spec §4.3).
type MatchOutcome int

const (
	Yes MatchOutcome = iota
	No
	MatchUndefined
)

// MatchResult reports the combined verdict plus the mismatches surfaced on
// whichever side(s) failed.
type MatchResult struct {
	Outcome       MatchOutcome
	MismatchesA   []string
	MismatchesB   []string
}

// Match evaluates consA against propsB and consB against propsA, combining
// per spec §4.3: the match succeeds (Yes) iff both evaluations yield True.
func Match(consA model.Expr, propsA *model.PropertySet, consB model.Expr, propsB *model.PropertySet) MatchResult {
	ra := Eval(consA, propsB)
	rb := Eval(consB, propsA)

	if ra.Outcome == True && rb.Outcome == True {
		return MatchResult{Outcome: Yes}
	}
	if ra.Outcome == False || rb.Outcome == False {
		return MatchResult{Outcome: No, MismatchesA: ra.Unresolved, MismatchesB: rb.Unresolved}
	}
	return MatchResult{Outcome: MatchUndefined, MismatchesA: ra.Unresolved, MismatchesB: rb.Unresolved}
}
