package cost

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmarket/node/internal/model"
)

type fakeAPI struct {
	usage map[model.ActivityID]model.UsageVector
}

func (f *fakeAPI) UsageVector(ctx context.Context, id model.ActivityID) (model.UsageVector, error) {
	u, ok := f.usage[id]
	if !ok {
		return nil, assert.AnError
	}
	return u, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestLinear_Compute(t *testing.T) {
	cases := []struct {
		name  string
		model Linear
		usage model.UsageVector
		want  string
	}{
		{
			name:  "constant only",
			model: Linear{Constant: dec("1.5")},
			usage: model.UsageVector{},
			want:  "1.5",
		},
		{
			name:  "single counter",
			model: Linear{Coefficients: map[string]decimal.Decimal{"cpu_sec": dec("0.01")}, Constant: dec("0")},
			usage: model.UsageVector{"cpu_sec": dec("100")},
			want:  "1",
		},
		{
			name: "multiple counters plus constant",
			model: Linear{
				Coefficients: map[string]decimal.Decimal{"cpu_sec": dec("0.01"), "ram_gib_sec": dec("0.001")},
				Constant:     dec("0.05"),
			},
			usage: model.UsageVector{"cpu_sec": dec("100"), "ram_gib_sec": dec("1000")},
			want:  "2.05",
		},
		{
			name:  "unknown counter ignored",
			model: Linear{Coefficients: map[string]decimal.Decimal{"cpu_sec": dec("1")}, Constant: dec("0")},
			usage: model.UsageVector{"disk_sec": dec("999")},
			want:  "0",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			total, snapshot, err := tc.model.Compute(tc.usage)
			require.NoError(t, err)
			assert.True(t, dec(tc.want).Equal(total), "got %s want %s", total, tc.want)
			assert.Equal(t, len(tc.usage), len(snapshot))
		})
	}
}

func TestCapped_Compute(t *testing.T) {
	inner := Linear{Coefficients: map[string]decimal.Decimal{"cpu_sec": dec("1")}, Constant: dec("0")}
	capped := Capped{Inner: inner, Max: dec("10")}

	total, _, err := capped.Compute(model.UsageVector{"cpu_sec": dec("5")})
	require.NoError(t, err)
	assert.True(t, dec("5").Equal(total))

	total, _, err = capped.Compute(model.UsageVector{"cpu_sec": dec("50")})
	require.NoError(t, err)
	assert.True(t, dec("10").Equal(total))
}

func TestCustom_Compute(t *testing.T) {
	called := false
	custom := Custom{Fn: func(u model.UsageVector) (decimal.Decimal, model.UsageVector, error) {
		called = true
		return dec("42"), u, nil
	}}
	total, _, err := custom.Compute(model.UsageVector{})
	require.NoError(t, err)
	assert.True(t, called)
	assert.True(t, dec("42").Equal(total))
}

func TestEngine_ComputeCost_Monotone(t *testing.T) {
	activityID := model.ActivityID("act-1")
	api := &fakeAPI{usage: map[model.ActivityID]model.UsageVector{
		activityID: {"cpu_sec": dec("100")},
	}}
	engine := NewEngine(api)
	pm := Linear{Coefficients: map[string]decimal.Decimal{"cpu_sec": dec("1")}, Constant: dec("0")}

	first, _, err := engine.ComputeCost(context.Background(), pm, activityID)
	require.NoError(t, err)
	assert.True(t, dec("100").Equal(first))

	// A usage regression (e.g. a stale report arriving out of order) must
	// not lower the cost the engine has already committed to.
	api.usage[activityID] = model.UsageVector{"cpu_sec": dec("10")}
	second, _, err := engine.ComputeCost(context.Background(), pm, activityID)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))

	api.usage[activityID] = model.UsageVector{"cpu_sec": dec("200")}
	third, _, err := engine.ComputeCost(context.Background(), pm, activityID)
	require.NoError(t, err)
	assert.True(t, dec("200").Equal(third))
}

func TestEngine_ComputeCost_FetchError(t *testing.T) {
	api := &fakeAPI{usage: map[model.ActivityID]model.UsageVector{}}
	engine := NewEngine(api)
	_, _, err := engine.ComputeCost(context.Background(), Linear{}, "missing")
	require.Error(t, err)
}

func TestEngine_Forget(t *testing.T) {
	activityID := model.ActivityID("act-1")
	api := &fakeAPI{usage: map[model.ActivityID]model.UsageVector{activityID: {"x": dec("10")}}}
	engine := NewEngine(api)
	pm := Linear{Coefficients: map[string]decimal.Decimal{"x": dec("1")}}

	_, _, err := engine.ComputeCost(context.Background(), pm, activityID)
	require.NoError(t, err)
	engine.Forget(activityID)

	api.usage[activityID] = model.UsageVector{"x": dec("1")}
	total, _, err := engine.ComputeCost(context.Background(), pm, activityID)
	require.NoError(t, err)
	assert.True(t, dec("1").Equal(total))
}
