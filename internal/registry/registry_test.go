package registry

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haetae-bot/haetae/internal/domain"
)

func TestNewPopulated_RegistersBuiltins(t *testing.T) {
	r := NewPopulated(zerolog.Nop())

	for _, name := range domain.FactorOrder {
		fn, err := r.Factor(name)
		require.NoError(t, err, "factor %s", name)
		assert.NotNil(t, fn)
	}

	fit, err := r.VolatilityFit("volatility_fit")
	require.NoError(t, err)
	assert.NotNil(t, fit)

	assert.Len(t, r.List(), len(domain.FactorOrder)+1)
}

func TestRegister_RejectsDuplicates(t *testing.T) {
	r := NewPopulated(zerolog.Nop())
	err := r.Register(Spec{
		Name: domain.FactorMomentum, Version: "v2", Kind: KindFactor, Factor: Momentum,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegister_RejectsKindMismatch(t *testing.T) {
	r := New(zerolog.Nop())
	err := r.Register(Spec{Name: "broken", Kind: KindOptimizer, Factor: Momentum})
	require.Error(t, err)
}

func TestRegister_RejectsMultipleFunctions(t *testing.T) {
	r := New(zerolog.Nop())
	err := r.Register(Spec{
		Name: "broken", Kind: KindFactor,
		Factor:        Momentum,
		VolatilityFit: BandVolatilityFit,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly 1")
}

func TestLookup_UnknownName(t *testing.T) {
	r := NewPopulated(zerolog.Nop())
	_, err := r.Factor("no_such_factor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown factor function "no_such_factor"`)
}

func TestLookup_WrongKind(t *testing.T) {
	r := NewPopulated(zerolog.Nop())
	_, err := r.Optimizer(domain.FactorMomentum)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not optimizer")
}

func TestResolve(t *testing.T) {
	r := NewPopulated(zerolog.Nop())
	require.NoError(t, r.Resolve(KindFactor, domain.FactorOrder...))
	require.Error(t, r.Resolve(KindFactor, "momentum", "typo_factor"))
}

func TestList_SortedByName(t *testing.T) {
	r := NewPopulated(zerolog.Nop())
	specs := r.List()
	for i := 1; i < len(specs); i++ {
		assert.Less(t, specs[i-1].Name, specs[i].Name)
	}
}
