package posterior

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

func TestUpdate_PosteriorUpdateScenario(t *testing.T) {
	prior := model.NIGPosterior{M: 0, Kappa: 1, Alpha: 3, Beta: 1}
	next := Update(prior, 1.0)

	assert.InDelta(t, 2.0, next.Kappa, 1e-9)
	assert.InDelta(t, 0.5, next.M, 1e-9)
	assert.InDelta(t, 3.5, next.Alpha, 1e-9)
	assert.InDelta(t, 1.25, next.Beta, 1e-9)
}

func TestUpdate_Monotonicity(t *testing.T) {
	prior := model.NIGPosterior{M: 0.1, Kappa: 4, Alpha: 5, Beta: 2}
	next := Update(prior, 0.9) // r > m
	assert.Greater(t, next.M, prior.M)
	assert.InDelta(t, prior.Kappa+1, next.Kappa, 1e-9)
}

func TestUpdate_ClampsDegenerateInputs(t *testing.T) {
	prior := model.NIGPosterior{M: 0, Kappa: 1e-12, Alpha: 1e-12, Beta: 0}
	next := Update(prior, 0)
	require.GreaterOrEqual(t, next.Kappa, 1.0)
	require.GreaterOrEqual(t, next.Alpha, 1.0)
	require.Greater(t, next.Beta, 0.0)
}

func TestThompsonDraw_Reproducible(t *testing.T) {
	p := model.NIGPosterior{M: 0.3, Kappa: 5, Alpha: 6, Beta: 2}
	a := ThompsonDraw(p, 42)
	b := ThompsonDraw(p, 42)
	assert.Equal(t, a, b)
}

func TestThompsonDraw_DifferentSeedsDiffer(t *testing.T) {
	p := model.NIGPosterior{M: 0.3, Kappa: 5, Alpha: 6, Beta: 2}
	a := ThompsonDraw(p, 1)
	b := ThompsonDraw(p, 2)
	assert.NotEqual(t, a, b)
}

func TestDeriveSeed_Stable(t *testing.T) {
	d := mustDate(t, "2026-01-02")
	s1 := DeriveSeed(d, "0xabc", 3)
	s2 := DeriveSeed(d, "0xabc", 3)
	s3 := DeriveSeed(d, "0xabc", 4)
	assert.Equal(t, s1, s2)
	assert.NotEqual(t, s1, s3)
}
