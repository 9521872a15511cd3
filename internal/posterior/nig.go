// Package posterior implements the Normal-Inverse-Gamma conjugate update and
// Thompson sampling used by Sage to rank and select the Alpha Pool.
package posterior

import (
	"math"
	"math/rand"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

const epsilon = 1e-9

// NewTraderPrior is the default prior for a trader never observed before:
// m=0, kappa=1, alpha=3, beta=1.
func NewTraderPrior(addr model.Address) model.NIGPosterior {
	return model.NIGPosterior{
		Address: addr,
		M:       0,
		Kappa:   1,
		Alpha:   3,
		Beta:    1,
	}
}

// Update applies the conjugate NIG update for one observed R-multiple r.
// All four posterior parameters are computed from the prior values before
// any is written, per spec.md §4.3.
func Update(prior model.NIGPosterior, r float64) model.NIGPosterior {
	kappaNew := prior.Kappa + 1
	mNew := (prior.Kappa*prior.M + r) / kappaNew
	alphaNew := prior.Alpha + 0.5
	betaNew := prior.Beta + (prior.Kappa*(r-prior.M)*(r-prior.M))/(2*kappaNew)

	kappaNew = math.Max(kappaNew, 1+epsilon)
	alphaNew = math.Max(alphaNew, 1+epsilon)
	betaNew = math.Max(betaNew, epsilon)

	next := prior
	next.Kappa = kappaNew
	next.M = mNew
	next.Alpha = alphaNew
	next.Beta = betaNew
	next.TotalSignals = prior.TotalSignals + 1
	next.TotalPnLR = prior.TotalPnLR + r
	next.AvgR = next.TotalPnLR / float64(next.TotalSignals)
	return next
}

// ThompsonDraw samples sigma^2 ~ InvGamma(alpha, beta), then mu ~
// N(m, sigma^2/kappa), seeded deterministically by seed so the draw is
// reproducible (spec.md I5).
func ThompsonDraw(p model.NIGPosterior, seed uint64) float64 {
	rng := rand.New(rand.NewSource(int64(seed)))
	sigma2 := sampleInvGamma(rng, p.Alpha, p.Beta)
	if sigma2 < 0 {
		sigma2 = 0
	}
	mu := p.M + rng.NormFloat64()*math.Sqrt(sigma2/p.Kappa)
	return mu
}

// sampleInvGamma draws from InvGamma(alpha, beta): if X ~ Gamma(alpha,
// rate=beta) then 1/X ~ InvGamma(alpha, beta), using the Marsaglia-Tsang
// method for the gamma variate (alpha > 1 is guaranteed by the posterior's
// clamp).
func sampleInvGamma(rng *rand.Rand, alpha, beta float64) float64 {
	g := sampleGamma(rng, alpha, beta)
	if g <= 0 {
		return 0
	}
	return 1.0 / g
}

// sampleGamma draws from Gamma(shape, rate) via Marsaglia & Tsang (2000).
// Valid for shape >= 1; our alpha is always >= 1+epsilon after clamping.
func sampleGamma(rng *rand.Rand, shape, rate float64) float64 {
	if shape < 1 {
		// boost and correct, standard trick for shape in (0,1)
		u := rng.Float64()
		return sampleGamma(rng, shape+1, rate) * math.Pow(u, 1.0/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v / rate
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v / rate
		}
	}
}
