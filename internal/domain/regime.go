package domain

// Regime is the discrete market-state label. HighVolatility is a disjoint
// fourth state: when realized volatility crosses its threshold it takes
// precedence over the directional label.
type Regime string

const (
	RegimeBull           Regime = "bull"
	RegimeSideways       Regime = "sideways"
	RegimeBear           Regime = "bear"
	RegimeHighVolatility Regime = "high_volatility"
)

// Valid reports whether r is one of the four regimes.
func (r Regime) Valid() bool {
	switch r {
	case RegimeBull, RegimeSideways, RegimeBear, RegimeHighVolatility:
		return true
	}
	return false
}
