package model

import "math/big"

// pow10 caches small powers of ten; scales in this system never exceed a
// few dozen decimals so a cache beats repeated big.Int exponentiation.
var pow10Cache = map[uint8]*big.Int{}

func pow10(n uint8) *big.Int {
	if v, ok := pow10Cache[n]; ok {
		return v
	}
	v := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	pow10Cache[n] = v
	return v
}

// MulDiv computes floor(a * b / 10^divScale) using a single multiply and a
// single truncating divide, per spec.md §4.F's "multiply-then-divide to
// preserve precision; truncation is the only rounding, done once". a and b
// must both be non-negative; callers are responsible for sign handling of
// share deltas upstream in the Balance Engine.
func MulDiv(a, b *big.Int, divScale uint8) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(a, b)
	return new(big.Int).Div(num, pow10(divScale))
}

// Underlying converts a share amount to its underlying-asset amount via a
// price-per-share reading: underlying = shares * pps / 10^pps_scale.
func Underlying(shares ScaledAmount, pps ScaledAmount) ScaledAmount {
	return ScaledAmount{
		Value: MulDiv(shares.Value, pps.Value, pps.Scale),
		Scale: shares.Scale,
	}
}

// USDValue converts an underlying-asset amount to USD at usdScale via an
// oracle reading: usd = underlying * price / 10^oracle_scale, re-based onto
// usdScale (spec.md recommends 6 decimal places for USD).
func USDValue(underlying ScaledAmount, price OraclePriceReading, usdScale uint8) ScaledAmount {
	raw := MulDiv(underlying.Value, price.Value, price.Scale)
	// raw is expressed at underlying.Scale; rescale to usdScale.
	return rescale(raw, underlying.Scale, usdScale)
}

func rescale(v *big.Int, fromScale, toScale uint8) ScaledAmount {
	if v == nil {
		v = big.NewInt(0)
	}
	switch {
	case fromScale == toScale:
		return ScaledAmount{Value: new(big.Int).Set(v), Scale: toScale}
	case fromScale > toScale:
		diff := fromScale - toScale
		return ScaledAmount{Value: new(big.Int).Div(v, pow10(diff)), Scale: toScale}
	default:
		diff := toScale - fromScale
		return ScaledAmount{Value: new(big.Int).Mul(v, pow10(diff)), Scale: toScale}
	}
}

// OraclePriceReading is the minimal (value, scale) pair money.go needs from
// an oracle.Price without importing the oracle package (which itself
// depends on model), avoiding an import cycle.
type OraclePriceReading struct {
	Value *big.Int
	Scale uint8
}

// Droplets computes floor(usd * ratePerUsdPerTick / 10^usdScale), the single
// droplet-step rounding point (spec.md §4.F step 5).
func Droplets(usd ScaledAmount, ratePerUsdPerTick uint64, usdScale uint8) *big.Int {
	if usd.Value == nil {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(usd.Value, big.NewInt(int64(ratePerUsdPerTick)))
	return new(big.Int).Div(num, pow10(usdScale))
}

// DecimalString renders a ScaledAmount as a full-precision decimal string,
// the wire format spec.md §6 requires ("responses present USD as decimal
// strings at full precision").
func DecimalString(a ScaledAmount) string {
	if a.Value == nil {
		a.Value = big.NewInt(0)
	}
	neg := a.Value.Sign() < 0
	abs := new(big.Int).Abs(a.Value)
	s := abs.String()
	if a.Scale == 0 {
		if neg {
			return "-" + s
		}
		return s
	}
	for uint8(len(s)) <= a.Scale {
		s = "0" + s
	}
	cut := len(s) - int(a.Scale)
	out := s[:cut] + "." + s[cut:]
	if neg {
		out = "-" + out
	}
	return out
}
