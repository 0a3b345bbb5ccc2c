package usage

import "github.com/shopspring/decimal"

// Pricing constants for the cost estimate.
var (
	ratePerMillionTokens = decimal.RequireFromString("0.15")
	oneMillion           = decimal.NewFromInt(1_000_000)
)

// costPlaces is the number of decimal places kept in a cost estimate.
const costPlaces = 4

// EstimateCostDecimal converts a token count into USD, rounded half up to
// four decimal places. Negative counts cost nothing.
func EstimateCostDecimal(tokens int64) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(tokens).
		Mul(ratePerMillionTokens).
		Div(oneMillion).
		Round(costPlaces)
}

// EstimateCost is EstimateCostDecimal as a float for JSON responses.
func EstimateCost(tokens int64) float64 {
	return EstimateCostDecimal(tokens).InexactFloat64()
}

// DecimalToMicros converts a USD amount to integer micro-dollars.
func DecimalToMicros(usd decimal.Decimal) int64 {
	return usd.Shift(6).Round(0).IntPart()
}

// MicrosToDecimal converts integer micro-dollars back to USD.
func MicrosToDecimal(micros int64) decimal.Decimal {
	return decimal.New(micros, -6)
}
