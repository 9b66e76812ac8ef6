package indicator

// Window is the number of most recent prices kept per token, and the fixed
// divisor used for the average gain and loss.
const Window = 14

// Zone thresholds for Classify.
const (
	OverboughtLevel = 70.0
	OversoldLevel   = 30.0
)

// Zone labels an RSI reading for logging.
type Zone string

const (
	ZoneNeutral    Zone = "neutral"
	ZoneOverbought Zone = "overbought"
	ZoneOversold   Zone = "oversold"
)

// RSI computes a simple (non-Wilder) Relative Strength Index over prices.
// Gains and losses are summed over consecutive pairs and both divided by
// Window; nothing is carried across calls. Returns 0 when fewer than Window
// prices are available, and 100 when there were no losses.
func RSI(prices []float64) float64 {
	if len(prices) < Window {
		return 0.0
	}

	gains, losses := 0.0, 0.0
	for i := 1; i < len(prices); i++ {
		delta := prices[i] - prices[i-1]
		if delta > 0 {
			gains += delta
		} else if delta < 0 {
			losses -= delta
		}
	}

	avgGain := gains / Window
	avgLoss := losses / Window
	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// Classify maps an RSI value to its zone.
func Classify(rsi float64) Zone {
	switch {
	case rsi > OverboughtLevel:
		return ZoneOverbought
	case rsi < OversoldLevel:
		return ZoneOversold
	default:
		return ZoneNeutral
	}
}
