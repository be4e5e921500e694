package provider

import "fmt"

// Tier is a cost/capability class of agent. T0 is the cheapest, T3 the most
// capable.
type Tier int

const (
	T0 Tier = iota
	T1
	T2
	T3
)

func (t Tier) String() string {
	switch t {
	case T0:
		return "T0"
	case T1:
		return "T1"
	case T2:
		return "T2"
	case T3:
		return "T3"
	}
	return fmt.Sprintf("T?(%d)", int(t))
}

// ParseTier parses "T0".."T3".
func ParseTier(s string) (Tier, error) {
	switch s {
	case "T0", "t0":
		return T0, nil
	case "T1", "t1":
		return T1, nil
	case "T2", "t2":
		return T2, nil
	case "T3", "t3":
		return T3, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// Upgrade returns the next tier up, capped at T3.
func (t Tier) Upgrade() Tier {
	if t >= T3 {
		return T3
	}
	return t + 1
}

// modelEntry maps a tier to a concrete model and its pricing.
type modelEntry struct {
	model           string
	inputPerMTokUSD float64
	outputPerMTokUSD float64
}

var anthropicModels = map[Tier]modelEntry{
	T0: {"claude-3-5-haiku-20241022", 0.80, 4.00},
	T1: {"claude-3-5-haiku-20241022", 0.80, 4.00},
	T2: {"claude-sonnet-4-20250514", 3.00, 15.00},
	T3: {"claude-opus-4-20250514", 15.00, 75.00},
}

var openaiModels = map[Tier]modelEntry{
	T0: {"gpt-4o-mini", 0.15, 0.60},
	T1: {"gpt-4o-mini", 0.15, 0.60},
	T2: {"gpt-4o", 2.50, 10.00},
	T3: {"o1", 15.00, 60.00},
}

func cost(e modelEntry, tokensIn, tokensOut int64) float64 {
	return float64(tokensIn)/1e6*e.inputPerMTokUSD + float64(tokensOut)/1e6*e.outputPerMTokUSD
}
