package rail

// Pricing computes the platform fee charged on top of the requested amount.
type Pricing struct {
	FeeBps int64
}

// Fee is floor(amount * bps / 10000).
func (p Pricing) Fee(amount int64) int64 {
	if amount <= 0 || p.FeeBps <= 0 {
		return 0
	}
	return amount * p.FeeBps / 10_000
}

// Tolerance decides whether a received amount settles an expected one.
// Value-transfer rails lose a little to network fees, so they accept
// shortfalls up to min(expected*Bps/10000, CapMinor). Overpayment is accepted.
type Tolerance struct {
	Bps      int64
	CapMinor int64
	Exact    bool
}

// ExactMatch is the tolerance of rails that charge exactly what was asked.
var ExactMatch = Tolerance{Exact: true}

func (t Tolerance) Allowance(expected int64) int64 {
	if t.Exact || expected <= 0 {
		return 0
	}
	allowed := expected * t.Bps / 10_000
	if t.CapMinor >= 0 && allowed > t.CapMinor {
		allowed = t.CapMinor
	}
	return allowed
}

func (t Tolerance) Accepts(expected, received int64) bool {
	if t.Exact {
		return received == expected
	}
	return received >= expected-t.Allowance(expected)
}

// Classify turns a received amount into an outcome.
func (t Tolerance) Classify(expected, received int64) Outcome {
	if t.Accepts(expected, received) {
		return OutcomeVerified
	}
	return OutcomeMismatch
}
