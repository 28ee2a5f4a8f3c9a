package ledger

import "fmt"

// Credits is the system's sole monetary value type: a whole number of US
// cents. No float operator is ever applied to a Credits value — conversion
// to/from dollars happens only at the UI/external-API boundary.
type Credits int64

// FromDollars converts a dollar amount to Credits. This is a boundary
// conversion only: callers inside the core never hold a float representation
// of money.
func FromDollars(dollars float64) Credits {
	return Credits(roundToCents(dollars * 100))
}

// ToDollars converts Credits to a dollar float for display/API responses.
func (c Credits) ToDollars() float64 {
	return float64(c) / 100.0
}

func (c Credits) Int64() int64 { return int64(c) }

func (c Credits) String() string {
	return fmt.Sprintf("%d credits ($%.2f)", int64(c), c.ToDollars())
}

func roundToCents(v float64) int64 {
	if v >= 0 {
		return int64(v + 0.5)
	}
	return int64(v - 0.5)
}
