package models

// Period defines the time window a usage counter covers.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

// Valid reports whether p is a supported period.
func (p Period) Valid() bool {
	return p == PeriodDay || p == PeriodMonth
}

// CountStart is the value count-mode counters are seeded with. A counter
// that reads below it after an increment was never seeded.
const CountStart int64 = 1

// Policy is a named quota template. Limit is unused for count-mode policies.
type Policy struct {
	Name      string `json:"name" yaml:"name"`
	MaxTokens int64  `json:"max_tokens" yaml:"max_tokens"`
	Limit     int64  `json:"limit" yaml:"limit"`
	Count     bool   `json:"count" yaml:"count"`
	Period    Period `json:"period" yaml:"period"`
}

// StartValue returns the value a fresh usage counter is initialized to.
func (p Policy) StartValue() int64 {
	if p.Count {
		return CountStart
	}
	return p.Limit
}

// PolicyChange requests that every token of an owner moves to a new policy.
type PolicyChange struct {
	OwnerID    string `json:"owner_id"`
	PolicyName string `json:"policy_name"`
}
