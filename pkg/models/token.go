package models

import "time"

// TokenRequest holds the caller supplied values for creating a token.
// Token is optional; a random identifier is generated when empty.
type TokenRequest struct {
	PolicyName string `json:"policy_name"`
	OwnerID    string `json:"owner_id"`
	Token      string `json:"token,omitempty"`
}

// Token is an issued quota holder. Limit, Period and Count are copied from
// the policy when the token is created or migrated.
//
// Remaining is populated for limit-mode tokens and Consumed for count-mode
// tokens; both are read from the current period counter, never stored.
type Token struct {
	Token      string    `json:"token"`
	PolicyName string    `json:"policy_name"`
	OwnerID    string    `json:"owner_id"`
	Limit      int64     `json:"limit"`
	Period     Period    `json:"period"`
	Count      bool      `json:"count"`
	CreatedOn  time.Time `json:"created_on"`
	Remaining  int64     `json:"remaining"`
	Consumed   int64     `json:"consumed"`
}

// StartValue returns the value the token's counters are initialized to.
func (t Token) StartValue() int64 {
	if t.Count {
		return CountStart
	}
	return t.Limit
}

// Usage returns the caller visible usage figure for the token's mode.
func (t Token) Usage() int64 {
	if t.Count {
		return t.Consumed
	}
	return t.Remaining
}

// TokenKeys are the store keys backing a single token.
type TokenKeys struct {
	Token       string
	Index       string
	Usage       string
	UsageFuture string
}
