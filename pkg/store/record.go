package store

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/pario-ai/kansas/pkg/models"
)

// Token record hash fields.
const (
	FieldToken      = "token"
	FieldPolicyName = "policyName"
	FieldLimit      = "limit"
	FieldPeriod     = "period"
	FieldCount      = "count"
	FieldOwnerID    = "ownerId"
	FieldCreatedOn  = "createdOn"
)

// noLimit is written as the limit of count-mode tokens.
const noLimit = "NaN"

// EncodeToken returns the hash fields for a token record.
func EncodeToken(t models.Token) map[string]any {
	return map[string]any{
		FieldToken:      t.Token,
		FieldPolicyName: t.PolicyName,
		FieldLimit:      EncodeLimit(t.Limit, t.Count),
		FieldPeriod:     string(t.Period),
		FieldCount:      EncodeBool(t.Count),
		FieldOwnerID:    t.OwnerID,
		FieldCreatedOn:  t.CreatedOn.UTC().Format(time.RFC3339Nano),
	}
}

// EncodePolicy returns the hash fields rewritten when a token changes policy.
func EncodePolicy(p models.Policy) map[string]any {
	return map[string]any{
		FieldPolicyName: p.Name,
		FieldLimit:      EncodeLimit(p.Limit, p.Count),
		FieldPeriod:     string(p.Period),
		FieldCount:      EncodeBool(p.Count),
	}
}

// EncodeLimit formats a limit field.
func EncodeLimit(limit int64, count bool) string {
	if count {
		return noLimit
	}
	return strconv.FormatInt(limit, 10)
}

// EncodeBool formats a flag as "1" or "0".
func EncodeBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// DecodeToken parses a token record. An empty map means the record does not
// exist and yields ok=false.
func DecodeToken(fields map[string]string) (t models.Token, ok bool, err error) {
	if len(fields) == 0 || fields[FieldToken] == "" {
		return models.Token{}, false, nil
	}
	t = models.Token{
		Token:      fields[FieldToken],
		PolicyName: fields[FieldPolicyName],
		OwnerID:    fields[FieldOwnerID],
		Period:     models.Period(fields[FieldPeriod]),
		Count:      fields[FieldCount] == "1",
	}
	if t.Limit, err = DecodeLimit(fields[FieldLimit]); err != nil {
		return models.Token{}, false, fmt.Errorf("decode token %s: %w", t.Token, err)
	}
	if v := fields[FieldCreatedOn]; v != "" {
		if t.CreatedOn, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return models.Token{}, false, fmt.Errorf("decode token %s created on: %w", t.Token, err)
		}
	}
	return t, true, nil
}

// DecodeLimit parses a limit field. Count-mode markers decode to 0.
func DecodeLimit(v string) (int64, error) {
	if v == "" || v == noLimit {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err == nil {
		return n, nil
	}
	// Limits written as floats by other clients.
	f, ferr := strconv.ParseFloat(v, 64)
	if ferr != nil || math.IsNaN(f) {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return int64(f), nil
}
