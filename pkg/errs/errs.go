// Package errs defines the error taxonomy surfaced by kansas operations.
//
// Every error carries a stable Kind (and for policy and database errors a
// Type) so callers can map failures to transport level responses without
// inspecting message text:
//
//	switch errs.KindOf(err) {
//	case errs.KindUsageLimit:
//		w.WriteHeader(http.StatusTooManyRequests)
//	case errs.KindTokenNotExists:
//		w.WriteHeader(http.StatusNotFound)
//	}
package errs

import (
	"errors"
	"fmt"
)

// Kind discriminates error categories.
type Kind string

const (
	KindUnknown        Kind = "unknown"
	KindValidation     Kind = "validation"
	KindPolicy         Kind = "policy"
	KindTokenNotExists Kind = "tokenNotExists"
	KindUsageLimit     Kind = "usageLimit"
	KindDatabase       Kind = "database"
)

// Type refines a Kind. Only policy and database errors use it.
type Type string

const (
	TypeNone Type = ""

	// Policy error types.
	TypeNotFound         Type = "notFound"
	TypeMaxTokensPerUser Type = "maxTokensPerUser"

	// Database error types.
	TypeConnectionFailure Type = "connectionFailure"
	TypeUnknown           Type = "unknown"
)

// Error is a typed kansas failure.
type Error struct {
	Kind    Kind
	Type    Type
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind, and on Type when the target sets one, so wrapped
// errors compare equal to the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Type == TypeNone || t.Type == e.Type
}

// Sentinels for errors.Is.
var (
	ErrValidation       = &Error{Kind: KindValidation, Message: "validation error"}
	ErrPolicy           = &Error{Kind: KindPolicy, Message: "policy error"}
	ErrPolicyNotFound   = &Error{Kind: KindPolicy, Type: TypeNotFound, Message: "policy not found"}
	ErrMaxTokensPerUser = &Error{Kind: KindPolicy, Type: TypeMaxTokensPerUser, Message: "max tokens per user reached"}
	ErrTokenNotExists   = &Error{Kind: KindTokenNotExists, Message: "token not found"}
	ErrUsageLimit       = &Error{Kind: KindUsageLimit, Message: "usage limit exceeded"}
	ErrDatabase         = &Error{Kind: KindDatabase, Message: "database error"}
)

// Validation returns a validation error with the given message.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// PolicyNotFound returns a policy error for a missing policy name.
func PolicyNotFound(name string) error {
	return &Error{Kind: KindPolicy, Type: TypeNotFound, Message: fmt.Sprintf("policy %q not found", name)}
}

// MaxTokensPerUser returns a policy error for an owner at its ceiling.
func MaxTokensPerUser(ownerID string, max int64) error {
	return &Error{
		Kind:    KindPolicy,
		Type:    TypeMaxTokensPerUser,
		Message: fmt.Sprintf("owner %q reached the limit of %d tokens", ownerID, max),
	}
}

// TokenNotExists returns the error for an unknown token identifier.
func TokenNotExists(token string) error {
	return &Error{Kind: KindTokenNotExists, Message: fmt.Sprintf("token %q not found", token)}
}

// UsageLimit returns the error for an exhausted token.
func UsageLimit(token string) error {
	return &Error{Kind: KindUsageLimit, Message: fmt.Sprintf("usage limit exceeded for token %q", token)}
}

// Database wraps a transport failure.
func Database(typ Type, op string, err error) error {
	return &Error{Kind: KindDatabase, Type: typ, Message: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// TypeOf returns the Type of the first *Error in err's chain.
func TypeOf(err error) Type {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return TypeNone
}
