package ldapcore

import (
	"errors"
	"fmt"

	"github.com/go-ldap/ldap/v3"

	"github.com/ldap-go/ldapcore/internal/engine"
)

// ErrorKind classifies a Client error, adapted from the teacher's
// ErrorCategory (internal/ldap/errors.go) but keyed to this module's own
// named failure modes (spec.md §7) rather than the teacher's
// AD-flavored categories.
type ErrorKind string

const (
	KindConnection        ErrorKind = "connection"
	KindConnectionTimeout ErrorKind = "connection_timeout"
	KindProtocol          ErrorKind = "protocol"
	KindTimeout           ErrorKind = "timeout"
	KindAbandoned         ErrorKind = "abandoned"
	KindResult            ErrorKind = "result"
	KindUnknown           ErrorKind = "unknown"
)

// LDAPError is the error type every Client operation returns on failure.
// It wraps the underlying engine or go-ldap error and classifies it,
// mirroring the teacher's LDAPError (internal/ldap/errors.go) shape.
type LDAPError struct {
	Operation string
	Kind      ErrorKind
	ResultCode uint16 // valid only when Kind == KindResult
	MatchedDN  string // valid only when Kind == KindResult
	Cause      error
}

func (e *LDAPError) Error() string {
	if e.Kind == KindResult {
		return fmt.Sprintf("ldapcore: %s failed: LDAP result %d: %v", e.Operation, e.ResultCode, e.Cause)
	}
	return fmt.Sprintf("ldapcore: %s failed: %v", e.Operation, e.Cause)
}

func (e *LDAPError) Unwrap() error { return e.Cause }

// Retryable reports whether retrying the same operation might succeed,
// adapted from the teacher's IsRetryableError (internal/ldap/errors.go).
func (e *LDAPError) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindConnectionTimeout:
		return true
	case KindResult:
		switch e.ResultCode {
		case ldap.LDAPResultBusy, ldap.LDAPResultUnavailable, ldap.LDAPResultServerDown:
			return true
		}
	}
	return false
}

// wrapError classifies err into an *LDAPError for operation, per
// spec.md §7's error kinds.
func wrapError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var connErr *engine.ConnectionError
	var timeoutErr *engine.ConnectionTimeoutError
	var protoErr *engine.ProtocolError
	var reqTimeout *engine.TimeoutError
	var abandoned *engine.AbandonedError
	var ldapErr *ldap.Error

	switch {
	case errors.As(err, &connErr):
		return &LDAPError{Operation: operation, Kind: KindConnection, Cause: err}
	case errors.As(err, &timeoutErr):
		return &LDAPError{Operation: operation, Kind: KindConnectionTimeout, Cause: err}
	case errors.As(err, &protoErr):
		return &LDAPError{Operation: operation, Kind: KindProtocol, Cause: err}
	case errors.As(err, &reqTimeout):
		return &LDAPError{Operation: operation, Kind: KindTimeout, Cause: err}
	case errors.As(err, &abandoned):
		return &LDAPError{Operation: operation, Kind: KindAbandoned, Cause: err}
	case errors.As(err, &ldapErr):
		return &LDAPError{Operation: operation, Kind: KindResult, ResultCode: ldapErr.ResultCode, MatchedDN: ldapErr.MatchedDN, Cause: err}
	default:
		return &LDAPError{Operation: operation, Kind: KindUnknown, Cause: err}
	}
}

// IsResultCode reports whether err is a Client error carrying the given
// LDAP result code (e.g. ldap.LDAPResultNoSuchObject).
func IsResultCode(err error, code uint16) bool {
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Kind == KindResult && ldapErr.ResultCode == code
	}
	return false
}
