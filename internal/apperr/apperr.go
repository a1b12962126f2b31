package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies why a loyalty operation failed. Callers outside the service
// boundary only ever see a generic message; Kind is for logs and tests.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindEligibility
	KindNetwork
	KindUpstream
	KindPersistence
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindEligibility:
		return "eligibility"
	case KindNetwork:
		return "network"
	case KindUpstream:
		return "upstream"
	case KindPersistence:
		return "persistence"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is the structured error carried through the loyalty core.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so errors.Is(err, apperr.NotFound)
// style checks work against the sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	Validation  = &Error{Kind: KindValidation}
	Eligibility = &Error{Kind: KindEligibility}
	Network     = &Error{Kind: KindNetwork}
	Upstream    = &Error{Kind: KindUpstream}
	Persistence = &Error{Kind: KindPersistence}
	NotFound    = &Error{Kind: KindNotFound}
)

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
