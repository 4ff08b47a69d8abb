// Package errors implements the typed error taxonomy shared by the document,
// conflict and presence engines.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorTier represents the classification tier for errors.
// Each tier describes how a caller is expected to react.
type ErrorTier int

const (
	// TierTransient indicates a failure that may succeed when retried.
	TierTransient ErrorTier = iota

	// TierPermanent indicates a failure that will not resolve with retry.
	TierPermanent

	// TierUserFixable indicates the caller must change its request.
	TierUserFixable
)

var tierNames = map[ErrorTier]string{
	TierTransient:   "transient",
	TierPermanent:   "permanent",
	TierUserFixable: "user_fixable",
}

func (t ErrorTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "unknown"
}

// Kind identifies a caller-visible failure class.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindPermissionDenied
	KindNotFound
	KindDuplicateDocument
	KindRevisionConflict
	KindOutOfBounds
	KindUnknownStrategy
	KindStrategyExecutionFailure
	KindNotRegistered
)

var kindNames = map[Kind]string{
	KindUnknown:                  "unknown",
	KindValidation:               "validation",
	KindPermissionDenied:         "permission_denied",
	KindNotFound:                 "not_found",
	KindDuplicateDocument:        "duplicate_document",
	KindRevisionConflict:         "revision_conflict",
	KindOutOfBounds:              "out_of_bounds",
	KindUnknownStrategy:          "unknown_strategy",
	KindStrategyExecutionFailure: "strategy_execution_failure",
	KindNotRegistered:            "not_registered",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

var kindTiers = map[Kind]ErrorTier{
	KindValidation:               TierUserFixable,
	KindPermissionDenied:         TierPermanent,
	KindNotFound:                 TierPermanent,
	KindDuplicateDocument:        TierUserFixable,
	KindRevisionConflict:         TierTransient,
	KindOutOfBounds:              TierUserFixable,
	KindUnknownStrategy:          TierUserFixable,
	KindStrategyExecutionFailure: TierTransient,
	KindNotRegistered:            TierUserFixable,
}

// Tier returns the tier a kind belongs to, defaulting to permanent.
func (k Kind) Tier() ErrorTier {
	if tier, ok := kindTiers[k]; ok {
		return tier
	}
	return TierPermanent
}

var kindStatus = map[Kind]int{
	KindValidation:               http.StatusBadRequest,
	KindPermissionDenied:         http.StatusForbidden,
	KindNotFound:                 http.StatusNotFound,
	KindDuplicateDocument:        http.StatusConflict,
	KindRevisionConflict:         http.StatusConflict,
	KindOutOfBounds:              http.StatusUnprocessableEntity,
	KindUnknownStrategy:          http.StatusBadRequest,
	KindStrategyExecutionFailure: http.StatusInternalServerError,
	KindNotRegistered:            http.StatusPreconditionFailed,
}

// Error wraps a failure with its kind and the operation that produced it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.Op != "" {
		prefix += " " + e.Op
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return prefix
	}
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. Sentinels carry
// only a kind, so errors.Is(err, ErrNotFound) matches any not-found error.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. Nil stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetTier extracts the tier from err, defaulting to permanent.
func GetTier(err error) ErrorTier {
	return KindOf(err).Tier()
}

// HTTPStatus maps err to the status code an HTTP surface should report.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if status, ok := kindStatus[KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation               = &Error{Kind: KindValidation}
	ErrPermissionDenied         = &Error{Kind: KindPermissionDenied}
	ErrNotFound                 = &Error{Kind: KindNotFound}
	ErrDuplicateDocument        = &Error{Kind: KindDuplicateDocument}
	ErrRevisionConflict         = &Error{Kind: KindRevisionConflict}
	ErrOutOfBounds              = &Error{Kind: KindOutOfBounds}
	ErrUnknownStrategy          = &Error{Kind: KindUnknownStrategy}
	ErrStrategyExecutionFailure = &Error{Kind: KindStrategyExecutionFailure}
	ErrNotRegistered            = &Error{Kind: KindNotRegistered}
)

// Is and As forward to the standard library so callers need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
