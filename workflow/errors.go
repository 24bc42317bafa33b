package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/invoices_backend/ledger"
	"github.com/shopspring/decimal"
)

// Sentinels for errors.Is. Every structured error below unwraps to one of
// them.
var (
	ErrValidationFailed   = errors.New("validation failed")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrPoOverage          = errors.New("purchase order overage")
	ErrDuplicateDetected  = errors.New("duplicate invoice detected")
	ErrEntityLocked       = errors.New("entity locked")
	ErrVersionConflict    = errors.New("version conflict")
	ErrUndoExpired        = errors.New("undo expired")
	ErrUndoNotFound       = errors.New("undo not found")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrUnsupported        = errors.New("not supported by this deployment")
)

// ValidationError carries field -> message pairs.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = message
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

type InvalidTransitionError struct {
	From    string
	To      string
	Allowed []string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move invoice from %s to %s (allowed: %s)", e.From, e.To, strings.Join(e.Allowed, ", "))
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

type PreconditionError struct {
	Target     string
	Violations []ledger.Violation
}

func (e *PreconditionError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("cannot move invoice to %s: %s", e.Target, strings.Join(parts, "; "))
}

func (e *PreconditionError) Unwrap() error { return ErrPreconditionFailed }

func (e *PreconditionError) HasCode(code string) bool {
	for _, v := range e.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// PoOverageError is a soft block: retrying with an override proceeds.
type PoOverageError struct {
	PoId             int             `json:"po_id"`
	PoTotal          decimal.Decimal `json:"po_total"`
	Billed           decimal.Decimal `json:"billed"`
	Remaining        decimal.Decimal `json:"remaining"`
	InvoiceAmount    decimal.Decimal `json:"invoice_amount"`
	OverageAmount    decimal.Decimal `json:"overage_amount"`
	RequiresOverride bool            `json:"requires_override"`
}

func (e *PoOverageError) Error() string {
	return fmt.Sprintf("purchase order %d exceeded by %s (remaining %s, invoice %s)",
		e.PoId, e.OverageAmount.StringFixed(2), e.Remaining.StringFixed(2), e.InvoiceAmount.StringFixed(2))
}

func (e *PoOverageError) Unwrap() error { return ErrPoOverage }

type DuplicateError struct {
	MatchedInvoiceId int
	Confidence       float64
	Reason           string
	Matches          []DuplicateMatch
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("invoice looks like a duplicate of invoice %d (confidence %.2f: %s)", e.MatchedInvoiceId, e.Confidence, e.Reason)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateDetected }

type EntityLockedError struct {
	EntityType string
	EntityId   int
	Owner      int
	OwnerName  string
	ExpiresAt  time.Time
}

func (e *EntityLockedError) Error() string {
	return fmt.Sprintf("%s %d is locked by user %d until %s", e.EntityType, e.EntityId, e.Owner, e.ExpiresAt.UTC().Format(time.RFC3339))
}

func (e *EntityLockedError) Unwrap() error { return ErrEntityLocked }

type VersionConflictError struct {
	EntityType string
	EntityId   int
	Expected   int
	Actual     int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s %d changed concurrently (expected version %d, found %d)", e.EntityType, e.EntityId, e.Expected, e.Actual)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

type UndoExpiredError struct {
	EntityType string
	EntityId   int
	ExpiredAt  time.Time
}

func (e *UndoExpiredError) Error() string {
	return fmt.Sprintf("undo window for %s %d closed at %s", e.EntityType, e.EntityId, e.ExpiredAt.UTC().Format(time.RFC3339))
}

func (e *UndoExpiredError) Unwrap() error { return ErrUndoExpired }

type NotFoundError struct {
	EntityType string
	EntityId   int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.EntityType, e.EntityId)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(entityType string, id int) error {
	return &NotFoundError{EntityType: entityType, EntityId: id}
}
