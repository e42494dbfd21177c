package models

import (
	"errors"
	"fmt"
)

// CountErrorCode categorizes reconciliation-engine failures so the caller
// (typically an operator UI) can react without string matching.
type CountErrorCode string

const (
	// validation: rejected locally, no state change
	ErrCodeInvalidSlot        CountErrorCode = "INVALID_SLOT"
	ErrCodeDuplicateOperator  CountErrorCode = "DUPLICATE_OPERATOR"
	ErrCodeOutOfOrderSequence CountErrorCode = "OUT_OF_ORDER_SEQUENCE"
	ErrCodeEmptySector        CountErrorCode = "EMPTY_SECTOR"

	// state conflict: rejected, no partial mutation
	ErrCodeAlreadyFinalized         CountErrorCode = "ALREADY_FINALIZED"
	ErrCodeAlreadyCounted           CountErrorCode = "ALREADY_COUNTED"
	ErrCodeSessionCancelled         CountErrorCode = "SESSION_CANCELLED"
	ErrCodeAlreadyInProgress        CountErrorCode = "ALREADY_IN_PROGRESS"
	ErrCodePrematureCommit          CountErrorCode = "PREMATURE_COMMIT"
	ErrCodeAlreadyCommitted         CountErrorCode = "ALREADY_COMMITTED"
	ErrCodeManualResolutionRequired CountErrorCode = "MANUAL_RESOLUTION_REQUIRED"
	ErrCodeManualResolutionDenied   CountErrorCode = "MANUAL_RESOLUTION_DENIED"

	// policy bound reached: actionable state, manual resolution required from here on
	ErrCodeRecountLimitExceeded CountErrorCode = "RECOUNT_LIMIT_EXCEEDED"

	// concurrency: optimistic-write conflict that survived the retry bound
	ErrCodeWriteConflict CountErrorCode = "WRITE_CONFLICT"
)

// CountError carries enough context (ids, expected vs actual state) to be
// actionable by the operator UI. Never swallowed or logged-only: anything that
// affects the correctness of final stock numbers is surfaced verbatim.
type CountError struct {
	Code          CountErrorCode
	Message       string
	StockCountId  int
	SectorCountId int
	CountLineId   int
	Expected      string
	Actual        string
}

func (e *CountError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.CountLineId > 0 {
		msg += fmt.Sprintf(" (line=%d)", e.CountLineId)
	} else if e.SectorCountId > 0 {
		msg += fmt.Sprintf(" (sector_count=%d)", e.SectorCountId)
	} else if e.StockCountId > 0 {
		msg += fmt.Sprintf(" (stock_count=%d)", e.StockCountId)
	}
	if e.Expected != "" || e.Actual != "" {
		msg += fmt.Sprintf(" [expected=%s actual=%s]", e.Expected, e.Actual)
	}
	return msg
}

func newCountError(code CountErrorCode, message string) *CountError {
	return &CountError{Code: code, Message: message}
}

func newLineStateError(code CountErrorCode, line *CountLine, expected string, message string) *CountError {
	e := &CountError{Code: code, Message: message, Expected: expected}
	if line != nil {
		e.CountLineId = line.ID
		e.SectorCountId = line.SectorCountId
		e.StockCountId = line.StockCountId
		e.Actual = string(line.CurrentStatus)
	}
	return e
}

func newSectorStateError(code CountErrorCode, sc *SectorCount, expected string, message string) *CountError {
	e := &CountError{Code: code, Message: message, Expected: expected}
	if sc != nil {
		e.SectorCountId = sc.ID
		e.StockCountId = sc.StockCountId
		e.Actual = string(sc.CurrentStatus)
	}
	return e
}

// IsCountErrorCode reports whether err is (or wraps) a CountError with the given code.
func IsCountErrorCode(err error, code CountErrorCode) bool {
	var ce *CountError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// CountErrorFrom unwraps err into a *CountError, or nil.
func CountErrorFrom(err error) *CountError {
	var ce *CountError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
