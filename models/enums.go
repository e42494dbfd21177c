package models

import "errors"

type StockCountStatus string

const (
	StockCountStatusPending    StockCountStatus = "Pending"
	StockCountStatusInProgress StockCountStatus = "InProgress"
	// Finished: every sector session reached a terminal state but the run has not been committed yet.
	StockCountStatusFinished  StockCountStatus = "Finished"
	StockCountStatusCommitted StockCountStatus = "Committed"
	StockCountStatusCancelled StockCountStatus = "Cancelled"
)

// IsTerminal reports whether the run can no longer change through counting.
// A Finished run still accepts exactly one commit (or a cancel).
func (s StockCountStatus) IsTerminal() bool {
	return s == StockCountStatusCommitted || s == StockCountStatusCancelled
}

type SectorCountStatus string

const (
	SectorCountStatusPending              SectorCountStatus = "Pending"
	SectorCountStatusInProgress           SectorCountStatus = "InProgress"
	SectorCountStatusAwaitingVerification SectorCountStatus = "AwaitingVerification"
	// WithDifferences: at least one line exhausted its recount rounds and needs manual resolution.
	SectorCountStatusWithDifferences        SectorCountStatus = "WithDifferences"
	SectorCountStatusCompleted              SectorCountStatus = "Completed"
	SectorCountStatusCompletedWithOverrides SectorCountStatus = "CompletedWithOverrides"
	// CompletedNoCount: the sector had no assigned products when the run started.
	SectorCountStatusCompletedNoCount SectorCountStatus = "CompletedNoCount"
	SectorCountStatusCancelled        SectorCountStatus = "Cancelled"
)

func (s SectorCountStatus) IsTerminal() bool {
	switch s {
	case SectorCountStatusCompleted, SectorCountStatusCompletedWithOverrides,
		SectorCountStatusCompletedNoCount, SectorCountStatusCancelled:
		return true
	}
	return false
}

type CountLineStatus string

const (
	CountLineStatusPending         CountLineStatus = "Pending"
	CountLineStatusCountedByOne    CountLineStatus = "CountedByOne"
	CountLineStatusVerified        CountLineStatus = "Verified"
	CountLineStatusWithDifferences CountLineStatus = "WithDifferences"
	CountLineStatusFinalized       CountLineStatus = "Finalized"
	// Void: the owning session was cancelled before the line was finalized. No stock effect.
	CountLineStatusVoid CountLineStatus = "Void"
)

func (s CountLineStatus) IsTerminal() bool {
	return s == CountLineStatusFinalized || s == CountLineStatusVoid
}

type OperatorSlot string

const (
	OperatorSlotA OperatorSlot = "A"
	OperatorSlotB OperatorSlot = "B"
)

func ParseOperatorSlot(s string) (OperatorSlot, error) {
	switch s {
	case "A":
		return OperatorSlotA, nil
	case "B":
		return OperatorSlotB, nil
	}
	return "", errors.New("invalid operator slot")
}
