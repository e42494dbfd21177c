package models

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CountLine is one product's count record within one sector session. Product
// attributes and system stock are snapshotted at creation and never re-read:
// catalog edits during a run must not perturb an in-progress count.
type CountLine struct {
	ID            int    `gorm:"primary_key" json:"id"`
	BusinessId    string `gorm:"size:64;not null;index" json:"business_id"`
	StockCountId  int    `gorm:"not null;index" json:"stock_count_id"`
	SectorCountId int    `gorm:"not null;index" json:"sector_count_id"`
	ProductId     int    `gorm:"not null;index" json:"product_id"`

	// catalog snapshot, frozen at run start
	ProductSku      string          `gorm:"size:100;not null" json:"product_sku"`
	ProductName     string          `gorm:"size:100;not null" json:"product_name"`
	ProductPrice    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"product_price"`
	ProductCategory string          `gorm:"size:100" json:"product_category"`
	SystemQty       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"system_qty"`

	QtyOperatorA     *decimal.Decimal `gorm:"type:decimal(20,4)" json:"qty_operator_a"`
	QtyOperatorB     *decimal.Decimal `gorm:"type:decimal(20,4)" json:"qty_operator_b"`
	ResolvedQty      *decimal.Decimal `gorm:"type:decimal(20,4)" json:"resolved_qty"`
	DiffOperators    *decimal.Decimal `gorm:"type:decimal(20,4)" json:"diff_operators"`
	DiffSystem       *decimal.Decimal `gorm:"type:decimal(20,4)" json:"diff_system"`
	CurrentStatus    CountLineStatus  `gorm:"size:20;not null;default:'Pending';index" json:"current_status"`
	RecountRound     int              `gorm:"not null;default:0" json:"recount_round"`
	ManuallyResolved *bool            `gorm:"not null;default:false" json:"manually_resolved"`
	ResolutionNote   string           `gorm:"size:255" json:"resolution_note"`
	Notes            string           `gorm:"type:text" json:"notes"`

	// Version guards every mutation (optimistic concurrency): two operators on
	// separate devices may race on the same line.
	Version int `gorm:"not null;default:0" json:"version"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (l CountLine) GetId() int {
	return l.ID
}

func (l CountLine) GetBusinessId() string {
	return l.BusinessId
}

func (l *CountLine) qtyForSlot(slot OperatorSlot) *decimal.Decimal {
	if slot == OperatorSlotA {
		return l.QtyOperatorA
	}
	return l.QtyOperatorB
}

// applyCount records one operator's count and reconciles when both are present.
// Pure transition on the struct; persistence and slot resolution live in SubmitCount.
func (l *CountLine) applyCount(slot OperatorSlot, qty decimal.Decimal) error {
	if l.CurrentStatus.IsTerminal() {
		return newLineStateError(ErrCodeAlreadyFinalized, l, "Pending|CountedByOne", "count line is already finalized")
	}
	if l.CurrentStatus == CountLineStatusVerified || l.CurrentStatus == CountLineStatusWithDifferences {
		return newLineStateError(ErrCodeAlreadyCounted, l, "Pending|CountedByOne", "both operator counts are already recorded; request a recount to count again")
	}

	q := qty
	if slot == OperatorSlotA {
		l.QtyOperatorA = &q
	} else {
		l.QtyOperatorB = &q
	}

	if l.QtyOperatorA != nil && l.QtyOperatorB != nil {
		l.reconcile()
	} else {
		l.CurrentStatus = CountLineStatusCountedByOne
	}
	return nil
}

// reconcile computes the operator and system differences once both counts exist.
// Equal counts are accepted directly; unequal counts open a recount round.
func (l *CountLine) reconcile() {
	diffOps := l.QtyOperatorA.Sub(*l.QtyOperatorB)
	l.DiffOperators = &diffOps

	if diffOps.IsZero() {
		resolved := *l.QtyOperatorA
		diffSystem := resolved.Sub(l.SystemQty)
		l.ResolvedQty = &resolved
		l.DiffSystem = &diffSystem
		l.CurrentStatus = CountLineStatusVerified
	} else {
		l.ResolvedQty = nil
		l.DiffSystem = nil
		l.CurrentStatus = CountLineStatusWithDifferences
	}
}

// beginRecount opens one more counting round for both operators. Bounded:
// past roundLimit the line must be resolved manually.
func (l *CountLine) beginRecount(roundLimit int) error {
	if l.CurrentStatus != CountLineStatusWithDifferences {
		return newLineStateError(ErrCodeAlreadyCounted, l, string(CountLineStatusWithDifferences), "recount is only allowed when operators disagree")
	}
	if l.RecountRound >= roundLimit {
		e := newLineStateError(ErrCodeRecountLimitExceeded, l, "", "recount round limit reached; the line must be resolved manually")
		e.Expected = "round <= " + strconv.Itoa(roundLimit)
		e.Actual = "round " + strconv.Itoa(l.RecountRound+1)
		return e
	}

	l.RecountRound++
	l.QtyOperatorA = nil
	l.QtyOperatorB = nil
	l.DiffOperators = nil
	l.DiffSystem = nil
	l.ResolvedQty = nil
	l.CurrentStatus = CountLineStatusPending
	return nil
}

func (l *CountLine) canResolveManually(isAdmin bool, roundLimit int) error {
	if l.CurrentStatus.IsTerminal() {
		return newLineStateError(ErrCodeAlreadyFinalized, l, "non-terminal", "count line is already finalized")
	}
	if isAdmin {
		return nil
	}
	if l.CurrentStatus == CountLineStatusWithDifferences && l.RecountRound >= roundLimit {
		return nil
	}
	return newLineStateError(ErrCodeManualResolutionDenied, l, string(CountLineStatusWithDifferences), "manual resolution requires an exhausted recount or supervisor privileges")
}

func (l *CountLine) applyManualResolution(qty decimal.Decimal, justification string) {
	resolved := qty
	diffSystem := resolved.Sub(l.SystemQty)
	l.ResolvedQty = &resolved
	l.DiffSystem = &diffSystem
	l.ManuallyResolved = utils.NewTrue()
	l.ResolutionNote = justification
	l.CurrentStatus = CountLineStatusFinalized
}

// finalize seals a verified line. ResolvedQty is immutable afterwards.
// Session settlement applies this same transition in bulk SQL once every line
// of the session is settled; this is the single-line form of that rule.
func (l *CountLine) finalize() error {
	if l.CurrentStatus == CountLineStatusFinalized {
		return nil
	}
	if l.CurrentStatus != CountLineStatusVerified {
		return newLineStateError(ErrCodeAlreadyCounted, l, string(CountLineStatusVerified), "only verified lines can be finalized")
	}
	l.CurrentStatus = CountLineStatusFinalized
	return nil
}

/* persistence */

// updateColumns is the full mutable column set written by versioned updates.
func (l *CountLine) updateColumns() map[string]interface{} {
	return map[string]interface{}{
		"qty_operator_a":    l.QtyOperatorA,
		"qty_operator_b":    l.QtyOperatorB,
		"resolved_qty":      l.ResolvedQty,
		"diff_operators":    l.DiffOperators,
		"diff_system":       l.DiffSystem,
		"current_status":    l.CurrentStatus,
		"recount_round":     l.RecountRound,
		"manually_resolved": l.ManuallyResolved,
		"resolution_note":   l.ResolutionNote,
		"notes":             l.Notes,
		"version":           l.Version,
	}
}

// updateCountLineVersioned writes the line only if nobody else wrote it since
// it was read. Returns false when the version check lost.
func updateCountLineVersioned(tx *gorm.DB, line *CountLine, prevVersion int) (bool, error) {
	res := tx.Model(&CountLine{}).
		Where("id = ? AND business_id = ? AND version = ?", line.ID, line.BusinessId, prevVersion).
		Updates(line.updateColumns())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func fetchLineAndSession(ctx context.Context, businessId string, lineId int) (*CountLine, *SectorCount, error) {
	line, err := utils.FetchModel[CountLine](ctx, businessId, lineId)
	if err != nil {
		return nil, nil, err
	}
	session, err := utils.FetchModel[SectorCount](ctx, businessId, line.SectorCountId)
	if err != nil {
		return nil, nil, err
	}
	return line, session, nil
}

// SubmitCount records the calling operator's count for a line. The operator
// slot is derived from the authenticated identity against the session's
// operator assignment. Applied under optimistic concurrency with a bounded
// transparent retry; conflicts that survive the bound surface as WRITE_CONFLICT.
func SubmitCount(ctx context.Context, lineId int, qty decimal.Decimal, notes string) (*CountLine, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	operatorId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || operatorId == 0 {
		return nil, errors.New("user id is required")
	}
	if qty.IsNegative() {
		return nil, errors.New("counted qty cannot be negative")
	}

	db := config.GetDB()
	retryLimit := config.SubmitRetryLimit()

	for attempt := 0; attempt < retryLimit; attempt++ {
		line, session, err := fetchLineAndSession(ctx, businessId, lineId)
		if err != nil {
			return nil, err
		}
		if session.CurrentStatus == SectorCountStatusCancelled {
			return nil, newSectorStateError(ErrCodeSessionCancelled, session, "non-cancelled", "sector session has been cancelled")
		}
		slot, ok := session.slotForOperator(operatorId)
		if !ok {
			e := newSectorStateError(ErrCodeInvalidSlot, session, "", "operator is not assigned to this sector session")
			e.CountLineId = line.ID
			return nil, e
		}

		updated := *line
		hadQty := updated.qtyForSlot(slot) != nil
		if err := updated.applyCount(slot, qty); err != nil {
			return nil, err
		}
		if notes != "" {
			updated.Notes = notes
		}
		updated.Version = line.Version + 1

		tx := db.Begin()
		wrote, err := updateCountLineVersioned(tx.WithContext(ctx), &updated, line.Version)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if !wrote {
			tx.Rollback()
			config.CountWriteConflictsTotal.Inc()
			continue
		}

		// hadQty means the operator is correcting an earlier count in the same
		// round: the superseded attempt stays in the log, flagged void.
		if err := appendAttempt(tx.WithContext(ctx), &updated, slot, operatorId, 0, qty, notes, hadQty); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := refreshSectorAggregates(tx.WithContext(ctx), businessId, updated.SectorCountId); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		config.CountSubmissionsTotal.Inc()
		return &updated, nil
	}

	return nil, &CountError{
		Code:        ErrCodeWriteConflict,
		Message:     "count line was modified concurrently; please retry",
		CountLineId: lineId,
	}
}

// RequestRecount opens a new counting round for a disputed line.
func RequestRecount(ctx context.Context, lineId int) (*CountLine, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	retryLimit := config.SubmitRetryLimit()
	roundLimit := config.RecountRoundLimit()

	for attempt := 0; attempt < retryLimit; attempt++ {
		line, session, err := fetchLineAndSession(ctx, businessId, lineId)
		if err != nil {
			return nil, err
		}
		if session.CurrentStatus == SectorCountStatusCancelled {
			return nil, newSectorStateError(ErrCodeSessionCancelled, session, "non-cancelled", "sector session has been cancelled")
		}

		updated := *line
		if err := updated.beginRecount(roundLimit); err != nil {
			return nil, err
		}
		updated.Version = line.Version + 1

		tx := db.Begin()
		wrote, err := updateCountLineVersioned(tx.WithContext(ctx), &updated, line.Version)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if !wrote {
			tx.Rollback()
			config.CountWriteConflictsTotal.Inc()
			continue
		}
		if err := refreshSectorAggregates(tx.WithContext(ctx), businessId, updated.SectorCountId); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		config.RecountRoundsTotal.Inc()
		return &updated, nil
	}

	return nil, &CountError{
		Code:        ErrCodeWriteConflict,
		Message:     "count line was modified concurrently; please retry",
		CountLineId: lineId,
	}
}

// ResolveManually is the supervisor override: it sets the resolved quantity
// directly and finalizes the line, recording the justification for audit.
// Allowed once the recount limit is exhausted, or at any time for admins.
func ResolveManually(ctx context.Context, lineId int, qty decimal.Decimal, justification string) (*CountLine, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if qty.IsNegative() {
		return nil, errors.New("resolved qty cannot be negative")
	}
	if justification == "" {
		return nil, errors.New("justification is required for manual resolution")
	}
	isAdmin, _ := utils.GetIsAdminFromContext(ctx)

	db := config.GetDB()
	retryLimit := config.SubmitRetryLimit()
	roundLimit := config.RecountRoundLimit()

	for attempt := 0; attempt < retryLimit; attempt++ {
		line, session, err := fetchLineAndSession(ctx, businessId, lineId)
		if err != nil {
			return nil, err
		}
		if session.CurrentStatus == SectorCountStatusCancelled {
			return nil, newSectorStateError(ErrCodeSessionCancelled, session, "non-cancelled", "sector session has been cancelled")
		}

		updated := *line
		if err := updated.canResolveManually(isAdmin, roundLimit); err != nil {
			return nil, err
		}
		updated.applyManualResolution(qty, justification)
		updated.Version = line.Version + 1

		tx := db.Begin()
		wrote, err := updateCountLineVersioned(tx.WithContext(ctx), &updated, line.Version)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if !wrote {
			tx.Rollback()
			config.CountWriteConflictsTotal.Inc()
			continue
		}
		if err := refreshSectorAggregates(tx.WithContext(ctx), businessId, updated.SectorCountId); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		return &updated, nil
	}

	return nil, &CountError{
		Code:        ErrCodeWriteConflict,
		Message:     "count line was modified concurrently; please retry",
		CountLineId: lineId,
	}
}

func GetCountLine(ctx context.Context, id int) (*CountLine, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[CountLine](ctx, businessId, id)
}
