package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SectorCount is one sector's counting session within an inventory run. The
// sector name and description are snapshotted; layout edits after run start do
// not reach an open session. Aggregate columns are derived from the lines and
// recomputed in the same transaction as any line write.
type SectorCount struct {
	ID           int    `gorm:"primary_key" json:"id"`
	BusinessId   string `gorm:"size:64;not null;index" json:"business_id"`
	StockCountId int    `gorm:"not null;index" json:"stock_count_id"`
	SectorId     int    `gorm:"not null;index" json:"sector_id"`

	SectorName        string `gorm:"size:100;not null" json:"sector_name"`
	SectorDescription string `gorm:"size:255" json:"sector_description"`

	OperatorAId *int `gorm:"index" json:"operator_a_id"`
	OperatorBId *int `gorm:"index" json:"operator_b_id"`

	CurrentStatus       SectorCountStatus `gorm:"size:30;not null;default:'Pending';index" json:"current_status"`
	LinesTotal          int               `gorm:"not null;default:0" json:"lines_total"`
	LinesCounted        int               `gorm:"not null;default:0" json:"lines_counted"`
	LinesWithDifference int               `gorm:"not null;default:0" json:"lines_with_difference"`
	RecountRounds       int               `gorm:"not null;default:0" json:"recount_rounds"`
	CompletionPercent   decimal.Decimal   `gorm:"type:decimal(5,2);default:0" json:"completion_percent"`
	Notes               string            `gorm:"type:text" json:"notes"`

	Lines []CountLine `gorm:"foreignKey:SectorCountId" json:"lines,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (sc SectorCount) GetId() int {
	return sc.ID
}

func (sc SectorCount) GetBusinessId() string {
	return sc.BusinessId
}

// slotForOperator maps an authenticated user to their counting slot.
func (sc *SectorCount) slotForOperator(operatorId int) (OperatorSlot, bool) {
	if sc.OperatorAId != nil && *sc.OperatorAId == operatorId {
		return OperatorSlotA, true
	}
	if sc.OperatorBId != nil && *sc.OperatorBId == operatorId {
		return OperatorSlotB, true
	}
	return "", false
}

// sectorRollup is the derived view of a session computed from its lines.
type sectorRollup struct {
	Status              SectorCountStatus
	LinesCounted        int
	LinesWithDifference int
	RecountRounds       int
	CompletionPercent   decimal.Decimal
}

var decimalHundred = decimal.NewFromInt(100)

// evaluateSectorCompletion folds the line states into the session status and
// progress counters. Pure; the transition rules live here and nowhere else.
//
// A line counts as "counted" once both operators have submitted at least once
// in the current round. Completion percent moves only on settled lines
// (verified or finalized), so a disagreement does not inflate progress.
func evaluateSectorCompletion(lines []CountLine, recountLimit int) sectorRollup {
	r := sectorRollup{CompletionPercent: decimal.Zero}

	if len(lines) == 0 {
		r.Status = SectorCountStatusCompletedNoCount
		r.CompletionPercent = decimalHundred
		return r
	}

	var settled, open, anyActivity int
	var anyOverride, anyExhausted, anyOpenDifference bool
	for _, l := range lines {
		if l.RecountRound > r.RecountRounds {
			r.RecountRounds = l.RecountRound
		}
		switch l.CurrentStatus {
		case CountLineStatusVerified, CountLineStatusFinalized:
			settled++
			r.LinesCounted++
			anyActivity++
			if utils.DereferencePtr(l.ManuallyResolved) {
				anyOverride = true
			}
		case CountLineStatusWithDifferences:
			r.LinesCounted++
			r.LinesWithDifference++
			anyActivity++
			anyOpenDifference = true
			if l.RecountRound >= recountLimit {
				anyExhausted = true
			}
			open++
		case CountLineStatusCountedByOne:
			anyActivity++
			open++
		case CountLineStatusVoid:
			settled++
		default:
			open++
			if l.RecountRound > 0 || l.QtyOperatorA != nil || l.QtyOperatorB != nil {
				anyActivity++
			}
		}
	}

	r.CompletionPercent = decimal.NewFromInt(int64(settled)).
		Div(decimal.NewFromInt(int64(len(lines)))).
		Mul(decimalHundred).
		Round(2)

	switch {
	case open == 0:
		if anyOverride {
			r.Status = SectorCountStatusCompletedWithOverrides
		} else {
			r.Status = SectorCountStatusCompleted
		}
	case anyExhausted:
		// nothing left but manual resolution
		r.Status = SectorCountStatusWithDifferences
	case anyOpenDifference && open == r.LinesWithDifference:
		// every unsettled line is a double-counted disagreement
		r.Status = SectorCountStatusAwaitingVerification
	case anyActivity > 0:
		r.Status = SectorCountStatusInProgress
	default:
		r.Status = SectorCountStatusPending
	}
	return r
}

// refreshSectorAggregates recomputes and persists the session rollup, then the
// parent run rollup, inside the caller's transaction. Verified lines are
// promoted to Finalized in bulk once every line of the session is settled, so
// the session's terminal status is reachable before the run commits.
func refreshSectorAggregates(tx *gorm.DB, businessId string, sectorCountId int) error {
	var session SectorCount
	if err := tx.Where("business_id = ?", businessId).First(&session, sectorCountId).Error; err != nil {
		return err
	}
	if session.CurrentStatus == SectorCountStatusCancelled {
		return nil
	}

	var lines []CountLine
	if err := tx.Where("business_id = ? AND sector_count_id = ?", businessId, sectorCountId).
		Order("id").Find(&lines).Error; err != nil {
		return err
	}

	rollup := evaluateSectorCompletion(lines, config.RecountRoundLimit())

	if rollup.Status == SectorCountStatusCompleted || rollup.Status == SectorCountStatusCompletedWithOverrides {
		err := tx.Model(&CountLine{}).
			Where("business_id = ? AND sector_count_id = ? AND current_status = ?",
				businessId, sectorCountId, CountLineStatusVerified).
			Updates(map[string]interface{}{
				"current_status": CountLineStatusFinalized,
				"version":        gorm.Expr("version + 1"),
			}).Error
		if err != nil {
			return err
		}
	}

	err := tx.Model(&SectorCount{}).
		Where("id = ? AND business_id = ?", sectorCountId, businessId).
		Updates(map[string]interface{}{
			"current_status":        rollup.Status,
			"lines_total":           len(lines),
			"lines_counted":         rollup.LinesCounted,
			"lines_with_difference": rollup.LinesWithDifference,
			"recount_rounds":        rollup.RecountRounds,
			"completion_percent":    rollup.CompletionPercent,
		}).Error
	if err != nil {
		return err
	}

	return refreshRunRollup(tx, businessId, session.StockCountId)
}

// RefreshSectorAggregates is the repair entry point used by maintenance
// tooling; normal writes go through the unexported path transactionally.
func RefreshSectorAggregates(tx *gorm.DB, businessId string, sectorCountId int) error {
	return refreshSectorAggregates(tx, businessId, sectorCountId)
}

// AssignSectorOperators pairs the two operators of a session. Must happen
// before any counting; the pair cannot be changed once a count exists, because
// slot identity is part of the attempt log's meaning.
func AssignSectorOperators(ctx context.Context, sectorCountId int, operatorAId int, operatorBId int) (*SectorCount, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if operatorAId == 0 || operatorBId == 0 {
		return nil, errors.New("both operator ids are required")
	}
	if operatorAId == operatorBId {
		return nil, newCountError(ErrCodeDuplicateOperator, "the two counting slots must be held by different operators")
	}

	session, err := utils.FetchModel[SectorCount](ctx, businessId, sectorCountId)
	if err != nil {
		return nil, err
	}
	if session.CurrentStatus.IsTerminal() || session.CurrentStatus == SectorCountStatusCancelled {
		return nil, newSectorStateError(ErrCodeAlreadyFinalized, session, "non-terminal", "sector session is already closed")
	}

	db := config.GetDB()

	var attemptCount int64
	err = db.WithContext(ctx).Model(&CountAttempt{}).
		Joins("JOIN count_lines ON count_lines.id = count_attempts.count_line_id").
		Where("count_lines.business_id = ? AND count_lines.sector_count_id = ?", businessId, sectorCountId).
		Count(&attemptCount).Error
	if err != nil {
		return nil, err
	}
	if attemptCount > 0 {
		return nil, newSectorStateError(ErrCodeAlreadyInProgress, session, "no submitted counts", "operators cannot be reassigned after counting has started")
	}

	err = db.WithContext(ctx).Model(&SectorCount{}).
		Where("id = ? AND business_id = ?", sectorCountId, businessId).
		Updates(map[string]interface{}{
			"operator_a_id": operatorAId,
			"operator_b_id": operatorBId,
		}).Error
	if err != nil {
		return nil, err
	}
	session.OperatorAId = &operatorAId
	session.OperatorBId = &operatorBId
	return session, nil
}

// CancelSectorCount takes the session out of the run. Its lines are voided and
// excluded from completion and from the commit; already-finalized lines keep
// their values for the record but are not applied.
func CancelSectorCount(ctx context.Context, sectorCountId int) (*SectorCount, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	session, err := utils.FetchModel[SectorCount](ctx, businessId, sectorCountId)
	if err != nil {
		return nil, err
	}
	if session.CurrentStatus == SectorCountStatusCancelled {
		return session, nil
	}

	run, err := utils.FetchModel[StockCount](ctx, businessId, session.StockCountId)
	if err != nil {
		return nil, err
	}
	if run.CurrentStatus == StockCountStatusCommitted {
		return nil, newSectorStateError(ErrCodeAlreadyCommitted, session, "", "the owning run has already been committed")
	}

	db := config.GetDB()
	err = db.Transaction(func(tx *gorm.DB) error {
		txCtx := tx.WithContext(ctx)
		err := txCtx.Model(&CountLine{}).
			Where("business_id = ? AND sector_count_id = ? AND current_status NOT IN ?",
				businessId, sectorCountId, []CountLineStatus{CountLineStatusFinalized, CountLineStatusVoid}).
			Updates(map[string]interface{}{
				"current_status": CountLineStatusVoid,
				"version":        gorm.Expr("version + 1"),
			}).Error
		if err != nil {
			return err
		}
		err = txCtx.Model(&SectorCount{}).
			Where("id = ? AND business_id = ?", sectorCountId, businessId).
			Update("current_status", SectorCountStatusCancelled).Error
		if err != nil {
			return err
		}
		return refreshRunRollup(txCtx, businessId, session.StockCountId)
	})
	if err != nil {
		return nil, err
	}
	session.CurrentStatus = SectorCountStatusCancelled
	return session, nil
}

// ReopenSectorCount turns an empty-snapshot session back into a countable one
// after products were assigned to the sector. Only CompletedNoCount sessions
// qualify; a sector that is still empty cannot be opened.
func ReopenSectorCount(ctx context.Context, sectorCountId int) (*SectorCount, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	session, err := utils.FetchModel[SectorCount](ctx, businessId, sectorCountId)
	if err != nil {
		return nil, err
	}
	if session.CurrentStatus != SectorCountStatusCompletedNoCount {
		return nil, newSectorStateError(ErrCodeAlreadyInProgress, session, string(SectorCountStatusCompletedNoCount), "only empty-snapshot sessions can be reopened")
	}

	run, err := utils.FetchModel[StockCount](ctx, businessId, session.StockCountId)
	if err != nil {
		return nil, err
	}
	if run.CurrentStatus.IsTerminal() {
		return nil, newSectorStateError(ErrCodeAlreadyCommitted, session, "", "the owning run is already closed")
	}

	products, err := GetProductsInSector(ctx, session.SectorId)
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, newSectorStateError(ErrCodeEmptySector, session, "assigned products", "sector still has no products assigned")
	}

	db := config.GetDB()
	err = db.Transaction(func(tx *gorm.DB) error {
		txCtx := tx.WithContext(ctx)
		for _, p := range products {
			line := newCountLineSnapshot(businessId, session.StockCountId, sectorCountId, p)
			if err := txCtx.Create(&line).Error; err != nil {
				return err
			}
		}
		return refreshSectorAggregates(txCtx, businessId, sectorCountId)
	})
	if err != nil {
		return nil, err
	}
	return utils.FetchModel[SectorCount](ctx, businessId, sectorCountId)
}

// SectorOperatorProgress is the per-slot view of a session: how far each
// operator has independently gotten through the sector.
type SectorOperatorProgress struct {
	SectorCountId     int              `json:"sector_count_id"`
	OperatorSlot      OperatorSlot     `json:"operator_slot"`
	OperatorId        *int             `json:"operator_id"`
	LinesTotal        int              `json:"lines_total"`
	LinesSubmitted    int              `json:"lines_submitted"`
	CompletionPercent decimal.Decimal  `json:"completion_percent"`
	LastSubmittedAt   *time.Time       `json:"last_submitted_at"`
}

// tallyOperatorSubmissions counts, per slot, the lines carrying that slot's
// count in the current round. A line's status alone proves nothing here: a
// manually resolved line may have been counted by one operator or neither.
func tallyOperatorSubmissions(lines []CountLine) (a, b int) {
	for _, l := range lines {
		if l.QtyOperatorA != nil {
			a++
		}
		if l.QtyOperatorB != nil {
			b++
		}
	}
	return a, b
}

// GetOperatorProgress derives both operators' progress from the lines; nothing
// is stored, so it can never drift from the counts themselves.
func GetOperatorProgress(ctx context.Context, sectorCountId int) ([]SectorOperatorProgress, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	session, err := utils.FetchModel[SectorCount](ctx, businessId, sectorCountId)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	var lines []CountLine
	err = db.WithContext(ctx).
		Where("business_id = ? AND sector_count_id = ? AND current_status <> ?",
			businessId, sectorCountId, CountLineStatusVoid).
		Find(&lines).Error
	if err != nil {
		return nil, err
	}

	progress := []SectorOperatorProgress{
		{SectorCountId: sectorCountId, OperatorSlot: OperatorSlotA, OperatorId: session.OperatorAId, LinesTotal: len(lines), CompletionPercent: decimal.Zero},
		{SectorCountId: sectorCountId, OperatorSlot: OperatorSlotB, OperatorId: session.OperatorBId, LinesTotal: len(lines), CompletionPercent: decimal.Zero},
	}
	progress[0].LinesSubmitted, progress[1].LinesSubmitted = tallyOperatorSubmissions(lines)
	if len(lines) > 0 {
		total := decimal.NewFromInt(int64(len(lines)))
		for i := range progress {
			progress[i].CompletionPercent = decimal.NewFromInt(int64(progress[i].LinesSubmitted)).
				Div(total).Mul(decimalHundred).Round(2)
		}
	}

	for i, slot := range []OperatorSlot{OperatorSlotA, OperatorSlotB} {
		var last CountAttempt
		err := db.WithContext(ctx).Model(&CountAttempt{}).
			Joins("JOIN count_lines ON count_lines.id = count_attempts.count_line_id").
			Where("count_lines.business_id = ? AND count_lines.sector_count_id = ? AND count_attempts.operator_slot = ?",
				businessId, sectorCountId, slot).
			Order("count_attempts.created_at DESC").
			First(&last).Error
		if err == nil {
			t := last.CreatedAt
			progress[i].LastSubmittedAt = &t
		}
	}
	return progress, nil
}

func GetSectorCount(ctx context.Context, id int) (*SectorCount, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[SectorCount](ctx, businessId, id, "Lines")
}
