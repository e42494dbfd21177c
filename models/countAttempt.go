package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CountAttempt is the append-only history of every count submission, including
// ones later superseded by corrections or recounts. Sequence numbers are
// strictly increasing per (line, slot), enforced by a unique index so a racing
// duplicate fails at the database rather than silently reordering.
type CountAttempt struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"size:64;not null;index" json:"business_id"`
	CountLineId  int             `gorm:"not null;index:uniq_attempt_seq,unique" json:"count_line_id"`
	OperatorSlot OperatorSlot    `gorm:"size:1;not null;index:uniq_attempt_seq,unique" json:"operator_slot"`
	SequenceNo   int             `gorm:"not null;index:uniq_attempt_seq,unique" json:"sequence_no"`
	OperatorId   int             `gorm:"not null;index" json:"operator_id"`
	Round        int             `gorm:"not null;default:0" json:"round"`
	Qty          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	Notes        string          `gorm:"size:255" json:"notes"`
	IsVoided     *bool           `gorm:"not null;default:false" json:"is_voided"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (a CountAttempt) GetBusinessId() string {
	return a.BusinessId
}

// appendAttempt records one submission in the attempt log, inside the caller's
// transaction. supersedes marks the previous live attempt of the same slot as
// voided (same-round correction). A duplicate sequence number means another
// writer appended concurrently; the transaction must retry from a fresh read.
func appendAttempt(tx *gorm.DB, line *CountLine, slot OperatorSlot, operatorId int, round int, qty decimal.Decimal, notes string, supersedes bool) error {
	if supersedes {
		err := tx.Model(&CountAttempt{}).
			Where("business_id = ? AND count_line_id = ? AND operator_slot = ? AND is_voided = false", line.BusinessId, line.ID, slot).
			Update("is_voided", true).Error
		if err != nil {
			return err
		}
	}

	var maxSeq int
	err := tx.Model(&CountAttempt{}).
		Where("business_id = ? AND count_line_id = ? AND operator_slot = ?", line.BusinessId, line.ID, slot).
		Select("COALESCE(MAX(sequence_no), 0)").
		Scan(&maxSeq).Error
	if err != nil {
		return err
	}

	if round == 0 {
		round = line.RecountRound
	}
	attempt := CountAttempt{
		BusinessId:   line.BusinessId,
		CountLineId:  line.ID,
		OperatorSlot: slot,
		SequenceNo:   maxSeq + 1,
		OperatorId:   operatorId,
		Round:        round,
		Qty:          qty,
		Notes:        notes,
		IsVoided:     utils.NewFalse(),
	}
	if err := tx.Create(&attempt).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			e := newLineStateError(ErrCodeOutOfOrderSequence, line, "", "concurrent submission produced a duplicate attempt sequence")
			e.Expected = fmt.Sprintf("sequence_no %d", maxSeq+1)
			e.Actual = "taken"
			return e
		}
		return err
	}
	return nil
}

// ListCountAttempts returns the full attempt history for a line, oldest first,
// voided entries included.
func ListCountAttempts(ctx context.Context, countLineId int) ([]*CountAttempt, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	// tenancy check on the parent line before exposing its history
	if _, err := utils.FetchModel[CountLine](ctx, businessId, countLineId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var attempts []*CountAttempt
	err := db.WithContext(ctx).
		Where("business_id = ? AND count_line_id = ?", businessId, countLineId).
		Order("operator_slot, sequence_no").
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}
