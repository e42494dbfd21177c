package models

import (
	"testing"

	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/shopspring/decimal"
)

func verifiedLine(round int) CountLine {
	q := d(10)
	return CountLine{CurrentStatus: CountLineStatusVerified, QtyOperatorA: &q, QtyOperatorB: &q, ResolvedQty: &q, RecountRound: round}
}

func finalizedLine(manual bool) CountLine {
	q := d(10)
	return CountLine{CurrentStatus: CountLineStatusFinalized, ResolvedQty: &q, ManuallyResolved: &manual}
}

func disputedLine(round int) CountLine {
	a, b := d(10), d(12)
	diff := a.Sub(b)
	return CountLine{CurrentStatus: CountLineStatusWithDifferences, QtyOperatorA: &a, QtyOperatorB: &b, DiffOperators: &diff, RecountRound: round}
}

func TestSectorCompletion_EmptySector(t *testing.T) {
	r := evaluateSectorCompletion(nil, 2)
	if r.Status != SectorCountStatusCompletedNoCount {
		t.Fatalf("expected CompletedNoCount, got %s", r.Status)
	}
	if !r.CompletionPercent.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("empty sector should read 100%%, got %s", r.CompletionPercent)
	}
}

func TestSectorCompletion_PendingWithoutActivity(t *testing.T) {
	lines := []CountLine{{CurrentStatus: CountLineStatusPending}, {CurrentStatus: CountLineStatusPending}}
	r := evaluateSectorCompletion(lines, 2)
	if r.Status != SectorCountStatusPending {
		t.Fatalf("expected Pending, got %s", r.Status)
	}
	if !r.CompletionPercent.IsZero() {
		t.Fatalf("expected 0%%, got %s", r.CompletionPercent)
	}
}

func TestSectorCompletion_ProgressCountsOnlySettledLines(t *testing.T) {
	q := d(5)
	lines := []CountLine{
		verifiedLine(0),
		{CurrentStatus: CountLineStatusCountedByOne, QtyOperatorA: &q},
		{CurrentStatus: CountLineStatusPending},
		{CurrentStatus: CountLineStatusPending},
	}
	r := evaluateSectorCompletion(lines, 2)
	if r.Status != SectorCountStatusInProgress {
		t.Fatalf("expected InProgress, got %s", r.Status)
	}
	if !r.CompletionPercent.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("1 of 4 settled should be 25%%, got %s", r.CompletionPercent)
	}
	if r.LinesCounted != 1 {
		t.Fatalf("expected 1 counted, got %d", r.LinesCounted)
	}
}

func TestSectorCompletion_DisagreementDoesNotInflateProgress(t *testing.T) {
	lines := []CountLine{verifiedLine(0), disputedLine(0)}
	r := evaluateSectorCompletion(lines, 2)
	if !r.CompletionPercent.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("disputed line must not count as settled: %s", r.CompletionPercent)
	}
	if r.LinesWithDifference != 1 {
		t.Fatalf("expected 1 difference, got %d", r.LinesWithDifference)
	}
}

func TestSectorCompletion_AwaitingVerificationWhenAllOpenAreDisputed(t *testing.T) {
	lines := []CountLine{verifiedLine(0), disputedLine(0), disputedLine(1)}
	r := evaluateSectorCompletion(lines, 2)
	if r.Status != SectorCountStatusAwaitingVerification {
		t.Fatalf("expected AwaitingVerification, got %s", r.Status)
	}
	if r.RecountRounds != 1 {
		t.Fatalf("expected max round 1, got %d", r.RecountRounds)
	}
}

func TestSectorCompletion_ExhaustedRecountNeedsManualResolution(t *testing.T) {
	lines := []CountLine{verifiedLine(0), disputedLine(2)}
	r := evaluateSectorCompletion(lines, 2)
	if r.Status != SectorCountStatusWithDifferences {
		t.Fatalf("expected WithDifferences at the recount limit, got %s", r.Status)
	}
}

func TestSectorCompletion_AllFinalized(t *testing.T) {
	lines := []CountLine{finalizedLine(false), finalizedLine(false)}
	r := evaluateSectorCompletion(lines, 2)
	if r.Status != SectorCountStatusCompleted {
		t.Fatalf("expected Completed, got %s", r.Status)
	}
	if !r.CompletionPercent.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100%%, got %s", r.CompletionPercent)
	}
}

func TestSectorCompletion_OverridesSurfaceInStatus(t *testing.T) {
	lines := []CountLine{finalizedLine(false), finalizedLine(true)}
	r := evaluateSectorCompletion(lines, 2)
	if r.Status != SectorCountStatusCompletedWithOverrides {
		t.Fatalf("expected CompletedWithOverrides, got %s", r.Status)
	}
}

func TestSectorCompletion_VoidLinesCountAsSettled(t *testing.T) {
	lines := []CountLine{finalizedLine(false), {CurrentStatus: CountLineStatusVoid}}
	r := evaluateSectorCompletion(lines, 2)
	if r.Status != SectorCountStatusCompleted {
		t.Fatalf("expected Completed with a void line, got %s", r.Status)
	}
}

// completion percent must never move backwards as counting progresses
func TestSectorCompletion_MonotonicUnderProgress(t *testing.T) {
	q := d(5)
	stages := [][]CountLine{
		{{CurrentStatus: CountLineStatusPending}, {CurrentStatus: CountLineStatusPending}},
		{{CurrentStatus: CountLineStatusCountedByOne, QtyOperatorA: &q}, {CurrentStatus: CountLineStatusPending}},
		{verifiedLine(0), {CurrentStatus: CountLineStatusPending}},
		{verifiedLine(0), {CurrentStatus: CountLineStatusCountedByOne, QtyOperatorA: &q}},
		{verifiedLine(0), verifiedLine(0)},
		{finalizedLine(false), finalizedLine(false)},
	}

	prev := decimal.NewFromInt(-1)
	for i, lines := range stages {
		r := evaluateSectorCompletion(lines, 2)
		if r.CompletionPercent.LessThan(prev) {
			t.Fatalf("stage %d: completion went backwards (%s -> %s)", i, prev, r.CompletionPercent)
		}
		prev = r.CompletionPercent
	}
}

func TestSlotForOperator(t *testing.T) {
	a, b := 7, 9
	session := &SectorCount{OperatorAId: &a, OperatorBId: &b}

	slot, ok := session.slotForOperator(7)
	if !ok || slot != OperatorSlotA {
		t.Fatalf("expected slot A for operator 7, got %s ok=%v", slot, ok)
	}
	slot, ok = session.slotForOperator(9)
	if !ok || slot != OperatorSlotB {
		t.Fatalf("expected slot B for operator 9, got %s ok=%v", slot, ok)
	}
	if _, ok := session.slotForOperator(11); ok {
		t.Fatalf("unassigned operator must not resolve to a slot")
	}

	unassigned := &SectorCount{}
	if _, ok := unassigned.slotForOperator(7); ok {
		t.Fatalf("session without operators must not resolve any slot")
	}
}

func TestTallyOperatorSubmissions_ManualResolutionIsNotACount(t *testing.T) {
	qa := d(10)
	resolved := d(11)
	lines := []CountLine{
		// settled the normal way: both operators counted
		finalizedLine(false),
		// admin override after only operator A ever counted
		{CurrentStatus: CountLineStatusFinalized, QtyOperatorA: &qa, ResolvedQty: &resolved, ManuallyResolved: utils.NewTrue()},
		// admin override with no count at all
		{CurrentStatus: CountLineStatusFinalized, ResolvedQty: &resolved, ManuallyResolved: utils.NewTrue()},
	}
	// finalizedLine carries no operator qtys; give it both so it reads as a
	// settled dual count the way session settlement leaves them
	lines[0].QtyOperatorA = &resolved
	lines[0].QtyOperatorB = &resolved

	a, b := tallyOperatorSubmissions(lines)
	if a != 2 {
		t.Fatalf("expected 2 lines submitted by A, got %d", a)
	}
	if b != 1 {
		t.Fatalf("finalized-by-override lines must not count for B: got %d", b)
	}
}

func TestSectorCompletion_ManualFlagOnVerifiedLines(t *testing.T) {
	v := verifiedLine(0)
	v.ManuallyResolved = utils.NewFalse()
	lines := []CountLine{v, finalizedLine(false)}
	r := evaluateSectorCompletion(lines, 2)
	if r.Status != SectorCountStatusCompleted {
		t.Fatalf("expected Completed, got %s", r.Status)
	}
}
