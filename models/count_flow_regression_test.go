package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/models"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/mmdatafocus/stocktake_backend/workflow"
	"github.com/shopspring/decimal"
)

const testBusinessId = "11111111-1111-1111-1111-111111111111"

// End-to-end: run creation snapshot -> dual counts -> recount -> manual
// resolution -> commit, verifying the final stock and audit rows.
func TestCountFlow_FullRunCommit(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "stocktake_test")
	t.Setenv("COUNT_RECOUNT_ROUND_LIMIT", "1")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	const (
		operatorA = 101
		operatorB = 102
	)
	adminCtx := utils.SetBusinessIdInContext(ctx, testBusinessId)
	adminCtx = utils.SetUserIdInContext(adminCtx, 1)
	adminCtx = utils.SetUserNameInContext(adminCtx, "Supervisor")
	ctxA := utils.SetUserIdInContext(utils.SetBusinessIdInContext(ctx, testBusinessId), operatorA)
	ctxB := utils.SetUserIdInContext(utils.SetBusinessIdInContext(ctx, testBusinessId), operatorB)

	warehouse, err := models.CreateWarehouse(adminCtx, &models.NewWarehouse{Name: "Main"})
	if err != nil {
		t.Fatalf("CreateWarehouse: %v", err)
	}
	sector, err := models.CreateSector(adminCtx, &models.NewSector{WarehouseId: warehouse.ID, Name: "A1"})
	if err != nil {
		t.Fatalf("CreateSector: %v", err)
	}

	soap, err := models.CreateProduct(adminCtx, &models.NewProduct{
		Sku: "SOAP-001", Name: "Soap", CurrentQty: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("CreateProduct soap: %v", err)
	}
	brush, err := models.CreateProduct(adminCtx, &models.NewProduct{
		Sku: "BRUSH-001", Name: "Brush", CurrentQty: decimal.NewFromInt(12),
	})
	if err != nil {
		t.Fatalf("CreateProduct brush: %v", err)
	}
	for _, p := range []int{soap.ID, brush.ID} {
		if err := models.AssignProductToSector(adminCtx, sector.ID, p); err != nil {
			t.Fatalf("AssignProductToSector: %v", err)
		}
	}

	run, err := models.CreateStockCount(adminCtx, &models.NewStockCount{
		Name: "Q3 stocktake", WarehouseId: warehouse.ID, SectorIds: []int{sector.ID},
	})
	if err != nil {
		t.Fatalf("CreateStockCount: %v", err)
	}
	if len(run.SectorCounts) != 1 || len(run.SectorCounts[0].Lines) != 2 {
		t.Fatalf("expected 1 session with 2 lines, got %+v", run.SectorCounts)
	}
	session := run.SectorCounts[0]
	if _, err := models.AssignSectorOperators(adminCtx, session.ID, operatorA, operatorB); err != nil {
		t.Fatalf("AssignSectorOperators: %v", err)
	}

	var soapLine, brushLine models.CountLine
	for _, l := range session.Lines {
		switch l.ProductId {
		case soap.ID:
			soapLine = l
		case brush.ID:
			brushLine = l
		}
	}

	// soap: A miscounts 47 and corrects to 48 before B submits; then both
	// agree at 48 -> verified, system diff -2
	if _, err := models.SubmitCount(ctxA, soapLine.ID, decimal.NewFromInt(47), ""); err != nil {
		t.Fatalf("soap count A: %v", err)
	}
	if _, err := models.SubmitCount(ctxA, soapLine.ID, decimal.NewFromInt(48), "miscount, recounted shelf"); err != nil {
		t.Fatalf("soap correction A: %v", err)
	}
	line, err := models.SubmitCount(ctxB, soapLine.ID, decimal.NewFromInt(48), "")
	if err != nil {
		t.Fatalf("soap count B: %v", err)
	}
	if line.CurrentStatus != models.CountLineStatusVerified {
		t.Fatalf("soap expected Verified, got %s", line.CurrentStatus)
	}

	// brush: disagreement, one recount round, still disagreeing -> manual resolution
	if _, err := models.SubmitCount(ctxA, brushLine.ID, decimal.NewFromInt(10), ""); err != nil {
		t.Fatalf("brush count A: %v", err)
	}
	line, err = models.SubmitCount(ctxB, brushLine.ID, decimal.NewFromInt(13), "")
	if err != nil {
		t.Fatalf("brush count B: %v", err)
	}
	if line.CurrentStatus != models.CountLineStatusWithDifferences {
		t.Fatalf("brush expected WithDifferences, got %s", line.CurrentStatus)
	}

	if _, err := models.RequestRecount(adminCtx, brushLine.ID); err != nil {
		t.Fatalf("RequestRecount: %v", err)
	}
	if _, err := models.SubmitCount(ctxA, brushLine.ID, decimal.NewFromInt(10), ""); err != nil {
		t.Fatalf("brush recount A: %v", err)
	}
	if _, err := models.SubmitCount(ctxB, brushLine.ID, decimal.NewFromInt(11), ""); err != nil {
		t.Fatalf("brush recount B: %v", err)
	}

	// round limit is 1: a further recount must be rejected
	if _, err := models.RequestRecount(adminCtx, brushLine.ID); !models.IsCountErrorCode(err, models.ErrCodeRecountLimitExceeded) {
		t.Fatalf("expected RECOUNT_LIMIT_EXCEEDED, got %v", err)
	}

	// the attempt log keeps every submission: A's superseded miscount stays
	// visible, flagged void, and sequences run 1..N per slot
	soapAttempts, err := models.ListCountAttempts(adminCtx, soapLine.ID)
	if err != nil {
		t.Fatalf("ListCountAttempts soap: %v", err)
	}
	if len(soapAttempts) != 3 {
		t.Fatalf("expected 3 soap attempts (A correction + B), got %d", len(soapAttempts))
	}
	assertAttempt(t, soapAttempts[0], models.OperatorSlotA, 1, decimal.NewFromInt(47), true)
	assertAttempt(t, soapAttempts[1], models.OperatorSlotA, 2, decimal.NewFromInt(48), false)
	assertAttempt(t, soapAttempts[2], models.OperatorSlotB, 1, decimal.NewFromInt(48), false)

	brushAttempts, err := models.ListCountAttempts(adminCtx, brushLine.ID)
	if err != nil {
		t.Fatalf("ListCountAttempts brush: %v", err)
	}
	if len(brushAttempts) != 4 {
		t.Fatalf("expected 4 brush attempts (two rounds per slot), got %d", len(brushAttempts))
	}
	assertAttempt(t, brushAttempts[0], models.OperatorSlotA, 1, decimal.NewFromInt(10), false)
	assertAttempt(t, brushAttempts[1], models.OperatorSlotA, 2, decimal.NewFromInt(10), false)
	assertAttempt(t, brushAttempts[2], models.OperatorSlotB, 1, decimal.NewFromInt(13), false)
	assertAttempt(t, brushAttempts[3], models.OperatorSlotB, 2, decimal.NewFromInt(11), false)
	if brushAttempts[0].Round != 0 || brushAttempts[1].Round != 1 {
		t.Fatalf("recount attempts must carry their round: %d, %d", brushAttempts[0].Round, brushAttempts[1].Round)
	}

	// premature commit while the brush line is open
	if _, err := workflow.ProcessStockCountCommit(adminCtx, run.ID); !models.IsCountErrorCode(err, models.ErrCodePrematureCommit) {
		t.Fatalf("expected PREMATURE_COMMIT, got %v", err)
	}

	if _, err := models.ResolveManually(ctxA, brushLine.ID, decimal.NewFromInt(11), "supervisor shelf check"); err != nil {
		t.Fatalf("ResolveManually: %v", err)
	}

	run, err = models.GetStockCount(adminCtx, run.ID)
	if err != nil {
		t.Fatalf("GetStockCount: %v", err)
	}
	if run.CurrentStatus != models.StockCountStatusFinished {
		t.Fatalf("expected Finished, got %s", run.CurrentStatus)
	}
	if run.SectorCounts[0].CurrentStatus != models.SectorCountStatusCompletedWithOverrides {
		t.Fatalf("expected CompletedWithOverrides, got %s", run.SectorCounts[0].CurrentStatus)
	}

	committed, err := workflow.ProcessStockCountCommit(adminCtx, run.ID)
	if err != nil {
		t.Fatalf("ProcessStockCountCommit: %v", err)
	}
	if committed.CurrentStatus != models.StockCountStatusCommitted {
		t.Fatalf("expected Committed, got %s", committed.CurrentStatus)
	}

	// committing twice must be rejected, not re-applied
	if _, err := workflow.ProcessStockCountCommit(adminCtx, run.ID); !models.IsCountErrorCode(err, models.ErrCodeAlreadyCommitted) {
		t.Fatalf("expected ALREADY_COMMITTED, got %v", err)
	}

	soapAfter, err := models.GetProduct(adminCtx, soap.ID)
	if err != nil {
		t.Fatalf("GetProduct soap: %v", err)
	}
	if !soapAfter.CurrentQty.Equal(decimal.NewFromInt(48)) {
		t.Fatalf("soap stock expected 48, got %s", soapAfter.CurrentQty)
	}
	brushAfter, err := models.GetProduct(adminCtx, brush.ID)
	if err != nil {
		t.Fatalf("GetProduct brush: %v", err)
	}
	if !brushAfter.CurrentQty.Equal(decimal.NewFromInt(11)) {
		t.Fatalf("brush stock expected 11, got %s", brushAfter.CurrentQty)
	}

	logs, err := models.GetStockAdjustmentLogs(adminCtx, run.ID)
	if err != nil {
		t.Fatalf("GetStockAdjustmentLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(logs))
	}
}

// A cancelled sector's lines must not reach the committed stock.
func TestCountFlow_CancelledSectorExcludedFromCommit(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "stocktake_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	const (
		operatorA = 201
		operatorB = 202
	)
	adminCtx := utils.SetBusinessIdInContext(ctx, testBusinessId)
	adminCtx = utils.SetUserIdInContext(adminCtx, 1)
	ctxA := utils.SetUserIdInContext(utils.SetBusinessIdInContext(ctx, testBusinessId), operatorA)
	ctxB := utils.SetUserIdInContext(utils.SetBusinessIdInContext(ctx, testBusinessId), operatorB)

	warehouse, err := models.CreateWarehouse(adminCtx, &models.NewWarehouse{Name: "Main"})
	if err != nil {
		t.Fatalf("CreateWarehouse: %v", err)
	}
	counted, err := models.CreateSector(adminCtx, &models.NewSector{WarehouseId: warehouse.ID, Name: "A1"})
	if err != nil {
		t.Fatalf("CreateSector A1: %v", err)
	}
	abandoned, err := models.CreateSector(adminCtx, &models.NewSector{WarehouseId: warehouse.ID, Name: "B2"})
	if err != nil {
		t.Fatalf("CreateSector B2: %v", err)
	}

	mug, err := models.CreateProduct(adminCtx, &models.NewProduct{
		Sku: "MUG-001", Name: "Mug", CurrentQty: decimal.NewFromInt(20),
	})
	if err != nil {
		t.Fatalf("CreateProduct mug: %v", err)
	}
	plate, err := models.CreateProduct(adminCtx, &models.NewProduct{
		Sku: "PLATE-001", Name: "Plate", CurrentQty: decimal.NewFromInt(30),
	})
	if err != nil {
		t.Fatalf("CreateProduct plate: %v", err)
	}
	if err := models.AssignProductToSector(adminCtx, counted.ID, mug.ID); err != nil {
		t.Fatalf("assign mug: %v", err)
	}
	if err := models.AssignProductToSector(adminCtx, abandoned.ID, plate.ID); err != nil {
		t.Fatalf("assign plate: %v", err)
	}

	run, err := models.CreateStockCount(adminCtx, &models.NewStockCount{
		Name: "partial", WarehouseId: warehouse.ID, SectorIds: []int{counted.ID, abandoned.ID},
	})
	if err != nil {
		t.Fatalf("CreateStockCount: %v", err)
	}

	var countedSession, abandonedSession models.SectorCount
	for _, s := range run.SectorCounts {
		switch s.SectorId {
		case counted.ID:
			countedSession = s
		case abandoned.ID:
			abandonedSession = s
		}
	}
	if _, err := models.AssignSectorOperators(adminCtx, countedSession.ID, operatorA, operatorB); err != nil {
		t.Fatalf("AssignSectorOperators: %v", err)
	}

	mugLine := countedSession.Lines[0]
	if _, err := models.SubmitCount(ctxA, mugLine.ID, decimal.NewFromInt(19), ""); err != nil {
		t.Fatalf("mug count A: %v", err)
	}
	if _, err := models.SubmitCount(ctxB, mugLine.ID, decimal.NewFromInt(19), ""); err != nil {
		t.Fatalf("mug count B: %v", err)
	}

	if _, err := models.CancelSectorCount(adminCtx, abandonedSession.ID); err != nil {
		t.Fatalf("CancelSectorCount: %v", err)
	}

	if _, err := workflow.ProcessStockCountCommit(adminCtx, run.ID); err != nil {
		t.Fatalf("ProcessStockCountCommit: %v", err)
	}

	plateAfter, err := models.GetProduct(adminCtx, plate.ID)
	if err != nil {
		t.Fatalf("GetProduct plate: %v", err)
	}
	if !plateAfter.CurrentQty.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("cancelled sector must not touch stock: got %s", plateAfter.CurrentQty)
	}
	mugAfter, err := models.GetProduct(adminCtx, mug.ID)
	if err != nil {
		t.Fatalf("GetProduct mug: %v", err)
	}
	if !mugAfter.CurrentQty.Equal(decimal.NewFromInt(19)) {
		t.Fatalf("mug stock expected 19, got %s", mugAfter.CurrentQty)
	}
}

func assertAttempt(t *testing.T, a *models.CountAttempt, slot models.OperatorSlot, seq int, qty decimal.Decimal, voided bool) {
	t.Helper()
	if a.OperatorSlot != slot || a.SequenceNo != seq {
		t.Fatalf("expected attempt %s#%d, got %s#%d", slot, seq, a.OperatorSlot, a.SequenceNo)
	}
	if !a.Qty.Equal(qty) {
		t.Fatalf("attempt %s#%d: expected qty %s, got %s", slot, seq, qty, a.Qty)
	}
	if got := a.IsVoided != nil && *a.IsVoided; got != voided {
		t.Fatalf("attempt %s#%d: expected voided=%v, got %v", slot, seq, voided, got)
	}
}

/* docker helpers */

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("stocktake-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=stocktake_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
