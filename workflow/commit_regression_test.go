package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/models"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"gorm.io/gorm"
)

const testBusinessId = "22222222-2222-2222-2222-222222222222"

func setupCommitTestDB(t *testing.T) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "stocktake_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
}

// The durable commit-once guard, branch by branch, against a real database.
func TestBeginIdempotency_Branches(t *testing.T) {
	setupCommitTestDB(t)
	db := config.GetDB()
	const messageId = "77"

	skip, err := BeginIdempotency(db, testBusinessId, commitHandlerName, messageId)
	if err != nil || skip {
		t.Fatalf("first begin: skip=%v err=%v", skip, err)
	}

	// a live STARTED row means another instance holds the work
	if _, err := BeginIdempotency(db, testBusinessId, commitHandlerName, messageId); !errors.Is(err, ErrIdempotencyInProgress) {
		t.Fatalf("expected ErrIdempotencyInProgress, got %v", err)
	}

	// a stale STARTED row is reclaimed for retry
	err = db.Exec("UPDATE idempotency_keys SET updated_at = ? WHERE business_id = ? AND handler_name = ? AND message_id = ?",
		time.Now().Add(-10*time.Minute), testBusinessId, commitHandlerName, messageId).Error
	if err != nil {
		t.Fatalf("age idempotency row: %v", err)
	}
	skip, err = BeginIdempotency(db, testBusinessId, commitHandlerName, messageId)
	if err != nil || skip {
		t.Fatalf("stale begin should reclaim: skip=%v err=%v", skip, err)
	}

	// SUCCEEDED means skip safely, never re-run
	if err := MarkIdempotencySucceeded(db, testBusinessId, commitHandlerName, messageId); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	skip, err = BeginIdempotency(db, testBusinessId, commitHandlerName, messageId)
	if err != nil || !skip {
		t.Fatalf("succeeded begin should skip: skip=%v err=%v", skip, err)
	}

	// FAILED rows retry
	const failedId = "78"
	if _, err := BeginIdempotency(db, testBusinessId, commitHandlerName, failedId); err != nil {
		t.Fatalf("begin failed-path row: %v", err)
	}
	if err := MarkIdempotencyFailed(db, testBusinessId, commitHandlerName, failedId, errors.New("stock application failed")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	skip, err = BeginIdempotency(db, testBusinessId, commitHandlerName, failedId)
	if err != nil || skip {
		t.Fatalf("failed begin should retry: skip=%v err=%v", skip, err)
	}
}

// Racing duplicate commit requests must apply exactly once; losers either
// skip (SUCCEEDED) or surface in-progress for the caller to retry.
func TestBeginIdempotency_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	setupCommitTestDB(t)
	db := config.GetDB()
	const messageId = "99"

	var applied int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.Transaction(func(tx *gorm.DB) error {
				skip, err := BeginIdempotency(tx, testBusinessId, commitHandlerName, messageId)
				if err != nil {
					return err
				}
				if skip {
					return nil
				}
				atomic.AddInt32(&applied, 1)
				return MarkIdempotencySucceeded(tx, testBusinessId, commitHandlerName, messageId)
			})
			if err != nil && !errors.Is(err, ErrIdempotencyInProgress) {
				t.Errorf("unexpected commit error: %v", err)
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("expected exactly 1 applied commit, got %d", applied)
	}
}

// A run whose stock was applied but whose status write was lost must be
// repaired to Committed on retry, without re-applying stock.
func TestProcessStockCountCommit_RepairsLostStatusWrite(t *testing.T) {
	setupCommitTestDB(t)
	db := config.GetDB()

	run := models.StockCount{
		BusinessId:    testBusinessId,
		WarehouseId:   1,
		Name:          "repair retry",
		CurrentStatus: models.StockCountStatusFinished,
		CreatedById:   1,
	}
	if err := db.Create(&run).Error; err != nil {
		t.Fatalf("create run: %v", err)
	}
	key := models.IdempotencyKey{
		BusinessId:  testBusinessId,
		HandlerName: commitHandlerName,
		MessageId:   fmt.Sprintf("%d", run.ID),
		Status:      models.IdempotencyStatusSucceeded,
	}
	if err := db.Create(&key).Error; err != nil {
		t.Fatalf("create idempotency row: %v", err)
	}

	ctx := utils.SetBusinessIdInContext(context.Background(), testBusinessId)
	committed, err := ProcessStockCountCommit(ctx, run.ID)
	if err != nil {
		t.Fatalf("ProcessStockCountCommit: %v", err)
	}
	if committed.CurrentStatus != models.StockCountStatusCommitted {
		t.Fatalf("repair must report Committed, got %s", committed.CurrentStatus)
	}

	var stored models.StockCount
	if err := db.Where("business_id = ?", testBusinessId).First(&stored, run.ID).Error; err != nil {
		t.Fatalf("reload run: %v", err)
	}
	if stored.CurrentStatus != models.StockCountStatusCommitted {
		t.Fatalf("run row not repaired: %s", stored.CurrentStatus)
	}

	var auditRows int64
	if err := db.Model(&models.StockAdjustmentLog{}).Where("stock_count_id = ?", run.ID).Count(&auditRows).Error; err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if auditRows != 0 {
		t.Fatalf("repair must not re-apply stock: %d audit rows", auditRows)
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
