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

	"bitbucket.org/mmdatafocus/cashregister_backend/config"
	"bitbucket.org/mmdatafocus/cashregister_backend/models"
	"bitbucket.org/mmdatafocus/cashregister_backend/utils"
	"bitbucket.org/mmdatafocus/cashregister_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func TestCashSessionLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()
	logger := logrus.New()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "cashregister_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetUsernameInContext(ctx, "test@local")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{Name: "Test Store"})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	businessID := biz.ID.String()
	ctx = utils.SetBusinessIdInContext(ctx, businessID)

	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}

	cashier, err := models.CreateUser(ctx, &models.NewUser{
		BusinessId: businessID,
		Username:   "aye.chan",
		Name:       "Aye Chan",
		Password:   "secret123",
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	manager, err := models.CreateUser(ctx, &models.NewUser{
		BusinessId: businessID,
		Username:   "su.su",
		Name:       "Su Su",
		Password:   "secret123",
		Role:       "O",
	})
	if err != nil {
		t.Fatalf("CreateUser(manager): %v", err)
	}

	// 1) Open with a counted drawer: 2 x 50 bills = 100.00.
	session, created, err := workflow.OpenSession(ctx, logger, businessID, cashier, &models.OpenSessionInput{
		Denominations: models.Denominations{"bills": {"50": 2}},
		CountNotes:    "till checked by shift lead",
	})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if !created {
		t.Fatal("expected a new session on first open")
	}
	if session.OpeningBalance.StringFixed(2) != "100.00" {
		t.Fatalf("expected opening balance 100.00 from count; got %s", session.OpeningBalance.StringFixed(2))
	}
	if !strings.HasPrefix(session.SessionNumber, "CS-AC-") {
		t.Fatalf("unexpected session number %q", session.SessionNumber)
	}

	// Opening count row was stored with the derived total.
	var count models.CashCount
	if err := db.WithContext(ctx).
		Where("business_id = ? AND session_id = ? AND count_type = ?", businessID, session.ID, models.CountTypeOpening).
		First(&count).Error; err != nil {
		t.Fatalf("expected opening cash count: %v", err)
	}
	if count.TotalCounted.StringFixed(2) != "100.00" {
		t.Fatalf("expected counted total 100.00; got %s", count.TotalCounted.StringFixed(2))
	}
	if count.Notes != "till checked by shift lead" {
		t.Fatalf("expected count notes to persist; got %q", count.Notes)
	}

	// 2) Opening again returns the same session untouched.
	again, created, err := workflow.OpenSession(ctx, logger, businessID, cashier, &models.OpenSessionInput{})
	if err != nil {
		t.Fatalf("OpenSession(second): %v", err)
	}
	if created || again.ID != session.ID {
		t.Fatalf("expected idempotent open; created=%v id=%d want id=%d", created, again.ID, session.ID)
	}

	// 3) Movements: +50 sale, -20 cash out. Balance 100 + 50 - 20 = 130.
	if _, err := workflow.AddMovement(ctx, logger, businessID, cashier.ID, &models.NewCashMovement{
		MovementType: "sale",
		Amount:       decimal.NewFromInt(50),
		ReferenceId:  "POS-1001",
	}); err != nil {
		t.Fatalf("AddMovement(sale): %v", err)
	}
	out, err := workflow.AddMovement(ctx, logger, businessID, cashier.ID, &models.NewCashMovement{
		MovementType: "out",
		Amount:       decimal.NewFromInt(20),
		EmployeeId:   &manager.ID,
		Description:  "bank drop",
	})
	if err != nil {
		t.Fatalf("AddMovement(out): %v", err)
	}
	if out.Amount.StringFixed(2) != "-20.00" {
		t.Fatalf("cash out must be stored negative; got %s", out.Amount.StringFixed(2))
	}
	// The acting employee may differ from the session owner.
	if out.EmployeeId == nil || *out.EmployeeId != manager.ID {
		t.Fatalf("expected movement attributed to employee %d; got %v", manager.ID, out.EmployeeId)
	}

	totals, err := models.GetSessionTotals(ctx, session)
	if err != nil {
		t.Fatalf("GetSessionTotals: %v", err)
	}
	if totals.Sales.StringFixed(2) != "50.00" || totals.CashOut.StringFixed(2) != "20.00" {
		t.Fatalf("unexpected totals: %+v", totals)
	}
	if totals.CurrentBalance.StringFixed(2) != "130.00" {
		t.Fatalf("expected current balance 130.00; got %s", totals.CurrentBalance.StringFixed(2))
	}

	// Keep a stale copy to verify the close CAS below.
	stale := *session

	// 4) Close with an exact count.
	closing := decimal.NewFromInt(130)
	closed, err := workflow.CloseSession(ctx, logger, businessID, cashier, &models.CloseSessionInput{
		ClosingBalance: &closing,
	})
	if err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if closed.Status != models.SessionStatusClosed {
		t.Fatalf("expected closed status; got %s", closed.Status)
	}
	if closed.ExpectedBalance.StringFixed(2) != "130.00" || !closed.Difference.IsZero() {
		t.Fatalf("expected exact close; expected=%s difference=%s",
			closed.ExpectedBalance.StringFixed(2), closed.Difference.StringFixed(2))
	}
	if models.ClassifyDifference(*closed.Difference) != models.DifferenceExact {
		t.Fatal("expected exact classification")
	}

	// 5) A second close loses the CAS.
	if err := stale.Close(ctx, db, closing, ""); err != utils.ErrorSessionNotOpen {
		t.Fatalf("expected ErrorSessionNotOpen on double close; got %v", err)
	}

	// 6) Movements against a closed session are rejected.
	if _, err := workflow.AddMovement(ctx, logger, businessID, cashier.ID, &models.NewCashMovement{
		MovementType: "sale",
		Amount:       decimal.NewFromInt(10),
	}); err != utils.ErrorNoOpenSession {
		t.Fatalf("expected ErrorNoOpenSession after close; got %v", err)
	}

	// 7) Reopen carries the last closing balance forward.
	second, created, err := workflow.OpenSession(ctx, logger, businessID, cashier, &models.OpenSessionInput{})
	if err != nil {
		t.Fatalf("OpenSession(reopen): %v", err)
	}
	if !created {
		t.Fatal("expected a new session on reopen")
	}
	if second.OpeningBalance.StringFixed(2) != "130.00" {
		t.Fatalf("expected carry-forward opening 130.00; got %s", second.OpeningBalance.StringFixed(2))
	}

	// 8) Refund 5, count 120 against expected 125: shortage of 5.00.
	if _, err := workflow.AddMovement(ctx, logger, businessID, cashier.ID, &models.NewCashMovement{
		MovementType: "refund",
		Amount:       decimal.NewFromInt(5),
		ReferenceId:  "POS-1001",
	}); err != nil {
		t.Fatalf("AddMovement(refund): %v", err)
	}
	counted := decimal.NewFromInt(120)
	short, err := workflow.CloseSession(ctx, logger, businessID, cashier, &models.CloseSessionInput{
		ClosingBalance: &counted,
	})
	if err != nil {
		t.Fatalf("CloseSession(short): %v", err)
	}
	if short.ExpectedBalance.StringFixed(2) != "125.00" || short.Difference.StringFixed(2) != "-5.00" {
		t.Fatalf("expected shortage -5.00 against 125.00; got expected=%s difference=%s",
			short.ExpectedBalance.StringFixed(2), short.Difference.StringFixed(2))
	}
	if models.ClassifyDifference(*short.Difference) != models.DifferenceShortage {
		t.Fatal("expected shortage classification")
	}

	// 9) Outbox rows were queued for session events.
	var openedEvents int64
	if err := db.WithContext(ctx).Model(&models.CashEventRecord{}).
		Where("business_id = ? AND reference_type = ? AND action = ?",
			businessID, models.CashReferenceTypeSession, models.CashEventActionOpened).
		Count(&openedEvents).Error; err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if openedEvents != 2 {
		t.Fatalf("expected 2 session-opened outbox rows; got %d", openedEvents)
	}
}

func TestSaleCompletedWithoutOpenSessionIsNotRecorded(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()
	logger := logrus.New()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "cashregister_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetUsernameInContext(ctx, "test@local")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{Name: "Event Store"})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	businessID := biz.ID.String()
	ctx = utils.SetBusinessIdInContext(ctx, businessID)

	seller, err := models.CreateUser(ctx, &models.NewUser{
		BusinessId: businessID,
		Username:   "ko.min",
		Name:       "Ko Min",
		Password:   "secret123",
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	// No open session: the sale is dropped, not an error.
	movement, err := workflow.ProcessSaleCompleted(ctx, logger, &models.SaleCompleted{
		BusinessId:    businessID,
		Username:      seller.Username,
		SaleNumber:    "SALE-0001",
		Amount:        decimal.NewFromInt(75),
		PaymentMethod: "cash",
	})
	if err != nil {
		t.Fatalf("ProcessSaleCompleted: %v", err)
	}
	if movement != nil {
		t.Fatalf("expected no movement without an open session; got %+v", movement)
	}

	// With an open session the same event lands as a sale movement.
	if _, _, err := workflow.OpenSession(ctx, logger, businessID, seller, &models.OpenSessionInput{}); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	movement, err = workflow.ProcessSaleCompleted(ctx, logger, &models.SaleCompleted{
		BusinessId:    businessID,
		Username:      seller.Username,
		SaleNumber:    "SALE-0002",
		Amount:        decimal.NewFromInt(75),
		PaymentMethod: "cash",
	})
	if err != nil {
		t.Fatalf("ProcessSaleCompleted(open): %v", err)
	}
	if movement == nil || movement.MovementType != models.MovementTypeSale ||
		movement.Amount.StringFixed(2) != "75.00" || movement.ReferenceId != "SALE-0002" {
		t.Fatalf("unexpected movement: %+v", movement)
	}
	if movement.EmployeeId == nil || *movement.EmployeeId != seller.ID {
		t.Fatalf("expected sale attributed to seller %d; got %v", seller.ID, movement.EmployeeId)
	}

	// Redelivery of the same event must not record a second movement.
	redelivered, err := workflow.ProcessSaleCompleted(ctx, logger, &models.SaleCompleted{
		BusinessId:    businessID,
		Username:      seller.Username,
		SaleNumber:    "SALE-0002",
		Amount:        decimal.NewFromInt(75),
		PaymentMethod: "cash",
	})
	if err != nil {
		t.Fatalf("ProcessSaleCompleted(redelivery): %v", err)
	}
	if redelivered != nil {
		t.Fatalf("expected redelivered event to be skipped; got %+v", redelivered)
	}
	db := config.GetDB()
	var saleRows int64
	if err := db.WithContext(ctx).Model(&models.CashMovement{}).
		Where("business_id = ? AND reference_id = ? AND movement_type = ?",
			businessID, "SALE-0002", models.MovementTypeSale).
		Count(&saleRows).Error; err != nil {
		t.Fatalf("count sale movements: %v", err)
	}
	if saleRows != 1 {
		t.Fatalf("expected exactly one recorded sale movement; got %d", saleRows)
	}

	// Refund events land negative.
	movement, err = workflow.ProcessSaleCompleted(ctx, logger, &models.SaleCompleted{
		BusinessId:    businessID,
		Username:      seller.Username,
		SaleNumber:    "SALE-0002",
		Amount:        decimal.NewFromInt(25),
		PaymentMethod: "cash",
		IsRefund:      true,
	})
	if err != nil {
		t.Fatalf("ProcessSaleCompleted(refund): %v", err)
	}
	if movement == nil || movement.MovementType != models.MovementTypeRefund ||
		movement.Amount.StringFixed(2) != "-25.00" {
		t.Fatalf("unexpected refund movement: %+v", movement)
	}
}

func TestConcurrentOpenResolvesToOneSession(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()
	logger := logrus.New()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "cashregister_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetUsernameInContext(ctx, "test@local")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{Name: "Race Store"})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	businessID := biz.ID.String()
	ctx = utils.SetBusinessIdInContext(ctx, businessID)

	cashier, err := models.CreateUser(ctx, &models.NewUser{
		BusinessId: businessID,
		Username:   "nilar.win",
		Name:       "Nilar Win",
		Password:   "secret123",
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	// Two simultaneous opens for the same user must collapse to one session:
	// exactly one call creates, the other returns the same row.
	type openResult struct {
		session *models.CashSession
		created bool
		err     error
	}
	results := make(chan openResult, 2)
	opening := decimal.NewFromInt(100)
	for i := 0; i < 2; i++ {
		go func() {
			s, created, err := workflow.OpenSession(ctx, logger, businessID, cashier, &models.OpenSessionInput{
				OpeningBalance: &opening,
			})
			results <- openResult{session: s, created: created, err: err}
		}()
	}

	var sessions []*models.CashSession
	createdCount := 0
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("concurrent OpenSession: %v", r.err)
		}
		if r.created {
			createdCount++
		}
		sessions = append(sessions, r.session)
	}
	if createdCount != 1 {
		t.Fatalf("expected exactly one open to create; got %d", createdCount)
	}
	if sessions[0].ID != sessions[1].ID {
		t.Fatalf("expected both opens to resolve to one session; got %d and %d", sessions[0].ID, sessions[1].ID)
	}

	// The advisory lock must be free again: a close served by any pooled
	// connection succeeds without waiting out the lock timeout.
	closeStart := time.Now()
	closing := decimal.NewFromInt(100)
	closed, err := workflow.CloseSession(ctx, logger, businessID, cashier, &models.CloseSessionInput{
		ClosingBalance: &closing,
	})
	if err != nil {
		t.Fatalf("CloseSession after concurrent open: %v", err)
	}
	if closed.ID != sessions[0].ID {
		t.Fatalf("closed wrong session: %d want %d", closed.ID, sessions[0].ID)
	}
	if elapsed := time.Since(closeStart); elapsed > 10*time.Second {
		t.Fatalf("close stalled %s; session lock was not released", elapsed)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("cashreg-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("cashreg-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=cashregister_test",
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
