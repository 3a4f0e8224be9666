//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blockeeer/ai-hair-simulation/internal/database"
	"github.com/Blockeeer/ai-hair-simulation/internal/models"
	"github.com/Blockeeer/ai-hair-simulation/internal/payment"
	"github.com/Blockeeer/ai-hair-simulation/internal/quota"
	"github.com/Blockeeer/ai-hair-simulation/internal/repository"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		t.Fatal("MYSQL_DSN is required for integration tests")
	}
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, database.Migrate(ctx, db))
	return db
}

func newUser(t *testing.T, users *repository.UserRepository, st models.QuotaState) int64 {
	t.Helper()
	u, err := users.Create(context.Background(), &models.User{
		Username: "it-" + uuid.NewString()[:8],
		Quota:    st,
	})
	require.NoError(t, err)
	return u.ID
}

func TestUserRepository_LedgerRoundTrip(t *testing.T) {
	db := openDB(t)
	users := repository.NewUserRepository(db)
	id := newUser(t, users, models.QuotaState{FreeDailyLimit: 1, CreditBalance: 1})
	ctx := context.Background()

	ledger := quota.NewLedger(users)

	adm, err := ledger.Admit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.FundingFree, adm.Source)
	require.NoError(t, ledger.Commit(ctx, adm))

	adm, err = ledger.Admit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.FundingCredit, adm.Source)
	require.NoError(t, ledger.Commit(ctx, adm))

	_, err = ledger.Admit(ctx, id)
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)

	r, err := ledger.Report(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, r.TotalAvailable)
}

func TestUserRepository_ConsumeCreditNeverNegative(t *testing.T) {
	db := openDB(t)
	users := repository.NewUserRepository(db)
	id := newUser(t, users, models.QuotaState{CreditBalance: 3})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	consumed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := users.ConsumeCredit(ctx, id)
			if assert.NoError(t, err) && ok {
				mu.Lock()
				consumed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	st, err := users.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, consumed)
	assert.Equal(t, 0, st.CreditBalance)
}

func TestPaymentRepository_ConcurrentReconcileGrantsOnce(t *testing.T) {
	db := openDB(t)
	users := repository.NewUserRepository(db)
	id := newUser(t, users, models.QuotaState{FreeDailyLimit: 3})
	ctx := context.Background()

	rec := payment.NewReconciler(repository.NewPaymentRepository(db), slog.New(slog.NewTextHandler(io.Discard, nil)))
	sessionID := "cs_it_" + uuid.NewString()
	require.NoError(t, rec.Open(ctx, &models.PaymentSession{
		SessionID:      sessionID,
		UserID:         id,
		PackageID:      1,
		Provider:       "stripe",
		CreditsGranted: 20,
		Currency:       "usd",
		Amount:         499,
	}))

	const n = 8
	results := make(chan payment.Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := rec.Reconcile(ctx, sessionID, id, 20)
			if assert.NoError(t, err) {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	granted := 0
	for res := range results {
		if res.Granted {
			granted++
		}
		assert.Equal(t, 20, res.CreditBalance)
	}
	assert.Equal(t, 1, granted)

	_, err := rec.Reconcile(ctx, sessionID, id+1, 20)
	assert.ErrorIs(t, err, payment.ErrForbidden)
}

func TestPromoRepository_RedeemOncePerUser(t *testing.T) {
	db := openDB(t)
	users := repository.NewUserRepository(db)
	promos := repository.NewPromoRepository(db)
	id := newUser(t, users, models.QuotaState{})
	ctx := context.Background()

	code := fmt.Sprintf("IT%d", time.Now().UnixNano())
	_, err := promos.Create(ctx, &models.PromoCode{Code: code, Credits: 5, MaxUses: 10})
	require.NoError(t, err)

	credits, balance, err := promos.Redeem(ctx, id, code)
	require.NoError(t, err)
	assert.Equal(t, 5, credits)
	assert.Equal(t, 5, balance)

	_, _, err = promos.Redeem(ctx, id, code)
	assert.ErrorIs(t, err, repository.ErrPromoAlreadyRedeemed)

	_, _, err = promos.Redeem(ctx, id, "NOPE-"+code)
	assert.ErrorIs(t, err, repository.ErrPromoNotFound)
}

func TestPlanRepository_DeleteDeactivates(t *testing.T) {
	db := openDB(t)
	plans := repository.NewPlanRepository(db)
	ctx := context.Background()

	plan, err := plans.Create(ctx, &models.Plan{
		Title:           "it-" + uuid.NewString()[:8],
		Currency:        "usd",
		PriceMinorUnits: 1,
		Credits:         3,
		IsActive:        true,
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Description)

	active, err := plans.ListActive(ctx)
	require.NoError(t, err)
	assert.Contains(t, planIDs(active), plan.ID)

	require.NoError(t, plans.Delete(ctx, plan.ID))

	got, err := plans.GetByID(ctx, plan.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsActive)

	active, err = plans.ListActive(ctx)
	require.NoError(t, err)
	assert.NotContains(t, planIDs(active), plan.ID)
}

func planIDs(plans []models.Plan) []int64 {
	ids := make([]int64, 0, len(plans))
	for _, p := range plans {
		ids = append(ids, p.ID)
	}
	return ids
}
