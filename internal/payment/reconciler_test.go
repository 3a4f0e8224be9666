package payment

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blockeeer/ai-hair-simulation/internal/models"
	"github.com/Blockeeer/ai-hair-simulation/internal/quota"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func setup(t *testing.T) (*Reconciler, *quota.MemoryStore) {
	t.Helper()
	wallet := quota.NewMemoryStore()
	wallet.Put(models.QuotaState{UserID: 1, FreeDailyLimit: 3, CreditBalance: 2})
	wallet.Put(models.QuotaState{UserID: 2, FreeDailyLimit: 3})

	r := NewReconciler(NewMemoryStore(wallet), discard)
	require.NoError(t, r.Open(context.Background(), &models.PaymentSession{
		SessionID:      "cs_1",
		UserID:         1,
		Provider:       "stripe",
		CreditsGranted: 10,
	}))
	return r, wallet
}

func TestReconcile_GrantsOnce(t *testing.T) {
	r, wallet := setup(t)
	ctx := context.Background()

	res, err := r.Reconcile(ctx, "cs_1", 1, 10)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, 12, res.CreditBalance)

	res, err = r.Reconcile(ctx, "cs_1", 1, 10)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.True(t, res.AlreadyProcessed())
	assert.Equal(t, 12, res.CreditBalance)

	st, _ := wallet.Get(ctx, 1)
	assert.Equal(t, 12, st.CreditBalance)
}

func TestReconcile_ConcurrentCallersGrantExactlyOnce(t *testing.T) {
	r, wallet := setup(t)
	ctx := context.Background()
	const n = 25

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		noops   int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Reconcile(ctx, "cs_1", 1, 10)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Granted {
				granted++
			} else {
				noops++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Equal(t, n-1, noops)
	st, _ := wallet.Get(ctx, 1)
	assert.Equal(t, 12, st.CreditBalance)
}

func TestReconcile_ForbiddenDoesNotMutate(t *testing.T) {
	r, wallet := setup(t)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, "cs_1", 2, 10)
	require.ErrorIs(t, err, ErrForbidden)

	st, _ := wallet.Get(ctx, 2)
	assert.Equal(t, 0, st.CreditBalance)
	st, _ = wallet.Get(ctx, 1)
	assert.Equal(t, 2, st.CreditBalance)

	// The owner can still redeem it afterwards.
	res, err := r.Reconcile(ctx, "cs_1", 1, 10)
	require.NoError(t, err)
	assert.True(t, res.Granted)
}

func TestReconcile_ForbiddenEvenAfterProcessed(t *testing.T) {
	r, _ := setup(t)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, "cs_1", 1, 10)
	require.NoError(t, err)

	_, err = r.Reconcile(ctx, "cs_1", 2, 10)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestReconcile_UnknownSession(t *testing.T) {
	r, _ := setup(t)

	_, err := r.Reconcile(context.Background(), "cs_missing", 1, 10)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReconcile_InvalidCredits(t *testing.T) {
	r, _ := setup(t)

	_, err := r.Reconcile(context.Background(), "cs_1", 1, 0)
	assert.ErrorIs(t, err, ErrInvalidCredits)
}

func TestOpen_Validation(t *testing.T) {
	r, _ := setup(t)
	ctx := context.Background()

	assert.Error(t, r.Open(ctx, &models.PaymentSession{SessionID: " ", UserID: 1, CreditsGranted: 1}))
	assert.Error(t, r.Open(ctx, &models.PaymentSession{SessionID: "cs_2", CreditsGranted: 1}))
	assert.ErrorIs(t, r.Open(ctx, &models.PaymentSession{SessionID: "cs_2", UserID: 1}), ErrInvalidCredits)
	assert.ErrorIs(t, r.Open(ctx, &models.PaymentSession{SessionID: "cs_1", UserID: 1, CreditsGranted: 1}), ErrDuplicate)
}
