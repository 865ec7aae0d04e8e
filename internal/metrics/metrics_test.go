package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realmkin-staking/internal/model"
)

func TestCounters(t *testing.T) {
	m := New()

	m.ClaimAttempt(model.StreamNFT, "claimed")
	m.ClaimAttempt(model.StreamNFT, "claimed")
	m.Claimed(model.StreamStake, decimal.RequireFromString("1.5"))
	m.Accrued(model.StreamStake, decimal.RequireFromString("0.25"))
	m.Accrued(model.StreamStake, decimal.Zero)
	m.Settlement(model.StreamNFT, "settled")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.claims.WithLabelValues("nft", "claimed")))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.claimedAmount.WithLabelValues("stake")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.accruedAmount.WithLabelValues("stake")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlements.WithLabelValues("nft", "settled")))
}

func TestJobRun(t *testing.T) {
	m := New()

	m.JobRun("stake-accrual", time.Second, nil, 3, 1, 0)
	m.JobRun("stake-accrual", time.Second, errors.New("boom"), 0, 0, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("stake-accrual", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("stake-accrual", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.jobItems.WithLabelValues("stake-accrual", "updated")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobItems.WithLabelValues("stake-accrual", "failed")))
}

func TestSetGlobal(t *testing.T) {
	m := New()
	m.SetGlobal(&model.GlobalMetrics{
		TotalValueLocked: decimal.NewFromInt(600),
		ActiveStakes:     3,
		TotalStakers:     2,
	})

	assert.Equal(t, 600.0, testutil.ToFloat64(m.totalValueLocked))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeStakes))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.totalStakers))
}

func TestHandler(t *testing.T) {
	m := New()
	m.HTTPRequest(http.MethodPost, "/claim", http.StatusOK, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `realmkin_http_requests_total{method="POST",route="/claim",status="200"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestInstancesDoNotShareState(t *testing.T) {
	a, b := New(), New()
	a.Unstake("initiate", "ok")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.unstakes.WithLabelValues("initiate", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.unstakes.WithLabelValues("initiate", "ok")))
}
