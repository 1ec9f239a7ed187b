package api

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"github.com/justicevae/votewatch/config"
	"github.com/justicevae/votewatch/db"
	"github.com/justicevae/votewatch/lock"
	"github.com/justicevae/votewatch/processor"
	"github.com/justicevae/votewatch/retry"
	"github.com/justicevae/votewatch/service"
	"github.com/justicevae/votewatch/tally"
	"github.com/justicevae/votewatch/updater"
)

const (
	alice = "0x00000000000000000000000000000000000a11ce"
	bob   = "0x0000000000000000000000000000000000000b0b"
)

// 固定票数，单位为整币
type staticVotes map[common.Address]int64

func (v staticVotes) GetVotes(_ *bind.CallOpts, account common.Address) (*big.Int, error) {
	whole := big.NewInt(v[account])
	return whole.Mul(whole, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)), nil
}

type staticRegistry []tally.Delegate

func (r staticRegistry) FetchDelegates(context.Context) ([]tally.Delegate, error) {
	return r, nil
}

type noopSyncer struct{}

func (noopSyncer) Sync(context.Context) (processor.SyncResult, error) {
	return processor.SyncResult{}, nil
}

type testEnv struct {
	app       *App
	router    *mux.Router
	redis     *miniredis.Miniredis
	client    *redis.Client
	events    *db.EventStore
	weights   *db.WeightStore
	delegates *db.DelegateStore
}

// setupTestController sqlite + miniredis 组装完整依赖
func setupTestController(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	database, err := db.InitDB(config.DatabaseConfig{
		Driver:  "sqlite",
		DSN:     fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")),
		MaxOpen: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseDB(database) })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	events := db.NewEventStore(database)
	weights := db.NewWeightStore(database)
	delegates := db.NewDelegateStore(database)
	metrics := db.NewMetricsStore(database)

	votes := staticVotes{common.HexToAddress(alice): 100, common.HexToAddress(bob): 5}
	retryCfg := retry.Config{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	reader := service.NewChainReader(votes, 18, 3, 0, retryCfg, logger)

	registry := staticRegistry{{Address: alice, Name: "alice", IsSeekingDelegation: true}}
	delegateSvc := service.NewDelegateService(delegates, events, registry, time.Minute, logger)
	weightSvc := service.NewWeightService(events, weights, delegates, reader, 18, 0.01, logger)
	metricsSvc := service.NewMetricsService(metrics, weights, delegates, events, time.Hour, logger)

	locker := lock.NewLocker(client, 10*time.Minute, "test-instance", logger)
	upd := updater.New(config.UpdateConfig{Cooldown: time.Minute}, noopSyncer{}, delegateSvc, weightSvc, metricsSvc, locker, logger)
	t.Cleanup(upd.Stop)

	app := &App{
		DB: database,
		Stores: Stores{
			Events:    events,
			Weights:   weights,
			Delegates: delegates,
			Metrics:   metrics,
		},
		Delegates: delegateSvc,
		Weights:   weightSvc,
		Metrics:   metricsSvc,
		Query:     service.NewQueryService(delegateSvc, weights, events, 18),
		Updater:   upd,
		Lock:      locker,
		Logger:    logger,
	}
	router, err := NewController(app).NewRouter()
	require.NoError(t, err)

	return &testEnv{
		app:       app,
		router:    router,
		redis:     mr,
		client:    client,
		events:    events,
		weights:   weights,
		delegates: delegates,
	}
}

func (e *testEnv) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, sonnet.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleHealth(t *testing.T) {
	env := setupTestController(t)

	rec := env.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

// TestHandleMetrics tests the 404 before the first snapshot and the age fields after it.
func TestHandleMetrics(t *testing.T) {
	env := setupTestController(t)

	rec := env.do(t, http.MethodGet, "/api/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := env.app.Metrics.Build(context.Background())
	require.NoError(t, err)

	rec = env.do(t, http.MethodGet, "/api/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, false, body["stale"])
	assert.Contains(t, body, "ageSeconds")
	assert.Contains(t, body, "totalVotingPower")
}

// TestHandleDelegates tests that the leaderboard is ordered by weight.
func TestHandleDelegates(t *testing.T) {
	env := setupTestController(t)
	ctx := context.Background()

	_, err := env.delegates.Insert(ctx, []db.Delegate{{Address: alice}, {Address: bob}})
	require.NoError(t, err)
	require.NoError(t, env.weights.ReplaceAll(ctx, []db.VoteWeight{
		{Address: alice, Weight: "9.00"},
		{Address: bob, Weight: "100.00"},
	}))

	rec := env.do(t, http.MethodGet, "/api/delegates")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]map[string]interface{}](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, bob, entries[0]["address"])
	assert.Equal(t, "100.00", entries[0]["weight"])
}

func TestHandleDelegate(t *testing.T) {
	env := setupTestController(t)

	rec := env.do(t, http.MethodGet, "/api/delegates/not-an-address")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/delegates/"+strings.ToUpper(alice[2:]))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, alice, body["address"])
	assert.Equal(t, "0.00", body["eventReplayWeight"])
}

// TestHandleRefreshWeights tests the chain read pass followed by the mismatch summary.
func TestHandleRefreshWeights(t *testing.T) {
	env := setupTestController(t)
	_, err := env.delegates.Insert(context.Background(), []db.Delegate{{Address: alice}, {Address: bob}})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/weights/refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[map[string]int](t, rec)["updated"])

	w, err := env.weights.Get(context.Background(), alice)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "100.00", w.Weight)

	rec = env.do(t, http.MethodGet, "/api/weights/mismatches")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[service.WeightInspection](t, rec)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.MissingEventCalc)
}

// TestHandleTriggerUpdate tests 202 on start, 200 inside the cooldown and 409 while locked.
func TestHandleTriggerUpdate(t *testing.T) {
	env := setupTestController(t)

	rec := env.do(t, http.MethodPost, "/api/update")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "started", decode[map[string]interface{}](t, rec)["outcome"])

	assert.Eventually(t, func() bool {
		report, err := env.app.Updater.Status(context.Background())
		return err == nil && report.Last != nil && report.Last.Outcome == updater.OutcomeCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/api/update")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[map[string]interface{}](t, rec)
	assert.Contains(t, report, "lock")
	assert.Contains(t, report, "metrics")

	// 刚完成，快照是新鲜的
	rec = env.do(t, http.MethodPost, "/api/update")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fresh", decode[map[string]interface{}](t, rec)["outcome"])

	// 流水线结束后锁仍在，但允许单步执行
	rec = env.do(t, http.MethodPost, "/api/update/steps/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestAdminWrites_Locked tests that table writes are refused while another instance runs the pipeline.
func TestAdminWrites_Locked(t *testing.T) {
	env := setupTestController(t)
	ctx := context.Background()
	_, err := env.delegates.Insert(ctx, []db.Delegate{{Address: alice}})
	require.NoError(t, err)

	other := lock.NewLocker(env.client, 10*time.Minute, "other-instance", zap.NewNop())
	ok, _, err := other.TryAcquire(ctx, "tally")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, other.UpdateStep(ctx, "mismatches"))

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/update/steps/mismatches"},
		{http.MethodPost, "/api/weights/refresh"},
		{http.MethodDelete, "/api/events"},
		{http.MethodDelete, "/api/data"},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := env.do(t, tc.method, tc.path)
			assert.Equal(t, http.StatusConflict, rec.Code)
			body := decode[map[string]string](t, rec)
			assert.Equal(t, "mismatches", body["step"])
			assert.Equal(t, "other-instance", body["instance"])
		})
	}

	all, err := env.delegates.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// 读接口不受影响
	rec := env.do(t, http.MethodGet, "/api/weights/mismatches")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, other.UpdateStep(ctx, updater.StepDone))
	rec = env.do(t, http.MethodDelete, "/api/events")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleTriggerUpdate_Locked(t *testing.T) {
	env := setupTestController(t)

	other := lock.NewLocker(env.client, 10*time.Minute, "other-instance", zap.NewNop())
	ok, _, err := other.TryAcquire(context.Background(), "weights")
	require.NoError(t, err)
	require.True(t, ok)

	rec := env.do(t, http.MethodPost, "/api/update")
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "locked", body["outcome"])
	assert.Equal(t, "weights", body["step"])

	rec = env.do(t, http.MethodPost, "/api/update")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cooldown", decode[map[string]interface{}](t, rec)["outcome"])
}

func TestHandleRunStep(t *testing.T) {
	env := setupTestController(t)

	rec := env.do(t, http.MethodPost, "/api/update/steps/balances")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/update/steps/tally")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tally", decode[map[string]interface{}](t, rec)["step"])

	all, err := env.delegates.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].TallyProfile)

	// 步骤执行不占用锁
	assert.False(t, env.redis.Exists(lock.DefaultKey))
}

func TestHandleClearEvents(t *testing.T) {
	env := setupTestController(t)
	ctx := context.Background()

	delegator := bob
	amount := 1.5
	_, err := env.events.StoreEvents(ctx, []db.DelegationEvent{{
		BlockNumber:            10,
		TransactionHash:        "0x01",
		ToDelegate:             alice,
		Delegator:              &delegator,
		AmountDelegatedChanged: &amount,
	}}, nil)
	require.NoError(t, err)

	rec := env.do(t, http.MethodDelete, "/api/events")
	require.Equal(t, http.StatusOK, rec.Code)

	set, err := env.events.Events(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, set.All())

	rec = env.do(t, http.MethodGet, "/api/events")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// TestHandleReset tests that every table is emptied and the delegate cache is dropped.
func TestHandleReset(t *testing.T) {
	env := setupTestController(t)
	ctx := context.Background()

	_, err := env.delegates.Insert(ctx, []db.Delegate{{Address: alice}})
	require.NoError(t, err)
	require.NoError(t, env.weights.ReplaceAll(ctx, []db.VoteWeight{{Address: alice, Weight: "1.00"}}))
	_, err = env.app.Metrics.Build(ctx)
	require.NoError(t, err)

	// 预热缓存
	rec := env.do(t, http.MethodGet, "/api/delegates")
	require.Len(t, decode[[]map[string]interface{}](t, rec), 1)

	rec = env.do(t, http.MethodDelete, "/api/data")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/delegates")
	assert.Empty(t, decode[[]map[string]interface{}](t, rec))
	rec = env.do(t, http.MethodGet, "/api/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	all, err := env.weights.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestHandleReleaseLock(t *testing.T) {
	env := setupTestController(t)

	ok, _, err := env.app.Lock.TryAcquire(context.Background(), "events")
	require.NoError(t, err)
	require.True(t, ok)

	rec := env.do(t, http.MethodDelete, "/api/update/lock")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.redis.Exists(lock.DefaultKey))
}
