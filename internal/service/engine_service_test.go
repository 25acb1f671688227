package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/internal/repo"
	"github.com/dushixiang/anchor/pkg/exchange"
	"github.com/dushixiang/anchor/pkg/p2p"
	"github.com/glebarez/sqlite"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type testEngine struct {
	engine   *EngineService
	ruleRepo *repo.PricingRuleRepo
	logRepo  *repo.PricingLogRepo
	db       *gorm.DB
}

func newTestEngine(t *testing.T, handler http.HandlerFunc) *testEngine {
	return newTestEngineConf(t, &config.Config{}, handler)
}

func newTestEngineConf(t *testing.T, conf *config.Config, handler http.HandlerFunc) *testEngine {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.PricingRule{}, models.PricingLog{}))

	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"code": "000000", "success": true}`))
		}
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p2pClient, err := p2p.NewClient(server.URL, "token", "csrf", "")
	require.NoError(t, err)

	logger := zap.NewNop()
	ruleRepo := repo.NewPricingRuleRepo(db)
	logRepo := repo.NewPricingLogRepo(db)
	marketService := NewMarketService(conf, p2pClient, exchange.NewBinanceClient(""), logger)
	notifyService := NewNotifyService(conf, nil, logger)
	engine := NewEngineService(conf, ruleRepo, logRepo, marketService,
		NewPricingService(logger), notifyService, p2pClient, logger)

	return &testEngine{
		engine:   engine,
		ruleRepo: ruleRepo,
		logRepo:  logRepo,
		db:       db,
	}
}

func seedRule(t *testing.T, te *testEngine, mutate func(*models.PricingRule)) *models.PricingRule {
	t.Helper()
	rule := &models.PricingRule{
		ID:                ulid.Make().String(),
		Name:              "测试规则",
		Side:              models.TradeSideSell,
		PriceMode:         models.PriceModeFixed,
		Fiat:              "USD",
		OffsetDirection:   models.OffsetDirectionUndercut,
		SelectedAssets:    []string{"USDT"},
		PriorityMerchants: []string{"alice"},
		AssetConfigs: datatypes.NewJSONType(map[string]models.AssetConfig{
			"USDT": {AdNumbers: []string{"1001"}, OffsetAmount: 0.05},
		}),
		CheckIntervalSeconds: 30,
		IsActive:             true,
	}
	if mutate != nil {
		mutate(rule)
	}
	require.NoError(t, te.db.Create(rule).Error)
	return rule
}

func TestApplyToAds_PartialFailure(t *testing.T) {
	var mu sync.Mutex
	updated := make(map[string]bool)

	te := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		advNo, _ := payload["advNo"].(string)

		mu.Lock()
		defer mu.Unlock()
		if advNo == "1002" {
			_, _ = w.Write([]byte(`{"code": "100500", "success": false, "message": "adv offline"}`))
			return
		}
		updated[advNo] = true
		_, _ = w.Write([]byte(`{"code": "000000", "success": true}`))
	})

	rule := seedRule(t, te, nil)
	log := &models.PricingLog{RuleID: rule.ID, Asset: "USDT"}
	te.engine.applyToAds(context.Background(), rule, []string{"1001", "1002"}, 90.95, log)

	// 一条失败则整体为error，但成功的广告不回滚
	assert.Equal(t, models.LogStatusError, log.Status)
	assert.Contains(t, log.ErrorDetail, "1002")
	assert.Contains(t, log.ErrorDetail, "adv offline")
	assert.Nil(t, log.AppliedPrice)
	assert.True(t, updated["1001"])
}

func TestApplyToAds_AllSucceed(t *testing.T) {
	te := newTestEngine(t, nil)

	rule := seedRule(t, te, nil)
	log := &models.PricingLog{RuleID: rule.ID, Asset: "USDT"}
	te.engine.applyToAds(context.Background(), rule, []string{"1001", "1002"}, 90.95, log)

	assert.Equal(t, models.LogStatusSuccess, log.Status)
	require.NotNil(t, log.AppliedPrice)
	assert.Equal(t, 90.95, *log.AppliedPrice)
}

func TestApplyResults_DeviationAutoPause(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	rule := seedRule(t, te, func(r *models.PricingRule) {
		r.AutoPauseAfterDeviations = 3
	})

	for i := 0; i < 3; i++ {
		loaded, err := te.ruleRepo.FindById(ctx, rule.ID)
		require.NoError(t, err)
		results := []*assetResult{{log: &models.PricingLog{
			RuleID:     rule.ID,
			Asset:      "USDT",
			Status:     models.LogStatusSkipped,
			SkipReason: models.SkipReasonDeviationExceeded,
		}}}
		te.engine.applyResults(ctx, &loaded, results, time.Now())
	}

	final, err := te.ruleRepo.FindById(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, final.ConsecutiveDeviations)
	assert.False(t, final.IsActive)

	logs, err := te.logRepo.FindByFilter(ctx, repo.LogFilter{RuleID: rule.ID})
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}

func TestApplyResults_SuccessResetsCounters(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	rule := seedRule(t, te, func(r *models.PricingRule) {
		r.ConsecutiveErrors = 2
		r.ConsecutiveDeviations = 2
		r.LastError = "fetch snapshot: timeout"
	})

	loaded, err := te.ruleRepo.FindById(ctx, rule.ID)
	require.NoError(t, err)
	applied := 90.95
	results := []*assetResult{{log: &models.PricingLog{
		RuleID:       rule.ID,
		Asset:        "USDT",
		Status:       models.LogStatusSuccess,
		AppliedPrice: &applied,
	}}}
	te.engine.applyResults(ctx, &loaded, results, time.Now())

	final, err := te.ruleRepo.FindById(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, final.ConsecutiveErrors)
	assert.Equal(t, 0, final.ConsecutiveDeviations)
	assert.Empty(t, final.LastError)
	assert.True(t, final.IsActive)
	require.NotNil(t, final.LastAppliedPrice)
	assert.Equal(t, 90.95, *final.LastAppliedPrice)
}

func TestApplyResults_PauseIfNoMerchantFound(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	rule := seedRule(t, te, func(r *models.PricingRule) {
		r.PauseIfNoMerchantFound = true
	})

	loaded, err := te.ruleRepo.FindById(ctx, rule.ID)
	require.NoError(t, err)
	results := []*assetResult{{log: &models.PricingLog{
		RuleID:     rule.ID,
		Asset:      "USDT",
		Status:     models.LogStatusSkipped,
		SkipReason: models.SkipReasonNoMerchant,
	}}}
	te.engine.applyResults(ctx, &loaded, results, time.Now())

	final, err := te.ruleRepo.FindById(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, final.IsActive)
}

func TestApplyResults_ErrorCounterAndStreakPause(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	rule := seedRule(t, te, func(r *models.PricingRule) {
		r.AutoPauseAfterErrors = 2
	})

	for i := 0; i < 2; i++ {
		loaded, err := te.ruleRepo.FindById(ctx, rule.ID)
		require.NoError(t, err)
		results := []*assetResult{{log: &models.PricingLog{
			RuleID:      rule.ID,
			Asset:       "USDT",
			Status:      models.LogStatusError,
			ErrorDetail: "fetch snapshot: timeout",
		}}}
		te.engine.applyResults(ctx, &loaded, results, time.Now())
	}

	final, err := te.ruleRepo.FindById(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, final.ConsecutiveErrors)
	assert.False(t, final.IsActive)
	assert.Equal(t, "fetch snapshot: timeout", final.LastError)
}

func TestShouldNotifyErrorStreak(t *testing.T) {
	tests := []struct {
		name                 string
		autoPauseAfterErrors int
		before, after        int
		want                 bool
	}{
		{"crosses threshold", 0, 2, 3, true},
		{"jumps over threshold in one cycle", 0, 2, 4, true},
		{"already past threshold", 0, 3, 4, false},
		{"below threshold", 0, 1, 2, false},
		{"reset cycle", 0, 3, 0, false},
		{"auto pause enabled handles it instead", 2, 2, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shouldNotifyErrorStreak(tt.autoPauseAfterErrors, tt.before, tt.after)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateRule_NoAdsProducesLog(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	rule := seedRule(t, te, func(r *models.PricingRule) {
		// 选中了一个没有任何配置的币种
		r.SelectedAssets = []string{"BTC"}
	})

	require.NoError(t, te.engine.EvaluateRule(ctx, rule.ID))

	logs, err := te.logRepo.FindByFilter(ctx, repo.LogFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogStatusSkipped, logs[0].Status)
	assert.Equal(t, models.SkipReasonNoAds, logs[0].SkipReason)
}

func TestEvaluateRule_InactiveRuleDoesNothing(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	rule := seedRule(t, te, func(r *models.PricingRule) {
		r.IsActive = false
	})

	require.NoError(t, te.engine.EvaluateRule(ctx, rule.ID))

	logs, err := te.logRepo.FindByFilter(ctx, repo.LogFilter{RuleID: rule.ID})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestEvaluateRule_DeletedRuleIsNoop(t *testing.T) {
	te := newTestEngine(t, nil)
	require.NoError(t, te.engine.EvaluateRule(context.Background(), "missing"))
}

func TestEvaluateRule_ManualOverrideCooldownSkips(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	rule := seedRule(t, te, func(r *models.PricingRule) {
		r.ManualOverrideCooldownMinutes = 30
		r.ManualOverrides = datatypes.NewJSONType(map[string]time.Time{
			"USDT": time.Now().Add(-5 * time.Minute),
		})
	})

	require.NoError(t, te.engine.EvaluateRule(ctx, rule.ID))

	logs, err := te.logRepo.FindByFilter(ctx, repo.LogFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogStatusSkipped, logs[0].Status)
	assert.Equal(t, models.SkipReasonManualOverride, logs[0].SkipReason)
}

func TestEvaluateRule_OutsideActiveHoursSkips(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	now := time.Now()
	// 构造一个当前时间必然在外的时段
	start := now.Add(2 * time.Hour).Format("15:04")
	end := now.Add(3 * time.Hour).Format("15:04")

	rule := seedRule(t, te, func(r *models.PricingRule) {
		r.ActiveHoursStart = start
		r.ActiveHoursEnd = end
	})

	require.NoError(t, te.engine.EvaluateRule(ctx, rule.ID))

	logs, err := te.logRepo.FindByFilter(ctx, repo.LogFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogStatusSkipped, logs[0].Status)
	assert.Equal(t, models.SkipReasonOutsideActiveHours, logs[0].SkipReason)
}

func TestEvaluateRule_FloatingModeUsesRatio(t *testing.T) {
	var mu sync.Mutex
	var updates []map[string]any

	te := newTestEngineConf(t, &config.Config{
		Engine: config.EngineConf{Fiat: "USD", FiatRate: 91.00},
	}, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "adv/search"):
			_, _ = w.Write([]byte(`{"code": "000000", "success": true, "data": [
				{"adv": {"advNo": "2001", "price": "91.00"},
				 "advertiser": {"nickName": "alice", "onlineStatus": "online"}}
			]}`))
		case strings.Contains(r.URL.Path, "get-detail"):
			_, _ = w.Write([]byte(`{"code": "000000", "success": true, "data": {"advNo": "1001", "priceFloatingRatio": "100", "priceType": 2, "advStatus": 1}}`))
		default:
			var payload map[string]any
			_ = json.NewDecoder(r.Body).Decode(&payload)
			mu.Lock()
			updates = append(updates, payload)
			mu.Unlock()
			_, _ = w.Write([]byte(`{"code": "000000", "success": true}`))
		}
	})
	ctx := context.Background()

	// 参考价=法币汇率91.00，竞争对手91.00即比例100%，undercut 0.2 -> 99.8
	rule := seedRule(t, te, func(r *models.PricingRule) {
		r.PriceMode = models.PriceModeFloating
		r.AssetConfigs = datatypes.NewJSONType(map[string]models.AssetConfig{
			"USDT": {AdNumbers: []string{"1001"}, OffsetPercent: 0.2},
		})
	})

	require.NoError(t, te.engine.EvaluateRule(ctx, rule.ID))

	logs, err := te.logRepo.FindByFilter(ctx, repo.LogFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogStatusSuccess, logs[0].Status)
	assert.Nil(t, logs[0].AppliedPrice)
	require.NotNil(t, logs[0].AppliedRatio)
	assert.InDelta(t, 99.8, *logs[0].AppliedRatio, 1e-9)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 1)
	assert.Equal(t, "99.8", updates[0]["priceFloatingRatio"])
	assert.Equal(t, float64(2), updates[0]["priceType"])
}

func TestEvaluateRule_RestingPrice(t *testing.T) {
	var mu sync.Mutex
	livePrice := "91.20"
	var updates []string

	te := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if strings.Contains(r.URL.Path, "get-detail") {
			_, _ = w.Write([]byte(`{"code": "000000", "success": true, "data": {"advNo": "1001", "price": "` + livePrice + `", "priceType": 1, "advStatus": 1}}`))
			return
		}
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		livePrice = payload["price"].(string)
		updates = append(updates, livePrice)
		_, _ = w.Write([]byte(`{"code": "000000", "success": true}`))
	})
	ctx := context.Background()

	now := time.Now()
	resting := 89.00
	rule := seedRule(t, te, func(r *models.PricingRule) {
		r.ActiveHoursStart = now.Add(2 * time.Hour).Format("15:04")
		r.ActiveHoursEnd = now.Add(3 * time.Hour).Format("15:04")
		r.RestingPrice = &resting
	})

	require.NoError(t, te.engine.EvaluateRule(ctx, rule.ID))

	logs, err := te.logRepo.FindByFilter(ctx, repo.LogFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogStatusSuccess, logs[0].Status)
	require.NotNil(t, logs[0].AppliedPrice)
	assert.Equal(t, 89.00, *logs[0].AppliedPrice)

	// 广告已处于保底价，再次评估不重复推送
	require.NoError(t, te.engine.EvaluateRule(ctx, rule.ID))

	logs, err = te.logRepo.FindByFilter(ctx, repo.LogFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.LogStatusNoChange, logs[0].Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 1)
	assert.Equal(t, "89", updates[0])
}
