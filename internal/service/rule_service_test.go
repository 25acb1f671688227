package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/internal/xe"
	"github.com/dushixiang/anchor/pkg/exchange"
	"github.com/dushixiang/anchor/pkg/p2p"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

func TestAlertLevelForLog(t *testing.T) {
	tests := []struct {
		name  string
		log   models.PricingLog
		level string
	}{
		{
			name:  "success",
			log:   models.PricingLog{Asset: "USDT", Status: models.LogStatusSuccess},
			level: AlertLevelNone,
		},
		{
			name:  "no_change",
			log:   models.PricingLog{Asset: "USDT", Status: models.LogStatusNoChange},
			level: AlertLevelNone,
		},
		{
			name:  "error",
			log:   models.PricingLog{Asset: "USDT", Status: models.LogStatusError, ErrorDetail: "timeout"},
			level: AlertLevelError,
		},
		{
			name: "deviation skip",
			log: models.PricingLog{
				Asset: "BTC", Status: models.LogStatusSkipped,
				SkipReason: models.SkipReasonDeviationExceeded, DeviationPct: 5.56,
			},
			level: AlertLevelDeviation,
		},
		{
			name: "merchant missing",
			log: models.PricingLog{
				Asset: "ETH", Status: models.LogStatusSkipped,
				SkipReason: models.SkipReasonNoMerchant,
			},
			level: AlertLevelMerchantMissing,
		},
		{
			name: "benign skip",
			log: models.PricingLog{
				Asset: "USDT", Status: models.LogStatusSkipped,
				SkipReason: models.SkipReasonOutsideActiveHours,
			},
			level: AlertLevelNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, detail := alertLevelForLog(tt.log)
			assert.Equal(t, tt.level, level)
			if tt.level == AlertLevelNone {
				assert.Empty(t, detail)
			} else {
				assert.Contains(t, detail, tt.log.Asset)
			}
		})
	}
}

func TestAlertSeverityOrdering(t *testing.T) {
	assert.Greater(t, alertSeverity[AlertLevelError], alertSeverity[AlertLevelAutoPaused])
	assert.Greater(t, alertSeverity[AlertLevelAutoPaused], alertSeverity[AlertLevelDeviation])
	assert.Greater(t, alertSeverity[AlertLevelDeviation], alertSeverity[AlertLevelMerchantMissing])
	assert.Greater(t, alertSeverity[AlertLevelMerchantMissing], alertSeverity[AlertLevelNone])
}

func TestValidateActiveHours(t *testing.T) {
	assert.NoError(t, validateActiveHours("", ""))
	assert.NoError(t, validateActiveHours("09:00", "18:00"))
	assert.NoError(t, validateActiveHours("22:00", "06:00"))
	assert.ErrorIs(t, validateActiveHours("09:00", ""), xe.ErrInvalidActiveHours)
	assert.ErrorIs(t, validateActiveHours("", "18:00"), xe.ErrInvalidActiveHours)
	assert.ErrorIs(t, validateActiveHours("9am", "18:00"), xe.ErrInvalidActiveHours)
	assert.ErrorIs(t, validateActiveHours("09:00", "25:00"), xe.ErrInvalidActiveHours)
}

func newValidationService(t *testing.T) *RuleService {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code": "000000", "success": true, "data": []}`))
	}))
	t.Cleanup(server.Close)

	p2pClient, err := p2p.NewClient(server.URL, "", "", "")
	require.NoError(t, err)

	conf := &config.Config{}
	return &RuleService{
		logger:        zap.NewNop(),
		conf:          conf.Engine,
		marketService: NewMarketService(conf, p2pClient, exchange.NewBinanceClient(""), zap.NewNop()),
	}
}

func validRule() *models.PricingRule {
	return &models.PricingRule{
		Name:              "测试规则",
		Side:              models.TradeSideSell,
		PriceMode:         models.PriceModeFixed,
		Fiat:              "USD",
		OffsetDirection:   models.OffsetDirectionUndercut,
		SelectedAssets:    []string{"USDT"},
		PriorityMerchants: []string{"alice", "bob"},
		AssetConfigs: datatypes.NewJSONType(map[string]models.AssetConfig{
			"USDT": {AdNumbers: []string{"1001"}, OffsetAmount: 0.05},
		}),
		CheckIntervalSeconds: 30,
	}
}

func TestValidate(t *testing.T) {
	s := newValidationService(t)
	ctx := context.Background()

	require.NoError(t, s.validate(ctx, validRule()))

	tests := []struct {
		name   string
		mutate func(*models.PricingRule)
		want   error
	}{
		{
			name:   "empty priority list",
			mutate: func(r *models.PricingRule) { r.PriorityMerchants = nil },
			want:   xe.ErrEmptyPriorityList,
		},
		{
			name:   "all blank nicknames",
			mutate: func(r *models.PricingRule) { r.PriorityMerchants = []string{"", ""} },
			want:   xe.ErrEmptyPriorityList,
		},
		{
			name:   "no selected assets",
			mutate: func(r *models.PricingRule) { r.SelectedAssets = nil },
			want:   xe.ErrNoSelectedAssets,
		},
		{
			name:   "interval too small",
			mutate: func(r *models.PricingRule) { r.CheckIntervalSeconds = 5 },
			want:   xe.ErrIntervalTooSmall,
		},
		{
			name: "missing asset config",
			mutate: func(r *models.PricingRule) {
				r.SelectedAssets = []string{"USDT", "BTC"}
			},
			want: xe.ErrMissingAssetConfig,
		},
		{
			name: "orphan asset config",
			mutate: func(r *models.PricingRule) {
				r.AssetConfigs = datatypes.NewJSONType(map[string]models.AssetConfig{
					"USDT": {AdNumbers: []string{"1001"}},
					"BTC":  {AdNumbers: []string{"2001"}},
				})
			},
			want: xe.ErrOrphanAssetConfig,
		},
		{
			name: "duplicate ad number",
			mutate: func(r *models.PricingRule) {
				r.AssetConfigs = datatypes.NewJSONType(map[string]models.AssetConfig{
					"USDT": {AdNumbers: []string{"1001", "1001"}},
				})
			},
			want: xe.ErrDuplicateAdNumber,
		},
		{
			name: "floor above ceiling",
			mutate: func(r *models.PricingRule) {
				floor, ceiling := 92.0, 90.0
				r.AssetConfigs = datatypes.NewJSONType(map[string]models.AssetConfig{
					"USDT": {AdNumbers: []string{"1001"}, MinFloor: &floor, MaxCeiling: &ceiling},
				})
			},
			want: xe.ErrInvalidBounds,
		},
		{
			name: "invalid active hours",
			mutate: func(r *models.PricingRule) {
				r.ActiveHoursStart = "09:00"
			},
			want: xe.ErrInvalidActiveHours,
		},
		{
			name:   "bad side",
			mutate: func(r *models.PricingRule) { r.Side = "HOLD" },
			want:   xe.ErrInvalidParams,
		},
		{
			name:   "bad price mode",
			mutate: func(r *models.PricingRule) { r.PriceMode = "MARKET" },
			want:   xe.ErrInvalidParams,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := validRule()
			tt.mutate(rule)
			assert.ErrorIs(t, s.validate(ctx, rule), tt.want)
		})
	}
}
