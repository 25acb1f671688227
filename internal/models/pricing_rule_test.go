package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02 15:04", value)
	if err != nil {
		t.Fatal(err)
	}
	return parsed
}

func TestInActiveHours(t *testing.T) {
	tests := []struct {
		name  string
		start string
		end   string
		now   string
		want  bool
	}{
		{"未配置时段恒为真", "", "", "2025-06-01 03:00", true},
		{"时段内", "09:00", "18:00", "2025-06-01 12:30", true},
		{"起点含", "09:00", "18:00", "2025-06-01 09:00", true},
		{"终点不含", "09:00", "18:00", "2025-06-01 18:00", false},
		{"时段外", "09:00", "18:00", "2025-06-01 20:00", false},
		{"跨午夜时段内晚间", "22:00", "06:00", "2025-06-01 23:30", true},
		{"跨午夜时段内凌晨", "22:00", "06:00", "2025-06-01 02:00", true},
		{"跨午夜时段外", "22:00", "06:00", "2025-06-01 12:00", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := PricingRule{
				ActiveHoursStart: tt.start,
				ActiveHoursEnd:   tt.end,
			}
			assert.Equal(t, tt.want, rule.InActiveHours(mustTime(t, tt.now)))
		})
	}
}

func TestManualOverrideActive(t *testing.T) {
	now := time.Now()
	rule := PricingRule{
		ManualOverrideCooldownMinutes: 30,
		ManualOverrides: datatypes.NewJSONType(map[string]time.Time{
			"USDT": now.Add(-10 * time.Minute),
			"BTC":  now.Add(-40 * time.Minute),
		}),
	}

	assert.True(t, rule.ManualOverrideActive("USDT", now))
	assert.False(t, rule.ManualOverrideActive("BTC", now))
	assert.False(t, rule.ManualOverrideActive("ETH", now))

	// 未配置冷却时间时不生效
	rule.ManualOverrideCooldownMinutes = 0
	assert.False(t, rule.ManualOverrideActive("USDT", now))
}

func TestOffsetSign(t *testing.T) {
	rule := PricingRule{OffsetDirection: OffsetDirectionUndercut}
	assert.Equal(t, float64(-1), rule.OffsetSign())

	rule.OffsetDirection = OffsetDirectionOvercut
	assert.Equal(t, float64(1), rule.OffsetSign())
}

func TestAssetConfigFor(t *testing.T) {
	rule := PricingRule{
		AssetConfigs: datatypes.NewJSONType(map[string]AssetConfig{
			"USDT": {AdNumbers: []string{"1001"}, OffsetAmount: 0.05},
		}),
	}

	cfg, ok := rule.AssetConfigFor("USDT")
	assert.True(t, ok)
	assert.Equal(t, []string{"1001"}, cfg.AdNumbers)

	_, ok = rule.AssetConfigFor("BTC")
	assert.False(t, ok)
}
