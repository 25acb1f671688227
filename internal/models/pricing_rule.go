package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TradeSide 广告方向
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// PriceMode 定价模式
type PriceMode string

const (
	PriceModeFixed    PriceMode = "FIXED"    // 固定价格（法币）
	PriceModeFloating PriceMode = "FLOATING" // 浮动比例（相对参考价的百分比）
)

// OffsetDirection 偏移方向
type OffsetDirection string

const (
	OffsetDirectionUndercut OffsetDirection = "UNDERCUT" // 低于竞争对手
	OffsetDirectionOvercut  OffsetDirection = "OVERCUT"  // 高于竞争对手
)

// AssetConfig 单个币种的定价配置
type AssetConfig struct {
	AdNumbers       []string `json:"ad_numbers"`        // 该规则控制的广告编号
	OffsetAmount    float64  `json:"offset_amount"`     // 固定模式的偏移金额（法币）
	OffsetPercent   float64  `json:"offset_percent"`    // 浮动模式的偏移百分比
	MaxCeiling      *float64 `json:"max_ceiling"`       // 固定模式价格上限，nil表示不限制
	MinFloor        *float64 `json:"min_floor"`         // 固定模式价格下限，nil表示不限制
	MaxRatioCeiling *float64 `json:"max_ratio_ceiling"` // 浮动模式比例上限
	MinRatioFloor   *float64 `json:"min_ratio_floor"`   // 浮动模式比例下限
}

// PricingRule 自动定价规则
type PricingRule struct {
	ID   string `gorm:"primaryKey;size:26" json:"id"`
	Name string `gorm:"size:100;not null" json:"name"`

	// 作用范围
	Side            TradeSide                                `gorm:"size:10;not null" json:"side"`
	PriceMode       PriceMode                                `gorm:"size:10;not null" json:"price_mode"`
	Fiat            string                                   `gorm:"size:10;not null" json:"fiat"`
	OffsetDirection OffsetDirection                          `gorm:"size:10;not null" json:"offset_direction"`
	SelectedAssets  datatypes.JSONSlice[string]              `gorm:"type:json" json:"selected_assets"`
	AssetConfigs    datatypes.JSONType[map[string]AssetConfig] `gorm:"type:json" json:"asset_configs"`

	// 商家优先级，下标0为首选，后续为备选
	PriorityMerchants      datatypes.JSONSlice[string] `gorm:"type:json" json:"priority_merchants"`
	OnlyCounterWhenOnline  bool                        `json:"only_counter_when_online"`
	PauseIfNoMerchantFound bool                        `json:"pause_if_no_merchant_found"`

	// 安全限制
	MaxDeviationFromMarketPct float64 `json:"max_deviation_from_market_pct"` // 竞争对手价格偏离市场参考价的最大百分比
	MaxPriceChangePerCycle    float64 `json:"max_price_change_per_cycle"`    // 固定模式单周期最大调价幅度，0表示不限制
	MaxRatioChangePerCycle    float64 `json:"max_ratio_change_per_cycle"`    // 浮动模式单周期最大调整幅度，0表示不限制
	AutoPauseAfterDeviations  int     `json:"auto_pause_after_deviations"`   // 连续偏差跳过多少次后自动暂停
	AutoPauseAfterErrors      int     `json:"auto_pause_after_errors"`       // 连续错误多少次后自动暂停，0表示不启用

	// 调度
	CheckIntervalSeconds          int      `json:"check_interval_seconds"`
	ActiveHoursStart              string   `gorm:"size:5" json:"active_hours_start"` // HH:MM，为空表示全天有效
	ActiveHoursEnd                string   `gorm:"size:5" json:"active_hours_end"`
	RestingPrice                  *float64 `json:"resting_price"` // 非活跃时段的保底价格
	RestingRatio                  *float64 `json:"resting_ratio"` // 非活跃时段的保底比例
	ManualOverrideCooldownMinutes int      `json:"manual_override_cooldown_minutes"`

	// 运行状态，仅由引擎修改
	IsActive              bool                                     `gorm:"index;not null;default:true" json:"is_active"`
	ConsecutiveErrors     int                                      `gorm:"default:0" json:"consecutive_errors"`
	ConsecutiveDeviations int                                      `gorm:"default:0" json:"consecutive_deviations"`
	LastCompetitorPrice   float64                                  `json:"last_competitor_price"`
	LastAppliedPrice      *float64                                 `json:"last_applied_price"`
	LastAppliedRatio      *float64                                 `json:"last_applied_ratio"`
	LastCheckedAt         *time.Time                               `json:"last_checked_at"`
	LastError             string                                   `gorm:"size:500" json:"last_error"`
	ManualOverrides       datatypes.JSONType[map[string]time.Time] `gorm:"type:json" json:"manual_overrides"` // 币种 -> 检测到人工改价的时间
	AlertDismissedAt      *time.Time                               `json:"alert_dismissed_at"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// TableName 指定表名
func (PricingRule) TableName() string {
	return "pricing_rules"
}

// AssetConfigFor 获取指定币种的配置
func (r *PricingRule) AssetConfigFor(asset string) (AssetConfig, bool) {
	configs := r.AssetConfigs.Data()
	cfg, ok := configs[asset]
	return cfg, ok
}

// OffsetSign 偏移方向的符号，UNDERCUT为-1，OVERCUT为+1
func (r *PricingRule) OffsetSign() float64 {
	if r.OffsetDirection == OffsetDirectionOvercut {
		return 1
	}
	return -1
}

// InActiveHours 判断指定时间是否落在活跃时段 [start, end) 内
// 未配置时段时恒为 true，支持跨午夜的区间（如 22:00 - 06:00）
func (r *PricingRule) InActiveHours(now time.Time) bool {
	if r.ActiveHoursStart == "" || r.ActiveHoursEnd == "" {
		return true
	}
	start, err := time.Parse("15:04", r.ActiveHoursStart)
	if err != nil {
		return true
	}
	end, err := time.Parse("15:04", r.ActiveHoursEnd)
	if err != nil {
		return true
	}

	minutes := now.Hour()*60 + now.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin == endMin {
		return true
	}
	if startMin < endMin {
		return minutes >= startMin && minutes < endMin
	}
	// 跨午夜
	return minutes >= startMin || minutes < endMin
}

// ManualOverrideActive 判断该币种是否处于人工改价冷却期
func (r *PricingRule) ManualOverrideActive(asset string, now time.Time) bool {
	if r.ManualOverrideCooldownMinutes <= 0 {
		return false
	}
	overrides := r.ManualOverrides.Data()
	detectedAt, ok := overrides[asset]
	if !ok {
		return false
	}
	return now.Before(detectedAt.Add(time.Duration(r.ManualOverrideCooldownMinutes) * time.Minute))
}
