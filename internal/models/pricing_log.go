package models

import (
	"time"

	"gorm.io/datatypes"
)

// LogStatus 单次评估的终态
type LogStatus string

const (
	LogStatusSuccess  LogStatus = "success"   // 调价成功
	LogStatusNoChange LogStatus = "no_change" // 候选价与当前广告价一致，无需调整
	LogStatusSkipped  LogStatus = "skipped"   // 策略性跳过
	LogStatusError    LogStatus = "error"     // 外部调用失败
)

// 跳过原因
const (
	SkipReasonNoMerchant         = "no_merchant"          // 优先级列表中没有符合条件的商家
	SkipReasonNoListings         = "no_listings"          // 市场快照为空
	SkipReasonNoAds              = "no_ads"               // 该币种未配置广告
	SkipReasonDeviationExceeded  = "deviation_exceeded"   // 竞争对手价格偏离市场参考价过大
	SkipReasonOutsideActiveHours = "outside_active_hours" // 当前时间不在活跃时段
	SkipReasonManualOverride     = "manual_override"      // 人工改价冷却期内
)

// PricingLog 每个（规则，币种，评估周期）一条，只追加不修改
type PricingLog struct {
	ID        string                      `gorm:"primaryKey;size:26" json:"id"`
	RuleID    string                      `gorm:"size:26;not null;index" json:"rule_id"`
	Asset     string                      `gorm:"size:20;not null;index" json:"asset"`
	AdNumbers datatypes.JSONSlice[string] `gorm:"type:json" json:"ad_numbers"` // 本周期涉及的广告编号

	MerchantName    string  `gorm:"size:100" json:"merchant_name"`                // 被跟踪的竞争对手
	CompetitorPrice float64 `gorm:"type:decimal(20,8)" json:"competitor_price"`   // 竞争对手价格
	MarketRefPrice  float64 `gorm:"type:decimal(20,8)" json:"market_ref_price"`   // 市场参考价
	DeviationPct    float64 `gorm:"type:decimal(10,4)" json:"deviation_pct"`      // 偏差百分比

	AppliedPrice *float64 `gorm:"type:decimal(20,8)" json:"applied_price"` // 仅 status=success 时有值
	AppliedRatio *float64 `gorm:"type:decimal(10,4)" json:"applied_ratio"` // 仅 status=success 时有值

	Status         LogStatus `gorm:"size:10;not null;index" json:"status"`
	SkipReason     string    `gorm:"size:30" json:"skip_reason"`   // 仅 status=skipped 时有值
	ErrorDetail    string    `gorm:"size:500" json:"error_detail"` // 仅 status=error 时有值
	WasCapped      bool      `json:"was_capped"`       // 上下限裁剪过候选价
	WasRateLimited bool      `json:"was_rate_limited"` // 单周期幅度限制裁剪过候选价

	ExecutedAt time.Time `gorm:"not null;index" json:"executed_at"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (PricingLog) TableName() string {
	return "pricing_logs"
}
