package service

import (
	"math"

	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/pkg/p2p"
	"go.uber.org/zap"
)

// PricingService 定价计算服务
// 商家解析和候选价计算都是纯函数，方便独立测试
type PricingService struct {
	logger *zap.Logger
}

// NewPricingService 创建定价计算服务
func NewPricingService(logger *zap.Logger) *PricingService {
	return &PricingService{logger: logger}
}

// ResolveResult 商家解析结果
type ResolveResult struct {
	Merchant string  `json:"merchant"`
	Price    float64 `json:"price"`
	Found    bool    `json:"found"`
}

// ResolveMerchant 按优先级在快照中解析目标商家
// 快照按市场排名排序，同一商家有多条广告时取排名最优的一条
func (s *PricingService) ResolveMerchant(rule *models.PricingRule, snapshot []p2p.CompetitorAd) ResolveResult {
	for _, nickname := range rule.PriorityMerchants {
		if nickname == "" {
			continue
		}
		for _, ad := range snapshot {
			if ad.MerchantNickname != nickname {
				continue
			}
			if rule.OnlyCounterWhenOnline && !ad.Online {
				break // 同一商家的后续广告在线状态一致，直接换下一个昵称
			}
			return ResolveResult{Merchant: nickname, Price: ad.Price, Found: true}
		}
	}
	return ResolveResult{}
}

// Candidate 候选调价结果
type Candidate struct {
	Value          float64 // 固定模式为法币价格，浮动模式为比例百分比
	DeviationPct   float64 // 竞争对手价格相对市场参考价的偏差
	WasCapped      bool    // 上下限裁剪过
	WasRateLimited bool    // 单周期幅度限制裁剪过
}

// Skip 策略性跳过信号
type Skip struct {
	Reason       string
	DeviationPct float64
}

// ComputeCandidate 根据竞争对手报价计算候选值
// 固定模式在法币价格上运算；浮动模式先把竞争对手法币价折算成相对
// 市场参考价的比例百分比，再在比例上做偏移和裁剪，要求 marketRef > 0
// prevApplied 为该币种最近一次成功应用的值，nil表示没有历史
func (s *PricingService) ComputeCandidate(rule *models.PricingRule, cfg models.AssetConfig,
	competitorPrice, marketRef float64, prevApplied *float64) (Candidate, *Skip) {

	// 偏差保护：竞争对手定价严重偏离市场时不跟随
	var deviationPct float64
	if marketRef > 0 {
		deviationPct = math.Abs(competitorPrice-marketRef) / marketRef * 100
	}
	if rule.MaxDeviationFromMarketPct > 0 && deviationPct > rule.MaxDeviationFromMarketPct {
		return Candidate{}, &Skip{
			Reason:       models.SkipReasonDeviationExceeded,
			DeviationPct: deviationPct,
		}
	}

	candidate := Candidate{DeviationPct: deviationPct}

	var offset float64
	var floor, ceiling *float64
	var maxChange float64

	base := competitorPrice
	if rule.PriceMode == models.PriceModeFloating {
		offset = cfg.OffsetPercent
		floor = cfg.MinRatioFloor
		ceiling = cfg.MaxRatioCeiling
		maxChange = rule.MaxRatioChangePerCycle
		// 比例基准：竞争对手价格占市场参考价的百分比
		base = competitorPrice / marketRef * 100
	} else {
		offset = cfg.OffsetAmount
		floor = cfg.MinFloor
		ceiling = cfg.MaxCeiling
		maxChange = rule.MaxPriceChangePerCycle
	}

	raw := base + rule.OffsetSign()*offset

	// 上下限裁剪
	if ceiling != nil && raw > *ceiling {
		raw = *ceiling
		candidate.WasCapped = true
	}
	if floor != nil && raw < *floor {
		raw = *floor
		candidate.WasCapped = true
	}

	// 单周期幅度限制
	if prevApplied != nil && maxChange > 0 {
		delta := raw - *prevApplied
		if math.Abs(delta) > maxChange {
			if delta > 0 {
				raw = *prevApplied + maxChange
			} else {
				raw = *prevApplied - maxChange
			}
			candidate.WasRateLimited = true
		}
	}

	candidate.Value = raw
	return candidate, nil
}
