package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/internal/repo"
	"github.com/dushixiang/anchor/pkg/p2p"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 浮点价格比较的容差
const priceEpsilon = 1e-9

// 单条规则内币种评估的最大并发数
const assetConcurrency = 4

// EngineService 规则评估引擎
// 每条规则一个互斥锁，定时评估和手动触发串行执行，计数器读改写都在锁内完成
type EngineService struct {
	logger *zap.Logger
	conf   config.EngineConf

	ruleRepo       *repo.PricingRuleRepo
	logRepo        *repo.PricingLogRepo
	marketService  *MarketService
	pricingService *PricingService
	notifyService  *NotifyService
	p2pClient      *p2p.Client

	lockMu    sync.Mutex
	ruleLocks map[string]*sync.Mutex
}

// NewEngineService 创建规则评估引擎
func NewEngineService(
	conf *config.Config,
	ruleRepo *repo.PricingRuleRepo,
	logRepo *repo.PricingLogRepo,
	marketService *MarketService,
	pricingService *PricingService,
	notifyService *NotifyService,
	p2pClient *p2p.Client,
	logger *zap.Logger,
) *EngineService {
	return &EngineService{
		logger:         logger,
		conf:           conf.Engine,
		ruleRepo:       ruleRepo,
		logRepo:        logRepo,
		marketService:  marketService,
		pricingService: pricingService,
		notifyService:  notifyService,
		p2pClient:      p2pClient,
		ruleLocks:      make(map[string]*sync.Mutex),
	}
}

func (s *EngineService) ruleLock(ruleID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.ruleLocks[ruleID]
	if !ok {
		lock = &sync.Mutex{}
		s.ruleLocks[ruleID] = lock
	}
	return lock
}

// ReleaseRule 规则删除后回收锁
func (s *EngineService) ReleaseRule(ruleID string) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	delete(s.ruleLocks, ruleID)
}

type assetResult struct {
	log                *models.PricingLog
	overrideDetectedAt *time.Time
}

// EvaluateRule 执行一条规则的完整评估周期
// 每个选中的币种产生一条日志，任何失败都收敛为日志结果，不向上抛出
func (s *EngineService) EvaluateRule(ctx context.Context, ruleID string) error {
	lock := s.ruleLock(ruleID)
	lock.Lock()
	defer lock.Unlock()

	rule, err := s.ruleRepo.FindById(ctx, ruleID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // 规则已删除，停止评估
		}
		return fmt.Errorf("load rule %s: %w", ruleID, err)
	}
	if !rule.IsActive {
		return nil
	}

	cycleStart := time.Now()
	assets := []string(rule.SelectedAssets)

	s.logger.Info("pricing cycle start",
		zap.String("rule", rule.Name),
		zap.Strings("assets", assets))

	// 币种之间广告集合不相交，可以并发评估
	results := make([]*assetResult, len(assets))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(assetConcurrency)
	for i, asset := range assets {
		group.Go(func() error {
			results[i] = s.evaluateAsset(groupCtx, &rule, asset)
			return nil
		})
	}
	_ = group.Wait()

	// 日志落库和计数器更新在锁内按币种顺序串行执行
	s.applyResults(ctx, &rule, results, cycleStart)

	s.logger.Info("pricing cycle end",
		zap.String("rule", rule.Name),
		zap.Duration("duration", time.Since(cycleStart)))
	return nil
}

// evaluateAsset 评估单个币种，永远返回一条日志
func (s *EngineService) evaluateAsset(ctx context.Context, rule *models.PricingRule, asset string) *assetResult {
	log := &models.PricingLog{
		RuleID: rule.ID,
		Asset:  asset,
	}
	result := &assetResult{log: log}

	cfg, ok := rule.AssetConfigFor(asset)
	if !ok || len(cfg.AdNumbers) == 0 {
		s.markSkipped(log, models.SkipReasonNoAds)
		return result
	}
	log.AdNumbers = cfg.AdNumbers

	now := time.Now()

	// 活跃时段之外：有保底价就推保底价，没有就跳过
	if !rule.InActiveHours(now) {
		s.evaluateResting(ctx, rule, cfg, log)
		return result
	}

	// 人工改价冷却期内不覆盖操作员的修改
	if rule.ManualOverrideActive(asset, now) {
		s.markSkipped(log, models.SkipReasonManualOverride)
		return result
	}

	snapshot, err := s.marketService.Snapshot(ctx, asset, rule.Side)
	if err != nil {
		s.markError(log, fmt.Errorf("fetch snapshot: %w", err))
		return result
	}
	if len(snapshot) == 0 {
		s.markSkipped(log, models.SkipReasonNoListings)
		return result
	}

	resolved := s.pricingService.ResolveMerchant(rule, snapshot)
	if !resolved.Found {
		s.markSkipped(log, models.SkipReasonNoMerchant)
		return result
	}
	log.MerchantName = resolved.Merchant
	log.CompetitorPrice = resolved.Price

	marketRef, err := s.marketService.ReferencePrice(ctx, asset)
	if err != nil {
		s.markError(log, err)
		return result
	}
	// 浮动模式的比例基准依赖正的参考价
	if rule.PriceMode == models.PriceModeFloating && marketRef <= 0 {
		s.markError(log, fmt.Errorf("reference price for %s is not positive", asset))
		return result
	}
	log.MarketRefPrice = marketRef

	prevApplied := s.lastAppliedValue(ctx, rule, asset)

	// 读取第一条广告的实时值，用于无变化判断和人工改价检测
	liveValue, err := s.liveAdValue(ctx, rule, cfg.AdNumbers[0])
	if err != nil {
		s.markError(log, err)
		return result
	}

	// 实时值与引擎最近一次应用值不一致且没有中间日志，视为人工改价
	// 尽力而为的启发式判断：人工恰好改回引擎价时无法识别，
	// 引擎写入与人工修改竞争时也可能漏报，见 DESIGN.md
	if rule.ManualOverrideCooldownMinutes > 0 && prevApplied != nil &&
		!almostEqual(liveValue, *prevApplied) {
		detectedAt := now
		result.overrideDetectedAt = &detectedAt
		s.markSkipped(log, models.SkipReasonManualOverride)
		return result
	}

	candidate, skip := s.pricingService.ComputeCandidate(rule, cfg, resolved.Price, marketRef, prevApplied)
	if skip != nil {
		log.DeviationPct = skip.DeviationPct
		s.markSkipped(log, skip.Reason)
		return result
	}
	log.DeviationPct = candidate.DeviationPct
	log.WasCapped = candidate.WasCapped
	log.WasRateLimited = candidate.WasRateLimited

	// 候选价与实时广告价一致时不再重复调用接口
	if almostEqual(candidate.Value, liveValue) {
		log.Status = models.LogStatusNoChange
		return result
	}

	s.applyToAds(ctx, rule, cfg.AdNumbers, candidate.Value, log)
	return result
}

// evaluateResting 非活跃时段推送保底价
func (s *EngineService) evaluateResting(ctx context.Context, rule *models.PricingRule,
	cfg models.AssetConfig, log *models.PricingLog) {

	var resting *float64
	if rule.PriceMode == models.PriceModeFloating {
		resting = rule.RestingRatio
	} else {
		resting = rule.RestingPrice
	}
	if resting == nil {
		s.markSkipped(log, models.SkipReasonOutsideActiveHours)
		return
	}

	liveValue, err := s.liveAdValue(ctx, rule, cfg.AdNumbers[0])
	if err != nil {
		s.markError(log, err)
		return
	}
	if almostEqual(liveValue, *resting) {
		log.Status = models.LogStatusNoChange
		return
	}
	s.applyToAds(ctx, rule, cfg.AdNumbers, *resting, log)
}

// applyToAds 将候选价推送到该币种的全部广告
// 单条广告失败不影响其它广告，任何一条失败则整体状态为error
func (s *EngineService) applyToAds(ctx context.Context, rule *models.PricingRule,
	adNumbers []string, value float64, log *models.PricingLog) {

	var failures []string
	for _, advNo := range adNumbers {
		var err error
		if rule.PriceMode == models.PriceModeFloating {
			err = s.p2pClient.UpdateAdPrice(ctx, advNo, nil, &value)
		} else {
			err = s.p2pClient.UpdateAdPrice(ctx, advNo, &value, nil)
		}
		if err != nil {
			s.logger.Warn("ad price update failed",
				zap.String("rule", rule.Name),
				zap.String("adv_no", advNo),
				zap.Error(err))
			failures = append(failures, fmt.Sprintf("%s: %v", advNo, err))
		}
	}

	if len(failures) > 0 {
		log.Status = models.LogStatusError
		log.ErrorDetail = clampString(strings.Join(failures, "; "), 500)
		return
	}

	log.Status = models.LogStatusSuccess
	if rule.PriceMode == models.PriceModeFloating {
		log.AppliedRatio = &value
	} else {
		log.AppliedPrice = &value
	}
}

// applyResults 日志落库并更新规则运行状态，必须在规则锁内调用
func (s *EngineService) applyResults(ctx context.Context, rule *models.PricingRule,
	results []*assetResult, cycleStart time.Time) {

	errorsBefore := rule.ConsecutiveErrors

	overrides := rule.ManualOverrides.Data()
	if overrides == nil {
		overrides = make(map[string]time.Time)
	}
	// 清理已过期的冷却记录
	cooldown := time.Duration(rule.ManualOverrideCooldownMinutes) * time.Minute
	for asset, detectedAt := range overrides {
		if time.Since(detectedAt) >= cooldown {
			delete(overrides, asset)
		}
	}

	pause := false
	pauseReason := ""

	for _, result := range results {
		if result == nil || result.log == nil {
			continue
		}
		log := result.log
		log.ID = ulid.Make().String()
		log.ExecutedAt = cycleStart
		if err := s.logRepo.Create(ctx, log); err != nil {
			s.logger.Error("failed to write pricing log",
				zap.String("rule_id", rule.ID),
				zap.String("asset", log.Asset),
				zap.Error(err))
		}

		switch log.Status {
		case models.LogStatusSuccess, models.LogStatusNoChange:
			rule.ConsecutiveErrors = 0
			rule.ConsecutiveDeviations = 0
			rule.LastError = ""
		case models.LogStatusError:
			rule.ConsecutiveErrors++
			rule.LastError = log.ErrorDetail
		case models.LogStatusSkipped:
			if log.SkipReason == models.SkipReasonDeviationExceeded {
				rule.ConsecutiveDeviations++
			}
		}

		if log.CompetitorPrice > 0 {
			rule.LastCompetitorPrice = log.CompetitorPrice
		}
		if log.AppliedPrice != nil {
			rule.LastAppliedPrice = log.AppliedPrice
		}
		if log.AppliedRatio != nil {
			rule.LastAppliedRatio = log.AppliedRatio
		}
		if result.overrideDetectedAt != nil {
			overrides[log.Asset] = *result.overrideDetectedAt
		}
		if log.SkipReason == models.SkipReasonNoMerchant && rule.PauseIfNoMerchantFound {
			pause = true
			pauseReason = "优先级列表中的商家均不在市场快照中"
		}
	}

	if rule.AutoPauseAfterDeviations > 0 && rule.ConsecutiveDeviations >= rule.AutoPauseAfterDeviations {
		pause = true
		pauseReason = fmt.Sprintf("连续 %d 次偏差超限", rule.ConsecutiveDeviations)
	}
	if rule.AutoPauseAfterErrors > 0 && rule.ConsecutiveErrors >= rule.AutoPauseAfterErrors {
		pause = true
		pauseReason = fmt.Sprintf("连续 %d 次执行出错", rule.ConsecutiveErrors)
	}

	now := time.Now()
	columns := map[string]interface{}{
		"consecutive_errors":     rule.ConsecutiveErrors,
		"consecutive_deviations": rule.ConsecutiveDeviations,
		"last_competitor_price":  rule.LastCompetitorPrice,
		"last_applied_price":     rule.LastAppliedPrice,
		"last_applied_ratio":     rule.LastAppliedRatio,
		"last_checked_at":        now,
		"last_error":             rule.LastError,
		"manual_overrides":       datatypes.NewJSONType(overrides),
	}
	if pause {
		columns["is_active"] = false
	}

	if err := s.ruleRepo.UpdateColumns(ctx, rule.ID, columns); err != nil {
		s.logger.Error("failed to update rule state",
			zap.String("rule_id", rule.ID),
			zap.Error(err))
	}

	if pause {
		s.logger.Warn("rule auto paused",
			zap.String("rule", rule.Name),
			zap.String("reason", pauseReason))
		s.notifyService.RuleAutoPaused(rule, pauseReason)
	} else if shouldNotifyErrorStreak(rule.AutoPauseAfterErrors, errorsBefore, rule.ConsecutiveErrors) {
		s.notifyService.RuleErrorStreak(rule, rule.ConsecutiveErrors, rule.LastError)
	}
}

// 未启用错误自动暂停时，连续错误达到该值提醒一次
const errorStreakNotifyAt = 3

// shouldNotifyErrorStreak 仅在计数器首次越过阈值的周期提醒
// 多币种周期可能一次跨过多格，比较越过前后的值而不是相等判断
func shouldNotifyErrorStreak(autoPauseAfterErrors, before, after int) bool {
	if autoPauseAfterErrors != 0 {
		return false
	}
	return before < errorStreakNotifyAt && after >= errorStreakNotifyAt
}

// lastAppliedValue 该币种最近一次成功应用的值
func (s *EngineService) lastAppliedValue(ctx context.Context, rule *models.PricingRule, asset string) *float64 {
	last, err := s.logRepo.FindLatestSuccess(ctx, rule.ID, asset)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("failed to load last applied value",
				zap.String("rule_id", rule.ID),
				zap.String("asset", asset),
				zap.Error(err))
		}
		return nil
	}
	if rule.PriceMode == models.PriceModeFloating {
		return last.AppliedRatio
	}
	return last.AppliedPrice
}

// liveAdValue 读取广告的实时价格或比例
func (s *EngineService) liveAdValue(ctx context.Context, rule *models.PricingRule, advNo string) (float64, error) {
	ad, err := s.p2pClient.GetAd(ctx, advNo)
	if err != nil {
		return 0, err
	}
	if rule.PriceMode == models.PriceModeFloating {
		return ad.FloatingRatio, nil
	}
	return ad.Price, nil
}

func (s *EngineService) markSkipped(log *models.PricingLog, reason string) {
	log.Status = models.LogStatusSkipped
	log.SkipReason = reason
}

func (s *EngineService) markError(log *models.PricingLog, err error) {
	log.Status = models.LogStatusError
	log.ErrorDetail = clampString(err.Error(), 500)
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < priceEpsilon
}

func clampString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
