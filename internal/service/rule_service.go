package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/internal/repo"
	"github.com/dushixiang/anchor/internal/xe"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 告警级别，数值越大越严重
const (
	AlertLevelNone            = ""
	AlertLevelMerchantMissing = "merchant_missing"
	AlertLevelDeviation       = "deviation"
	AlertLevelAutoPaused      = "auto_paused"
	AlertLevelError           = "error"
)

var alertSeverity = map[string]int{
	AlertLevelNone:            0,
	AlertLevelMerchantMissing: 1,
	AlertLevelDeviation:       2,
	AlertLevelAutoPaused:      3,
	AlertLevelError:           4,
}

// RuleService 定价规则管理服务
type RuleService struct {
	logger *zap.Logger
	conf   config.EngineConf

	ruleRepo      *repo.PricingRuleRepo
	logRepo       *repo.PricingLogRepo
	marketService *MarketService
	engineLoop    *EngineLoop
	engineService *EngineService
}

// NewRuleService 创建规则管理服务
func NewRuleService(
	conf *config.Config,
	ruleRepo *repo.PricingRuleRepo,
	logRepo *repo.PricingLogRepo,
	marketService *MarketService,
	engineLoop *EngineLoop,
	engineService *EngineService,
	logger *zap.Logger,
) *RuleService {
	return &RuleService{
		logger:        logger,
		conf:          conf.Engine,
		ruleRepo:      ruleRepo,
		logRepo:       logRepo,
		marketService: marketService,
		engineLoop:    engineLoop,
		engineService: engineService,
	}
}

// FindAll 查询全部规则
func (s *RuleService) FindAll(ctx context.Context) ([]models.PricingRule, error) {
	return s.ruleRepo.FindAll(ctx)
}

// FindById 查询单条规则
func (s *RuleService) FindById(ctx context.Context, id string) (models.PricingRule, error) {
	rule, err := s.ruleRepo.FindById(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rule, xe.ErrRuleNotFound
		}
		return rule, err
	}
	return rule, nil
}

// Create 创建规则并加入调度
func (s *RuleService) Create(ctx context.Context, rule *models.PricingRule) error {
	if err := s.validate(ctx, rule); err != nil {
		return err
	}

	rule.ID = ulid.Make().String()
	rule.IsActive = true
	rule.ConsecutiveErrors = 0
	rule.ConsecutiveDeviations = 0

	if err := s.ruleRepo.Create(ctx, rule); err != nil {
		return err
	}

	s.engineLoop.Resync(rule)
	s.logger.Info("pricing rule created",
		zap.String("id", rule.ID),
		zap.String("name", rule.Name))
	return nil
}

// Update 更新规则配置，运行状态字段保持不变
func (s *RuleService) Update(ctx context.Context, id string, incoming *models.PricingRule) error {
	existing, err := s.FindById(ctx, id)
	if err != nil {
		return err
	}
	if err := s.validate(ctx, incoming); err != nil {
		return err
	}

	// 仅覆盖配置字段，计数器等运行状态只归引擎管
	existing.Name = incoming.Name
	existing.Side = incoming.Side
	existing.PriceMode = incoming.PriceMode
	existing.Fiat = incoming.Fiat
	existing.OffsetDirection = incoming.OffsetDirection
	existing.SelectedAssets = incoming.SelectedAssets
	existing.AssetConfigs = incoming.AssetConfigs
	existing.PriorityMerchants = incoming.PriorityMerchants
	existing.OnlyCounterWhenOnline = incoming.OnlyCounterWhenOnline
	existing.PauseIfNoMerchantFound = incoming.PauseIfNoMerchantFound
	existing.MaxDeviationFromMarketPct = incoming.MaxDeviationFromMarketPct
	existing.MaxPriceChangePerCycle = incoming.MaxPriceChangePerCycle
	existing.MaxRatioChangePerCycle = incoming.MaxRatioChangePerCycle
	existing.AutoPauseAfterDeviations = incoming.AutoPauseAfterDeviations
	existing.AutoPauseAfterErrors = incoming.AutoPauseAfterErrors
	existing.CheckIntervalSeconds = incoming.CheckIntervalSeconds
	existing.ActiveHoursStart = incoming.ActiveHoursStart
	existing.ActiveHoursEnd = incoming.ActiveHoursEnd
	existing.RestingPrice = incoming.RestingPrice
	existing.RestingRatio = incoming.RestingRatio
	existing.ManualOverrideCooldownMinutes = incoming.ManualOverrideCooldownMinutes

	if err := s.ruleRepo.UpdateById(ctx, &existing); err != nil {
		return err
	}

	s.engineLoop.Resync(&existing)
	s.logger.Info("pricing rule updated", zap.String("id", id))
	return nil
}

// Delete 删除规则并移出调度，历史日志保留
func (s *RuleService) Delete(ctx context.Context, id string) error {
	if _, err := s.FindById(ctx, id); err != nil {
		return err
	}
	s.engineLoop.Unschedule(id)
	if err := s.ruleRepo.DeleteById(ctx, id); err != nil {
		return err
	}
	s.engineService.ReleaseRule(id)
	s.logger.Info("pricing rule deleted", zap.String("id", id))
	return nil
}

// ToggleActive 手动启用/暂停规则
func (s *RuleService) ToggleActive(ctx context.Context, id string, active bool) error {
	rule, err := s.FindById(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ruleRepo.UpdateColumns(ctx, id, map[string]interface{}{
		"is_active": active,
	}); err != nil {
		return err
	}
	rule.IsActive = active
	s.engineLoop.Resync(&rule)
	return nil
}

// ResetState 清零计数器并重新启用，自动暂停后由操作员调用
func (s *RuleService) ResetState(ctx context.Context, id string) error {
	rule, err := s.FindById(ctx, id)
	if err != nil {
		return err
	}

	if err := s.ruleRepo.UpdateColumns(ctx, id, map[string]interface{}{
		"is_active":              true,
		"consecutive_errors":     0,
		"consecutive_deviations": 0,
		"last_error":             "",
		"manual_overrides":       datatypes.NewJSONType(map[string]time.Time{}),
		"alert_dismissed_at":     nil,
	}); err != nil {
		return err
	}

	rule.IsActive = true
	s.engineLoop.Resync(&rule)
	s.logger.Info("pricing rule state reset", zap.String("id", id))
	return nil
}

// DismissAlert 确认当前告警，不改变运行状态
func (s *RuleService) DismissAlert(ctx context.Context, id string) error {
	if _, err := s.FindById(ctx, id); err != nil {
		return err
	}
	now := time.Now()
	return s.ruleRepo.UpdateColumns(ctx, id, map[string]interface{}{
		"alert_dismissed_at": now,
	})
}

// AssetAlertInfo 单个币种的最新状态
type AssetAlertInfo struct {
	Asset       string           `json:"asset"`
	Status      models.LogStatus `json:"status"`
	SkipReason  string           `json:"skip_reason"`
	ErrorDetail string           `json:"error_detail"`
	ExecutedAt  time.Time        `json:"executed_at"`
}

// RuleAlert 规则的聚合告警
type RuleAlert struct {
	RuleID      string           `json:"rule_id"`
	RuleName    string           `json:"rule_name"`
	Level       string           `json:"level"`
	Details     []string         `json:"details"`
	Assets      []AssetAlertInfo `json:"assets"`
	DismissedAt *time.Time       `json:"dismissed_at"`
}

// DeriveAlert 从运行状态和最新日志推导规则的告警
// 多个币种状态不一致时取最严重的级别，明细里列出所有不同原因
func (s *RuleService) DeriveAlert(ctx context.Context, rule *models.PricingRule) (*RuleAlert, error) {
	logs, err := s.logRepo.FindLatestPerAsset(ctx, rule.ID)
	if err != nil {
		return nil, err
	}

	alert := &RuleAlert{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Level:       AlertLevelNone,
		DismissedAt: rule.AlertDismissedAt,
	}

	seen := make(map[string]bool)
	for _, log := range logs {
		info := AssetAlertInfo{
			Asset:       log.Asset,
			Status:      log.Status,
			SkipReason:  log.SkipReason,
			ErrorDetail: log.ErrorDetail,
			ExecutedAt:  log.ExecutedAt,
		}
		alert.Assets = append(alert.Assets, info)

		level, detail := alertLevelForLog(log)
		if detail != "" && !seen[detail] {
			seen[detail] = true
			alert.Details = append(alert.Details, detail)
		}
		if alertSeverity[level] > alertSeverity[alert.Level] {
			alert.Level = level
		}
	}

	if !rule.IsActive && alertSeverity[AlertLevelAutoPaused] > alertSeverity[alert.Level] {
		alert.Level = AlertLevelAutoPaused
	}
	return alert, nil
}

// alertLevelForLog 单条最新日志对应的告警级别和明细
func alertLevelForLog(log models.PricingLog) (string, string) {
	switch {
	case log.Status == models.LogStatusError:
		return AlertLevelError, fmt.Sprintf("%s: %s", log.Asset, log.ErrorDetail)
	case log.Status == models.LogStatusSkipped && log.SkipReason == models.SkipReasonDeviationExceeded:
		return AlertLevelDeviation, fmt.Sprintf("%s: 偏差超限 %.2f%%", log.Asset, log.DeviationPct)
	case log.Status == models.LogStatusSkipped && log.SkipReason == models.SkipReasonNoMerchant:
		return AlertLevelMerchantMissing, fmt.Sprintf("%s: 未找到目标商家", log.Asset)
	}
	return AlertLevelNone, ""
}

// DeriveAlerts 推导全部规则的告警
func (s *RuleService) DeriveAlerts(ctx context.Context) ([]*RuleAlert, error) {
	rules, err := s.ruleRepo.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	alerts := make([]*RuleAlert, 0, len(rules))
	for i := range rules {
		alert, err := s.DeriveAlert(ctx, &rules[i])
		if err != nil {
			s.logger.Warn("failed to derive alert",
				zap.String("rule_id", rules[i].ID),
				zap.Error(err))
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// ListLogs 查询执行日志
func (s *RuleService) ListLogs(ctx context.Context, filter repo.LogFilter) ([]models.PricingLog, error) {
	return s.logRepo.FindByFilter(ctx, filter)
}

// validate 配置校验，不合法的规则不会进入调度
func (s *RuleService) validate(ctx context.Context, rule *models.PricingRule) error {
	if rule.Name == "" {
		return xe.ErrInvalidParams
	}
	if rule.Side != models.TradeSideBuy && rule.Side != models.TradeSideSell {
		return xe.ErrInvalidParams
	}
	if rule.PriceMode != models.PriceModeFixed && rule.PriceMode != models.PriceModeFloating {
		return xe.ErrInvalidParams
	}
	if rule.OffsetDirection != models.OffsetDirectionUndercut && rule.OffsetDirection != models.OffsetDirectionOvercut {
		return xe.ErrInvalidParams
	}

	hasMerchant := false
	for _, nickname := range rule.PriorityMerchants {
		if nickname != "" {
			hasMerchant = true
			break
		}
	}
	if !hasMerchant {
		return xe.ErrEmptyPriorityList
	}

	if len(rule.SelectedAssets) == 0 {
		return xe.ErrNoSelectedAssets
	}

	minInterval := s.conf.MinCheckIntervalSeconds
	if minInterval <= 0 {
		minInterval = 10
	}
	if rule.CheckIntervalSeconds < minInterval {
		return xe.ErrIntervalTooSmall
	}

	if err := validateActiveHours(rule.ActiveHoursStart, rule.ActiveHoursEnd); err != nil {
		return err
	}

	configs := rule.AssetConfigs.Data()
	selected := make(map[string]bool, len(rule.SelectedAssets))
	for _, asset := range rule.SelectedAssets {
		selected[asset] = true
	}
	// 每个配置必须对应一个选中的币种，避免悄悄忽略孤儿配置
	for asset := range configs {
		if !selected[asset] {
			return xe.ErrOrphanAssetConfig
		}
	}

	for _, asset := range rule.SelectedAssets {
		cfg, ok := configs[asset]
		if !ok || len(cfg.AdNumbers) == 0 {
			return xe.ErrMissingAssetConfig
		}
		adSeen := make(map[string]bool, len(cfg.AdNumbers))
		for _, advNo := range cfg.AdNumbers {
			if adSeen[advNo] {
				return xe.ErrDuplicateAdNumber
			}
			adSeen[advNo] = true
		}
		if rule.PriceMode == models.PriceModeFixed &&
			cfg.MinFloor != nil && cfg.MaxCeiling != nil && *cfg.MinFloor > *cfg.MaxCeiling {
			return xe.ErrInvalidBounds
		}
		if rule.PriceMode == models.PriceModeFloating &&
			cfg.MinRatioFloor != nil && cfg.MaxRatioCeiling != nil && *cfg.MinRatioFloor > *cfg.MaxRatioCeiling {
			return xe.ErrInvalidBounds
		}
	}

	s.validateAdOwnership(ctx, rule, configs)
	return nil
}

// validateAdOwnership 尽力校验广告编号归属，市场接口不可用时只告警不阻断
func (s *RuleService) validateAdOwnership(ctx context.Context, rule *models.PricingRule,
	configs map[string]models.AssetConfig) {

	for _, asset := range rule.SelectedAssets {
		cfg := configs[asset]
		owned, err := s.marketService.ListOwnedAds(ctx, asset, rule.Side)
		if err != nil {
			s.logger.Warn("skip ad ownership check",
				zap.String("asset", asset),
				zap.Error(err))
			continue
		}
		ownedSet := make(map[string]bool, len(owned))
		for _, ad := range owned {
			ownedSet[ad.AdvNo] = true
		}
		for _, advNo := range cfg.AdNumbers {
			if !ownedSet[advNo] {
				s.logger.Warn("ad number not found in owned ads",
					zap.String("asset", asset),
					zap.String("adv_no", advNo))
			}
		}
	}
}

func validateActiveHours(start, end string) error {
	if start == "" && end == "" {
		return nil
	}
	if start == "" || end == "" {
		return xe.ErrInvalidActiveHours
	}
	for _, v := range []string{start, end} {
		if _, err := time.Parse("15:04", v); err != nil {
			return xe.ErrInvalidActiveHours
		}
	}
	return nil
}
