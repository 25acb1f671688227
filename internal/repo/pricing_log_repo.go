package repo

import (
	"context"
	"time"

	"github.com/dushixiang/anchor/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

func NewPricingLogRepo(db *gorm.DB) *PricingLogRepo {
	return &PricingLogRepo{
		Repository: orz.NewRepository[models.PricingLog, string](db),
	}
}

type PricingLogRepo struct {
	orz.Repository[models.PricingLog, string]
}

// LogFilter 日志查询条件
type LogFilter struct {
	RuleID string
	Asset  string
	Status models.LogStatus
	Limit  int
}

// FindByFilter 按条件倒序查询日志
func (r PricingLogRepo) FindByFilter(ctx context.Context, filter LogFilter) ([]models.PricingLog, error) {
	var logs []models.PricingLog
	db := r.GetDB(ctx).Table(r.GetTableName())

	if filter.RuleID != "" {
		db = db.Where("rule_id = ?", filter.RuleID)
	}
	if filter.Asset != "" {
		db = db.Where("asset = ?", filter.Asset)
	}
	if filter.Status != "" {
		db = db.Where("status = ?", filter.Status)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	err := db.Order("executed_at DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

// FindLatestPerAsset 查询规则下每个币种的最新一条日志
// 按（币种，时间）成对匹配，避免不同币种的同刻日志互相串台
func (r PricingLogRepo) FindLatestPerAsset(ctx context.Context, ruleID string) ([]models.PricingLog, error) {
	var logs []models.PricingLog
	db := r.GetDB(ctx)
	sub := db.Table(r.GetTableName()).
		Select("asset, MAX(executed_at)").
		Where("rule_id = ?", ruleID).
		Group("asset")
	err := db.Table(r.GetTableName()).
		Where("rule_id = ?", ruleID).
		Where("(asset, executed_at) IN (?)", sub).
		Order("asset ASC").
		Find(&logs).Error
	return logs, err
}

// FindLatestByRuleAsset 查询规则+币种的最新一条日志
func (r PricingLogRepo) FindLatestByRuleAsset(ctx context.Context, ruleID, asset string) (models.PricingLog, error) {
	var log models.PricingLog
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("rule_id = ? AND asset = ?", ruleID, asset).
		Order("executed_at DESC").
		First(&log).Error
	return log, err
}

// FindLatestSuccess 查询规则+币种最近一次成功调价的日志
// 用作单周期幅度限制和人工改价检测的基准
func (r PricingLogRepo) FindLatestSuccess(ctx context.Context, ruleID, asset string) (models.PricingLog, error) {
	var log models.PricingLog
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("rule_id = ? AND asset = ? AND status = ?", ruleID, asset, models.LogStatusSuccess).
		Order("executed_at DESC").
		First(&log).Error
	return log, err
}

// DeleteOlderThan 清理过期日志
func (r PricingLogRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	db := r.GetDB(ctx)
	result := db.Table(r.GetTableName()).
		Where("executed_at < ?", before).
		Delete(&models.PricingLog{})
	return result.RowsAffected, result.Error
}
