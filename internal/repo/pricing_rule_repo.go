package repo

import (
	"context"

	"github.com/dushixiang/anchor/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

func NewPricingRuleRepo(db *gorm.DB) *PricingRuleRepo {
	return &PricingRuleRepo{
		Repository: orz.NewRepository[models.PricingRule, string](db),
	}
}

type PricingRuleRepo struct {
	orz.Repository[models.PricingRule, string]
}

// FindAllActive 查询所有启用中的规则
func (r PricingRuleRepo) FindAllActive(ctx context.Context) ([]models.PricingRule, error) {
	var rules []models.PricingRule
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("is_active = ?", true).
		Order("created_at ASC").
		Find(&rules).Error
	return rules, err
}

// UpdateColumns 更新规则的运行状态字段
// 引擎侧的计数器读改写都发生在持有规则锁的周期内，这里只做落库
func (r PricingRuleRepo) UpdateColumns(ctx context.Context, id string, columns map[string]interface{}) error {
	db := r.GetDB(ctx)
	return db.Table(r.GetTableName()).
		Where("id = ?", id).
		Updates(columns).Error
}
