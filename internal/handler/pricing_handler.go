package handler

import (
	"net/http"

	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/internal/repo"
	"github.com/dushixiang/anchor/internal/service"
	"github.com/dushixiang/anchor/internal/xe"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// PricingHandler 自动定价HTTP处理器
type PricingHandler struct {
	ruleService   *service.RuleService
	marketService *service.MarketService
	engineLoop    *service.EngineLoop
	logger        *zap.Logger
}

// NewPricingHandler 创建定价处理器
func NewPricingHandler(
	ruleService *service.RuleService,
	marketService *service.MarketService,
	engineLoop *service.EngineLoop,
	logger *zap.Logger,
) *PricingHandler {
	return &PricingHandler{
		ruleService:   ruleService,
		marketService: marketService,
		engineLoop:    engineLoop,
		logger:        logger,
	}
}

// ruleRequest 规则创建/更新请求
type ruleRequest struct {
	Name            string                        `json:"name" validate:"required,max=100"`
	Side            models.TradeSide              `json:"side" validate:"required,oneof=BUY SELL"`
	PriceMode       models.PriceMode              `json:"price_mode" validate:"required,oneof=FIXED FLOATING"`
	Fiat            string                        `json:"fiat" validate:"required"`
	OffsetDirection models.OffsetDirection        `json:"offset_direction" validate:"required,oneof=UNDERCUT OVERCUT"`
	SelectedAssets  []string                      `json:"selected_assets" validate:"required,min=1"`
	AssetConfigs    map[string]models.AssetConfig `json:"asset_configs" validate:"required"`

	PriorityMerchants      []string `json:"priority_merchants" validate:"required,min=1"`
	OnlyCounterWhenOnline  bool     `json:"only_counter_when_online"`
	PauseIfNoMerchantFound bool     `json:"pause_if_no_merchant_found"`

	MaxDeviationFromMarketPct float64 `json:"max_deviation_from_market_pct" validate:"gte=0"`
	MaxPriceChangePerCycle    float64 `json:"max_price_change_per_cycle" validate:"gte=0"`
	MaxRatioChangePerCycle    float64 `json:"max_ratio_change_per_cycle" validate:"gte=0"`
	AutoPauseAfterDeviations  int     `json:"auto_pause_after_deviations" validate:"gte=0"`
	AutoPauseAfterErrors      int     `json:"auto_pause_after_errors" validate:"gte=0"`

	CheckIntervalSeconds          int      `json:"check_interval_seconds" validate:"required,gte=1"`
	ActiveHoursStart              string   `json:"active_hours_start"`
	ActiveHoursEnd                string   `json:"active_hours_end"`
	RestingPrice                  *float64 `json:"resting_price"`
	RestingRatio                  *float64 `json:"resting_ratio"`
	ManualOverrideCooldownMinutes int      `json:"manual_override_cooldown_minutes" validate:"gte=0"`
}

func (r *ruleRequest) toModel() *models.PricingRule {
	return &models.PricingRule{
		Name:                          r.Name,
		Side:                          r.Side,
		PriceMode:                     r.PriceMode,
		Fiat:                          r.Fiat,
		OffsetDirection:               r.OffsetDirection,
		SelectedAssets:                r.SelectedAssets,
		AssetConfigs:                  datatypes.NewJSONType(r.AssetConfigs),
		PriorityMerchants:             r.PriorityMerchants,
		OnlyCounterWhenOnline:         r.OnlyCounterWhenOnline,
		PauseIfNoMerchantFound:        r.PauseIfNoMerchantFound,
		MaxDeviationFromMarketPct:     r.MaxDeviationFromMarketPct,
		MaxPriceChangePerCycle:        r.MaxPriceChangePerCycle,
		MaxRatioChangePerCycle:        r.MaxRatioChangePerCycle,
		AutoPauseAfterDeviations:      r.AutoPauseAfterDeviations,
		AutoPauseAfterErrors:          r.AutoPauseAfterErrors,
		CheckIntervalSeconds:          r.CheckIntervalSeconds,
		ActiveHoursStart:              r.ActiveHoursStart,
		ActiveHoursEnd:                r.ActiveHoursEnd,
		RestingPrice:                  r.RestingPrice,
		RestingRatio:                  r.RestingRatio,
		ManualOverrideCooldownMinutes: r.ManualOverrideCooldownMinutes,
	}
}

// GetStatus 获取调度器状态
// GET /api/pricing/status
func (h *PricingHandler) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.engineLoop.GetStatus())
}

// ListRules 获取规则列表
// GET /api/pricing/rules
func (h *PricingHandler) ListRules(c echo.Context) error {
	ctx := c.Request().Context()
	rules, err := h.ruleService.FindAll(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count": len(rules),
		"rules": rules,
	})
}

// GetRule 获取单条规则
// GET /api/pricing/rules/:id
func (h *PricingHandler) GetRule(c echo.Context) error {
	ctx := c.Request().Context()
	rule, err := h.ruleService.FindById(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rule)
}

// CreateRule 创建规则
// POST /api/pricing/rules
func (h *PricingHandler) CreateRule(c echo.Context) error {
	ctx := c.Request().Context()

	var req ruleRequest
	if err := c.Bind(&req); err != nil {
		return xe.ErrInvalidParams
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	rule := req.toModel()
	if err := h.ruleService.Create(ctx, rule); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rule)
}

// UpdateRule 更新规则
// PUT /api/pricing/rules/:id
func (h *PricingHandler) UpdateRule(c echo.Context) error {
	ctx := c.Request().Context()

	var req ruleRequest
	if err := c.Bind(&req); err != nil {
		return xe.ErrInvalidParams
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	if err := h.ruleService.Update(ctx, c.Param("id"), req.toModel()); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

// DeleteRule 删除规则
// DELETE /api/pricing/rules/:id
func (h *PricingHandler) DeleteRule(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.ruleService.Delete(ctx, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

// ToggleRule 手动启用/暂停规则
// POST /api/pricing/rules/:id/toggle
func (h *PricingHandler) ToggleRule(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		Active bool `json:"active"`
	}
	if err := c.Bind(&req); err != nil {
		return xe.ErrInvalidParams
	}

	if err := h.ruleService.ToggleActive(ctx, c.Param("id"), req.Active); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

// TriggerRule 立即执行一个评估周期
// POST /api/pricing/rules/:id/trigger
func (h *PricingHandler) TriggerRule(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := h.ruleService.FindById(ctx, id); err != nil {
		return err
	}
	if err := h.engineLoop.ManualTrigger(ctx, id); err != nil {
		h.logger.Error("manual trigger failed", zap.String("rule_id", id), zap.Error(err))
		return err
	}
	return c.NoContent(http.StatusOK)
}

// ResetRule 清零计数器并重新启用
// POST /api/pricing/rules/:id/reset
func (h *PricingHandler) ResetRule(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.ruleService.ResetState(ctx, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

// DismissAlert 确认告警
// POST /api/pricing/rules/:id/dismiss-alert
func (h *PricingHandler) DismissAlert(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.ruleService.DismissAlert(ctx, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

// GetAlerts 获取全部规则的告警
// GET /api/pricing/rules/alerts
func (h *PricingHandler) GetAlerts(c echo.Context) error {
	ctx := c.Request().Context()
	alerts, err := h.ruleService.DeriveAlerts(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":  len(alerts),
		"alerts": alerts,
	})
}

// ListLogs 查询执行日志
// GET /api/pricing/logs?rule_id=&asset=&status=&limit=
func (h *PricingHandler) ListLogs(c echo.Context) error {
	ctx := c.Request().Context()

	filter := repo.LogFilter{
		RuleID: c.QueryParam("rule_id"),
		Asset:  c.QueryParam("asset"),
		Status: models.LogStatus(c.QueryParam("status")),
		Limit:  cast.ToInt(c.QueryParam("limit")),
	}
	logs, err := h.ruleService.ListLogs(ctx, filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count": len(logs),
		"logs":  logs,
	})
}

// ListOwnedAds 获取自己的广告列表，规则编辑器用
// GET /api/pricing/ads?asset=&side=
func (h *PricingHandler) ListOwnedAds(c echo.Context) error {
	ctx := c.Request().Context()
	ads, err := h.marketService.ListOwnedAds(ctx,
		c.QueryParam("asset"), models.TradeSide(c.QueryParam("side")))
	if err != nil {
		h.logger.Error("failed to list owned ads", zap.Error(err))
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count": len(ads),
		"ads":   ads,
	})
}

// SearchMerchant 定向查找商家，规则编辑器预览用
// GET /api/pricing/merchants/search?asset=&side=&nickname=
func (h *PricingHandler) SearchMerchant(c echo.Context) error {
	ctx := c.Request().Context()

	asset := c.QueryParam("asset")
	nickname := c.QueryParam("nickname")
	if asset == "" || nickname == "" {
		return xe.ErrInvalidParams
	}
	side := models.TradeSide(c.QueryParam("side"))
	if side == "" {
		side = models.TradeSideSell
	}

	merchant, err := h.marketService.SearchMerchant(ctx, asset, side, nickname)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, merchant)
}

// RegisterRoutes 注册路由
func (h *PricingHandler) RegisterRoutes(g *echo.Group) {
	pricing := g.Group("/pricing")

	// 查询接口
	pricing.GET("/status", h.GetStatus)
	pricing.GET("/rules", h.ListRules)
	pricing.GET("/rules/alerts", h.GetAlerts)
	pricing.GET("/rules/:id", h.GetRule)
	pricing.GET("/logs", h.ListLogs)
	pricing.GET("/ads", h.ListOwnedAds)
	pricing.GET("/merchants/search", h.SearchMerchant)

	// 控制接口
	pricing.POST("/rules", h.CreateRule)
	pricing.PUT("/rules/:id", h.UpdateRule)
	pricing.DELETE("/rules/:id", h.DeleteRule)
	pricing.POST("/rules/:id/toggle", h.ToggleRule)
	pricing.POST("/rules/:id/trigger", h.TriggerRule)
	pricing.POST("/rules/:id/reset", h.ResetRule)
	pricing.POST("/rules/:id/dismiss-alert", h.DismissAlert)
}
