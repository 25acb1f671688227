package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/internal/repo"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// EngineLoop 规则调度器
// 每条启用的规则按自己的检查间隔独立调度，互不阻塞
type EngineLoop struct {
	conf          config.EngineConf
	engineService *EngineService
	ruleRepo      *repo.PricingRuleRepo
	logRepo       *repo.PricingLogRepo
	logger        *zap.Logger

	mu        sync.Mutex
	isRunning bool
	startTime time.Time
	stopChan  chan struct{}
	cron      *cron.Cron
	entries   map[string]cron.EntryID
}

// NewEngineLoop 创建规则调度器
func NewEngineLoop(
	conf *config.Config,
	engineService *EngineService,
	ruleRepo *repo.PricingRuleRepo,
	logRepo *repo.PricingLogRepo,
	logger *zap.Logger,
) *EngineLoop {
	return &EngineLoop{
		conf:          conf.Engine,
		engineService: engineService,
		ruleRepo:      ruleRepo,
		logRepo:       logRepo,
		logger:        logger,
		stopChan:      make(chan struct{}),
		entries:       make(map[string]cron.EntryID),
	}
}

// Start 启动调度器，恢复所有启用中的规则，阻塞直到停止
func (t *EngineLoop) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.isRunning {
		t.mu.Unlock()
		return fmt.Errorf("engine loop is already running")
	}
	t.isRunning = true
	t.startTime = time.Now()
	t.cron = cron.New()
	t.mu.Unlock()

	rules, err := t.ruleRepo.FindAllActive(ctx)
	if err != nil {
		return fmt.Errorf("load active rules: %w", err)
	}
	for i := range rules {
		t.Schedule(&rules[i])
	}

	// 日志保留清理任务，每天凌晨4点
	if t.conf.LogRetentionDays > 0 {
		_, err := t.cron.AddFunc("0 4 * * *", t.cleanupLogs)
		if err != nil {
			return fmt.Errorf("add cleanup job: %w", err)
		}
	}

	t.cron.Start()
	t.logger.Info("engine loop started", zap.Int("scheduled_rules", len(rules)))

	select {
	case <-t.stopChan:
		t.logger.Info("engine loop stopped by user")
		return nil
	case <-ctx.Done():
		t.logger.Info("engine loop stopped by context")
		t.shutdown()
		return ctx.Err()
	}
}

// Stop 停止调度器，等待进行中的周期完成
func (t *EngineLoop) Stop() {
	t.mu.Lock()
	if !t.isRunning {
		t.mu.Unlock()
		return
	}
	t.isRunning = false
	t.mu.Unlock()

	t.shutdown()
	close(t.stopChan)
}

func (t *EngineLoop) shutdown() {
	if t.cron != nil {
		stopCtx := t.cron.Stop()
		<-stopCtx.Done() // 等待进行中的任务完成，让其正常落日志
		t.logger.Info("cron scheduler stopped")
	}
}

// Schedule 将规则加入调度，已在调度中的先移除
func (t *EngineLoop) Schedule(rule *models.PricingRule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cron == nil {
		return
	}

	if entryID, ok := t.entries[rule.ID]; ok {
		t.cron.Remove(entryID)
		delete(t.entries, rule.ID)
	}

	interval := rule.CheckIntervalSeconds
	minInterval := t.conf.MinCheckIntervalSeconds
	if minInterval <= 0 {
		minInterval = 10
	}
	if interval < minInterval {
		interval = minInterval
	}

	ruleID := rule.ID
	spec := fmt.Sprintf("@every %ds", interval)
	entryID, err := t.cron.AddFunc(spec, func() {
		if err := t.engineService.EvaluateRule(context.Background(), ruleID); err != nil {
			t.logger.Error("rule evaluation failed",
				zap.String("rule_id", ruleID),
				zap.Error(err))
		}
	})
	if err != nil {
		t.logger.Error("failed to schedule rule",
			zap.String("rule_id", rule.ID),
			zap.String("spec", spec),
			zap.Error(err))
		return
	}

	t.entries[rule.ID] = entryID
	t.logger.Info("rule scheduled",
		zap.String("rule", rule.Name),
		zap.Int("interval_seconds", interval))
}

// Unschedule 将规则移出调度，进行中的周期会正常完成
func (t *EngineLoop) Unschedule(ruleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entryID, ok := t.entries[ruleID]; ok {
		t.cron.Remove(entryID)
		delete(t.entries, ruleID)
		t.logger.Info("rule unscheduled", zap.String("rule_id", ruleID))
	}
}

// Resync 规则配置变更后重建调度
func (t *EngineLoop) Resync(rule *models.PricingRule) {
	if rule.IsActive {
		t.Schedule(rule)
	} else {
		t.Unschedule(rule.ID)
	}
}

// ManualTrigger 立即执行一个评估周期，不影响原有调度节奏
// 与定时周期通过规则锁串行
func (t *EngineLoop) ManualTrigger(ctx context.Context, ruleID string) error {
	return t.engineService.EvaluateRule(ctx, ruleID)
}

// IsRunning 检查是否正在运行
func (t *EngineLoop) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isRunning
}

// GetStatus 获取调度器状态
func (t *EngineLoop) GetStatus() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]interface{}{
		"is_running":      t.isRunning,
		"start_time":      t.startTime,
		"elapsed_hours":   time.Since(t.startTime).Hours(),
		"scheduled_rules": len(t.entries),
	}
}

func (t *EngineLoop) cleanupLogs() {
	before := time.Now().AddDate(0, 0, -t.conf.LogRetentionDays)
	deleted, err := t.logRepo.DeleteOlderThan(context.Background(), before)
	if err != nil {
		t.logger.Error("failed to cleanup pricing logs", zap.Error(err))
		return
	}
	t.logger.Info("pricing logs cleaned up",
		zap.Int64("deleted", deleted),
		zap.Time("before", before))
}
