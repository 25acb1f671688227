package service

import (
	"fmt"
	"time"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/internal/telegram"
	"github.com/valyala/fasttemplate"
	"go.uber.org/zap"
)

const autoPausedTemplate = `⏸ *规则已自动暂停*
规则: {{rule_name}}
原因: {{reason}}
时间: {{time}}

请在控制台检查后手动重置。`

const errorStreakTemplate = `⚠️ *规则连续出错*
规则: {{rule_name}}
连续错误: {{count}} 次
最近错误: {{error}}`

// NotifyService 操作员告警推送
// telegram未启用时为空实现
type NotifyService struct {
	logger *zap.Logger
	conf   config.TelegramConf
	tg     *telegram.Telegram
}

// NewNotifyService 创建告警推送服务
func NewNotifyService(conf *config.Config, tg *telegram.Telegram, logger *zap.Logger) *NotifyService {
	return &NotifyService{
		logger: logger,
		conf:   conf.Telegram,
		tg:     tg,
	}
}

func (s *NotifyService) send(msg string) {
	if s.tg == nil || !s.conf.Enabled {
		return
	}
	if err := s.tg.Notify(s.conf.ChatID, msg); err != nil {
		s.logger.Warn("failed to send telegram notification", zap.Error(err))
	}
}

// RuleAutoPaused 规则被自动暂停时推送
func (s *NotifyService) RuleAutoPaused(rule *models.PricingRule, reason string) {
	tmpl := fasttemplate.New(autoPausedTemplate, "{{", "}}")
	msg := tmpl.ExecuteString(map[string]interface{}{
		"rule_name": telegram.EscapeMarkdown(rule.Name),
		"reason":    telegram.EscapeMarkdown(reason),
		"time":      time.Now().Format("2006-01-02 15:04:05"),
	})
	s.send(msg)
}

// RuleErrorStreak 规则连续出错时推送
func (s *NotifyService) RuleErrorStreak(rule *models.PricingRule, count int, lastError string) {
	tmpl := fasttemplate.New(errorStreakTemplate, "{{", "}}")
	msg := tmpl.ExecuteString(map[string]interface{}{
		"rule_name": telegram.EscapeMarkdown(rule.Name),
		"count":     fmt.Sprintf("%d", count),
		"error":     telegram.EscapeMarkdown(lastError),
	})
	s.send(msg)
}
