//go:build wireinject
// +build wireinject

package internal

import (
	"net/http"
	"time"

	"github.com/dushixiang/anchor/pkg/exchange"
	"github.com/dushixiang/anchor/pkg/p2p"
	"github.com/google/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/internal/handler"
	"github.com/dushixiang/anchor/internal/repo"
	"github.com/dushixiang/anchor/internal/service"
	"github.com/dushixiang/anchor/internal/telegram"
)

const telegramHTTPTimeout = 10 * time.Second

var (
	handlerSet = wire.NewSet(
		handler.NewPricingHandler,
	)

	repoSet = wire.NewSet(
		repo.NewPricingRuleRepo,
		repo.NewPricingLogRepo,
	)

	engineSet = wire.NewSet(
		provideP2PClient,
		provideBinanceClient,
		service.NewMarketService,
		service.NewPricingService,
		service.NewNotifyService,
		service.NewEngineService,
		service.NewEngineLoop,
		service.NewRuleService,
	)
)

// InitializeApp 初始化应用
func InitializeApp(logger *zap.Logger, db *gorm.DB, conf *config.Config) (*AppComponents, error) {
	wire.Build(
		handlerSet,
		repoSet,
		engineSet,
		provideTelegram,
		wire.Struct(new(AppComponents), "*"),
	)
	return nil, nil
}

// provideTelegram provides telegram instance
func provideTelegram(logger *zap.Logger, conf *config.Config) *telegram.Telegram {
	if !conf.Telegram.Enabled {
		return nil
	}

	httpClient := &http.Client{Timeout: telegramHTTPTimeout}

	tg, err := telegram.NewTelegram(logger, telegram.Settings{
		Token:  conf.Telegram.Token,
		Client: httpClient,
	})
	if err != nil {
		logger.Error("failed to init telegram", zap.Error(err))
		return nil
	}

	return tg
}

// provideP2PClient provides Binance C2C client
func provideP2PClient(conf *config.Config, logger *zap.Logger) (*p2p.Client, error) {
	client, err := p2p.NewClient(
		conf.P2P.BaseURL,
		conf.P2P.Token,
		conf.P2P.CSRFToken,
		conf.P2P.ProxyURL,
	)
	if err != nil {
		return nil, err
	}

	if conf.P2P.Token == "" {
		logger.Warn("P2P merchant token not configured; private endpoints will fail")
	}

	logger.Info("P2P client initialized",
		zap.Bool("has_credentials", conf.P2P.Token != ""),
	)
	return client, nil
}

// provideBinanceClient provides Binance spot client for reference prices
func provideBinanceClient(conf *config.Config, logger *zap.Logger) *exchange.BinanceClient {
	client := exchange.NewBinanceClient(conf.Binance.ProxyURL)

	logger.Info("Binance spot client initialized",
		zap.Bool("has_proxy", conf.Binance.ProxyURL != ""),
	)
	return client
}
