package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/pkg/exchange"
	"github.com/dushixiang/anchor/pkg/p2p"
	"github.com/dushixiang/anchor/pkg/ta"
	"go.uber.org/zap"
)

// MarketService 市场数据服务
// 提供竞争对手广告快照（带短时缓存）和市场参考价
type MarketService struct {
	logger *zap.Logger
	conf   config.EngineConf

	p2pClient     *p2p.Client
	binanceClient *exchange.BinanceClient

	cacheLock sync.Mutex
	snapshots map[string]*snapshotEntry
}

type snapshotEntry struct {
	ads       []p2p.CompetitorAd
	fetchedAt time.Time
}

// NewMarketService 创建市场数据服务
func NewMarketService(conf *config.Config, p2pClient *p2p.Client,
	binanceClient *exchange.BinanceClient, logger *zap.Logger) *MarketService {
	return &MarketService{
		logger:        logger,
		conf:          conf.Engine,
		p2pClient:     p2pClient,
		binanceClient: binanceClient,
		snapshots:     make(map[string]*snapshotEntry),
	}
}

// Snapshot 获取竞争对手广告快照
// 同一个tick内多条规则盯同一市场时复用一次接口调用
func (s *MarketService) Snapshot(ctx context.Context, asset string, side models.TradeSide) ([]p2p.CompetitorAd, error) {
	key := fmt.Sprintf("%s|%s|%s", asset, s.conf.Fiat, side)
	ttl := time.Duration(s.conf.SnapshotTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Second
	}

	s.cacheLock.Lock()
	if entry, ok := s.snapshots[key]; ok && time.Since(entry.fetchedAt) < ttl {
		ads := entry.ads
		s.cacheLock.Unlock()
		return ads, nil
	}
	s.cacheLock.Unlock()

	rows := s.conf.SnapshotRows
	if rows <= 0 {
		rows = 20
	}
	ads, err := s.p2pClient.SearchAds(ctx, asset, s.conf.Fiat, p2p.TradeType(side), rows)
	if err != nil {
		return nil, err
	}

	s.cacheLock.Lock()
	s.snapshots[key] = &snapshotEntry{ads: ads, fetchedAt: time.Now()}
	s.cacheLock.Unlock()

	s.logger.Debug("market snapshot refreshed",
		zap.String("asset", asset),
		zap.String("side", string(side)),
		zap.Int("ads", len(ads)))
	return ads, nil
}

// ReferencePrice 计算市场参考价（法币计价）
// 取现货最近的1分钟K线收盘价做SMA平滑，再乘以法币汇率
func (s *MarketService) ReferencePrice(ctx context.Context, asset string) (float64, error) {
	rate := s.conf.FiatRate
	if rate <= 0 {
		rate = 1
	}
	// 稳定币本身没有现货交易对，参考价即法币汇率
	if asset == "USDT" {
		return rate, nil
	}

	period := s.conf.ReferenceSmoothingPeriod
	if period <= 0 {
		period = 10
	}

	symbol := asset + "USDT"
	klines, err := s.binanceClient.GetKlines(ctx, symbol, "1m", period*2)
	if err != nil || len(klines) == 0 {
		// K线不可用时退回最新成交价，放弃本次平滑
		price, perr := s.binanceClient.GetPrice(ctx, symbol)
		if perr != nil {
			return 0, fmt.Errorf("reference price for %s: %w", asset, perr)
		}
		s.logger.Warn("reference price fell back to last trade price",
			zap.String("symbol", symbol),
			zap.Error(err))
		return price * rate, nil
	}

	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	usdtPrice := ta.SMA(ta.LastValues(closes, period), period)
	return usdtPrice * rate, nil
}

// SearchMerchant 定向查找商家，规则编辑器预览用
func (s *MarketService) SearchMerchant(ctx context.Context, asset string, side models.TradeSide, nickname string) (*p2p.MerchantInfo, error) {
	return s.p2pClient.SearchMerchant(ctx, asset, s.conf.Fiat, p2p.TradeType(side), nickname)
}

// ListOwnedAds 获取自己的广告列表，规则编辑器选择广告用
func (s *MarketService) ListOwnedAds(ctx context.Context, asset string, side models.TradeSide) ([]p2p.OwnedAd, error) {
	filter := p2p.OwnedAdFilter{
		Asset: asset,
		Fiat:  s.conf.Fiat,
	}
	if side != "" {
		filter.TradeType = p2p.TradeType(side)
	}
	return s.p2pClient.ListOwnedAds(ctx, filter)
}
