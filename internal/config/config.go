package config

type Config struct {
	Telegram TelegramConf `json:"telegram"`
	Binance  BinanceConf  `json:"binance"`
	P2P      P2PConf      `json:"p2p"`
	Engine   EngineConf   `json:"engine"`
}

type TelegramConf struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  string `json:"chat_id"`
}

type BinanceConf struct {
	ProxyURL string `json:"proxy_url"` // 代理地址，例如: http://127.0.0.1:7890
}

type P2PConf struct {
	BaseURL   string `json:"base_url"`   // C2C接口地址，默认 https://p2p.binance.com
	Token     string `json:"token"`      // 商家账号令牌
	CSRFToken string `json:"csrf_token"` // 私有接口所需的csrf令牌
	ProxyURL  string `json:"proxy_url"`  // 代理地址
}

type EngineConf struct {
	Fiat                     string  `json:"fiat"`                       // 法币，如 USD、RUB
	FiatRate                 float64 `json:"fiat_rate"`                  // 1 USDT 对应的法币汇率，USD时为1
	SnapshotRows             int     `json:"snapshot_rows"`              // 每次拉取的竞争对手广告数量，默认20
	SnapshotTTLSeconds       int     `json:"snapshot_ttl_seconds"`       // 快照缓存时间，默认5
	ReferenceSmoothingPeriod int     `json:"reference_smoothing_period"` // 参考价SMA平滑周期，默认10
	MinCheckIntervalSeconds  int     `json:"min_check_interval_seconds"` // 规则允许的最小检查间隔，默认10
	LogRetentionDays         int     `json:"log_retention_days"`         // 日志保留天数，0表示不清理
}
