package p2p

// TradeType 广告方向，取值与币安C2C接口一致
type TradeType string

const (
	TradeTypeBuy  TradeType = "BUY"
	TradeTypeSell TradeType = "SELL"
)

// CompetitorAd 市场快照中的一条竞争对手广告
// 快照按市场排序返回：BUY方向价格升序，SELL方向价格降序
type CompetitorAd struct {
	AdvNo            string  `json:"adv_no"`
	MerchantNickname string  `json:"merchant_nickname"`
	Price            float64 `json:"price"`
	Online           bool    `json:"online"`
	UserType         string  `json:"user_type"` // user / merchant / block_merchant
	MonthOrderCount  int     `json:"month_order_count"`
	MonthFinishRate  float64 `json:"month_finish_rate"`
}

// MerchantInfo 商家搜索结果
type MerchantInfo struct {
	Found          bool    `json:"found"`
	Nickname       string  `json:"nickname"`
	Price          float64 `json:"price"`
	Online         bool    `json:"online"`
	UserType       string  `json:"user_type"`
	CompletionRate float64 `json:"completion_rate"`
	OrderCount     int     `json:"order_count"`
}

// OwnedAd 自己发布的广告
type OwnedAd struct {
	AdvNo         string  `json:"adv_no"`
	Asset         string  `json:"asset"`
	Fiat          string  `json:"fiat"`
	TradeType     string  `json:"trade_type"`
	Price         float64 `json:"price"`
	PriceType     string  `json:"price_type"` // FIXED / FLOATING
	FloatingRatio float64 `json:"floating_ratio"`
	Status        string  `json:"status"`
}

// OwnedAdFilter 广告列表过滤条件
type OwnedAdFilter struct {
	Asset     string
	Fiat      string
	TradeType TradeType
}
