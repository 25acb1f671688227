package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultBaseURL = "https://p2p.binance.com"

// Client 币安C2C接口客户端
// go-binance 未覆盖 bapi/c2c 系列接口，这里直接封装HTTP调用
type Client struct {
	baseURL    string
	token      string
	csrfToken  string
	httpClient *http.Client
}

// NewClient 创建C2C客户端
func NewClient(baseURL, token, csrfToken, proxyURL string) (*Client, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
	}

	return &Client{
		baseURL:    baseURL,
		token:      token,
		csrfToken:  csrfToken,
		httpClient: httpClient,
	}, nil
}

type apiEnvelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Success bool            `json:"success"`
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("c2ctype", "c2c_merchant")
		req.Header.Set("Cookie", "p20t="+c.token)
	}
	if c.csrfToken != "" {
		req.Header.Set("csrftoken", c.csrfToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: status %d: %s", path, resp.StatusCode, truncate(raw, 200))
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	if !envelope.Success {
		return fmt.Errorf("api %s: code=%s message=%s", path, envelope.Code, envelope.Message)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode data %s: %w", path, err)
		}
	}
	return nil
}

type advSearchItem struct {
	Adv struct {
		AdvNo string `json:"advNo"`
		Price string `json:"price"`
	} `json:"adv"`
	Advertiser struct {
		NickName        string  `json:"nickName"`
		UserType        string  `json:"userType"`
		ActiveTimeInSec int     `json:"activeTimeInSecond"`
		MonthOrderCount int     `json:"monthOrderCount"`
		MonthFinishRate float64 `json:"monthFinishRate"`
		OnlineStatus    string  `json:"onlineStatus"`
	} `json:"advertiser"`
}

// SearchAds 获取某个币种/法币/方向的竞争对手广告快照，按市场排名排序
func (c *Client) SearchAds(ctx context.Context, asset, fiat string, tradeType TradeType, rows int) ([]CompetitorAd, error) {
	if rows <= 0 {
		rows = 20
	}
	payload := map[string]any{
		"asset":     asset,
		"fiat":      fiat,
		"tradeType": string(tradeType),
		"page":      1,
		"rows":      rows,
	}

	var items []advSearchItem
	if err := c.post(ctx, "/bapi/c2c/v2/friendly/c2c/adv/search", payload, &items); err != nil {
		return nil, fmt.Errorf("search ads %s/%s %s: %w", asset, fiat, tradeType, err)
	}

	ads := make([]CompetitorAd, 0, len(items))
	for _, item := range items {
		price, err := strconv.ParseFloat(item.Adv.Price, 64)
		if err != nil {
			continue
		}
		ads = append(ads, CompetitorAd{
			AdvNo:            item.Adv.AdvNo,
			MerchantNickname: item.Advertiser.NickName,
			Price:            price,
			Online:           item.Advertiser.OnlineStatus == "online",
			UserType:         item.Advertiser.UserType,
			MonthOrderCount:  item.Advertiser.MonthOrderCount,
			MonthFinishRate:  item.Advertiser.MonthFinishRate,
		})
	}
	return ads, nil
}

// SearchMerchant 在快照中按昵称定向查找商家，供规则编辑器预览使用
func (c *Client) SearchMerchant(ctx context.Context, asset, fiat string, tradeType TradeType, nickname string) (*MerchantInfo, error) {
	ads, err := c.SearchAds(ctx, asset, fiat, tradeType, 50)
	if err != nil {
		return nil, err
	}
	for _, ad := range ads {
		if ad.MerchantNickname != nickname {
			continue
		}
		return &MerchantInfo{
			Found:          true,
			Nickname:       ad.MerchantNickname,
			Price:          ad.Price,
			Online:         ad.Online,
			UserType:       ad.UserType,
			CompletionRate: ad.MonthFinishRate,
			OrderCount:     ad.MonthOrderCount,
		}, nil
	}
	return &MerchantInfo{Found: false, Nickname: nickname}, nil
}

type ownedAdItem struct {
	AdvNo              string `json:"advNo"`
	Asset              string `json:"asset"`
	FiatUnit           string `json:"fiatUnit"`
	TradeType          string `json:"tradeType"`
	Price              string `json:"price"`
	PriceType          int    `json:"priceType"` // 1=固定 2=浮动
	PriceFloatingRatio string `json:"priceFloatingRatio"`
	AdvStatus          int    `json:"advStatus"` // 1=上架 2=下架
}

// ListOwnedAds 获取自己发布的广告列表
func (c *Client) ListOwnedAds(ctx context.Context, filter OwnedAdFilter) ([]OwnedAd, error) {
	payload := map[string]any{
		"page": 1,
		"rows": 100,
	}
	if filter.Asset != "" {
		payload["asset"] = filter.Asset
	}
	if filter.Fiat != "" {
		payload["fiatUnit"] = filter.Fiat
	}
	if filter.TradeType != "" {
		payload["tradeType"] = string(filter.TradeType)
	}

	var items []ownedAdItem
	if err := c.post(ctx, "/bapi/c2c/v2/private/c2c/adv/list-by-page", payload, &items); err != nil {
		return nil, fmt.Errorf("list owned ads: %w", err)
	}

	ads := make([]OwnedAd, 0, len(items))
	for _, item := range items {
		ads = append(ads, ownedAdToModel(item))
	}
	return ads, nil
}

// GetAd 获取单条广告的当前状态，用于改价前读取实时价格
func (c *Client) GetAd(ctx context.Context, advNo string) (*OwnedAd, error) {
	var item ownedAdItem
	payload := map[string]any{"advNo": advNo}
	if err := c.post(ctx, "/bapi/c2c/v2/private/c2c/adv/get-detail", payload, &item); err != nil {
		return nil, fmt.Errorf("get ad %s: %w", advNo, err)
	}
	ad := ownedAdToModel(item)
	return &ad, nil
}

// UpdateAdPrice 修改广告价格，固定模式传price，浮动模式传ratio
func (c *Client) UpdateAdPrice(ctx context.Context, advNo string, price, ratio *float64) error {
	payload := map[string]any{"advNo": advNo}
	switch {
	case price != nil:
		payload["price"] = strconv.FormatFloat(*price, 'f', -1, 64)
		payload["priceType"] = 1
	case ratio != nil:
		payload["priceFloatingRatio"] = strconv.FormatFloat(*ratio, 'f', -1, 64)
		payload["priceType"] = 2
	default:
		return fmt.Errorf("update ad %s: neither price nor ratio given", advNo)
	}

	if err := c.post(ctx, "/bapi/c2c/v2/private/c2c/adv/update", payload, nil); err != nil {
		return fmt.Errorf("update ad %s: %w", advNo, err)
	}
	return nil
}

func ownedAdToModel(item ownedAdItem) OwnedAd {
	price, _ := strconv.ParseFloat(item.Price, 64)
	ratio, _ := strconv.ParseFloat(item.PriceFloatingRatio, 64)

	priceType := "FIXED"
	if item.PriceType == 2 {
		priceType = "FLOATING"
	}
	status := "offline"
	if item.AdvStatus == 1 {
		status = "online"
	}

	return OwnedAd{
		AdvNo:         item.AdvNo,
		Asset:         item.Asset,
		Fiat:          item.FiatUnit,
		TradeType:     item.TradeType,
		Price:         price,
		PriceType:     priceType,
		FloatingRatio: ratio,
		Status:        status,
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
