package meli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// API 硬限制常量 (见 ML 官方文档)
const (
	ScrollPageLimit = 100 // scan 搜索单页上限
	MaxDetailBatch  = 20  // /items 多查单次 ID 上限
	MaxVisitsBatch  = 50  // /visits/items 单次 ID 上限

	defaultBaseURL = "https://api.mercadolibre.com"

	maxRetries  = 3               // 429 最多重试次数
	backoffBase = 5 * time.Second // 第 n 次重试前睡 n*backoffBase
)

var (
	// ErrBatchTooLarge 调用方没有分块就把超大批次塞进来，属于逻辑错误
	ErrBatchTooLarge = errors.New("batch exceeds per-call id limit")
	// ErrRateLimited 重试耗尽后仍然被限流
	ErrRateLimited = errors.New("rate limited after max retries")
	// ErrInvalidPage 分页响应缺少 results 字段，整次抓取作废
	ErrInvalidPage = errors.New("search page missing results field")
)

// ProgressSink 抓取过程中的进度回报出口
// 由调用方注入，通常落到 connection 的 sync_message 字段
type ProgressSink interface {
	Progress(message string)
}

// NopSink 丢弃进度的空实现
type NopSink struct{}

func (NopSink) Progress(string) {}

// Config 客户端配置
type Config struct {
	AppID   string
	Secret  string
	BaseURL string // 留空用官方地址，测试时指向 httptest server
}

// Client Mercado Livre API 客户端
// 统一持有重试/退避策略，所有 GET 走 makeRequest
type Client struct {
	http    *resty.Client
	baseURL string
	appID   string
	secret  string

	// 测试时替换，避免真睡
	sleep func(time.Duration)
}

// NewClient 工厂方法
func NewClient(cfg *Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	http := resty.New().
		SetTimeout(30 * time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "Meli-Sync-Go/1.0")

	return &Client{
		http:    http,
		baseURL: baseURL,
		appID:   cfg.AppID,
		secret:  cfg.Secret,
		sleep:   time.Sleep,
	}
}

// makeRequest 带限流处理的通用 GET
// 429: 睡 5s*attempt 再试，最多 3 次，耗尽算该次调用硬失败
// 其他 >=400: 不重试，直接失败
func (c *Client) makeRequest(ctx context.Context, token, path string) ([]byte, error) {
	url := c.baseURL + path

	for attempt := 1; ; attempt++ {
		req := c.http.R().SetContext(ctx)
		if token != "" {
			req.SetHeader("Authorization", "Bearer "+token)
		}

		resp, err := req.Get(url)
		if err != nil {
			return nil, fmt.Errorf("网络请求失败 %s: %v", path, err)
		}

		if resp.StatusCode() == 429 {
			if attempt > maxRetries {
				log.Printf("[MeliAPI] %s 限流重试耗尽 (%d 次)", path, maxRetries)
				return nil, ErrRateLimited
			}
			wait := time.Duration(attempt) * backoffBase
			log.Printf("[MeliAPI] 触发限流 %s，暂停 %v 后重试 (%d/%d)", path, wait, attempt, maxRetries)
			c.sleep(wait)
			continue
		}

		if resp.StatusCode() >= 400 {
			return nil, fmt.Errorf("API 异常 [%d] %s: %s", resp.StatusCode(), path, resp.String())
		}

		return resp.Body(), nil
	}
}

// FetchAllItemIDs 用 scan 模式翻完一个卖家的全部商品 ID
// scroll_id 缺失即最后一页；任何一页缺 results 整次作废，不返回半截结果
func (c *Client) FetchAllItemIDs(ctx context.Context, mlUserID int64, token string, sink ProgressSink) ([]string, error) {
	if sink == nil {
		sink = NopSink{}
	}

	var allIDs []string
	path := fmt.Sprintf("/users/%d/items/search?search_type=scan&limit=%d", mlUserID, ScrollPageLimit)

	for {
		body, err := c.makeRequest(ctx, token, path)
		if err != nil {
			return nil, err
		}

		var page SearchResp
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("解析搜索响应失败: %v", err)
		}
		if page.Results == nil {
			log.Printf("[MeliAPI] 用户 %d 的搜索响应缺少 results 字段，中止抓取", mlUserID)
			return nil, ErrInvalidPage
		}

		allIDs = append(allIDs, page.Results...)
		sink.Progress(fmt.Sprintf("Coletando anúncios... %d encontrados", len(allIDs)))

		if page.ScrollID == "" || len(page.Results) == 0 {
			break
		}
		path = fmt.Sprintf("/users/%d/items/search?search_type=scan&limit=%d&scroll_id=%s",
			mlUserID, ScrollPageLimit, page.ScrollID)
	}

	return allIDs, nil
}

// detailAttributes 多查接口只拉管道需要的字段，省流量
const detailAttributes = "id,title,price,available_quantity,status,permalink,thumbnail," +
	"date_created,health,shipping,category_id,seller_custom_field,variations,pictures"

// FetchItemsDetails 批量拉商品详情
// 超过 20 个 ID 直接拒绝，分块是调用方的责任
func (c *Client) FetchItemsDetails(ctx context.Context, token string, itemIDs []string) ([]ItemResult, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	if len(itemIDs) > MaxDetailBatch {
		log.Printf("[MeliAPI] 逻辑错误：单次详情请求 %d 个 ID，上限 %d", len(itemIDs), MaxDetailBatch)
		return nil, ErrBatchTooLarge
	}

	path := fmt.Sprintf("/items?ids=%s&attributes=%s", strings.Join(itemIDs, ","), detailAttributes)
	body, err := c.makeRequest(ctx, token, path)
	if err != nil {
		return nil, err
	}

	var results []ItemResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("解析详情响应失败: %v", err)
	}
	return results, nil
}

// FetchItemsVisits 批量拉访问量，上限 50 个 ID
func (c *Client) FetchItemsVisits(ctx context.Context, token string, itemIDs []string) ([]VisitResult, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	if len(itemIDs) > MaxVisitsBatch {
		log.Printf("[MeliAPI] 逻辑错误：单次访问量请求 %d 个 ID，上限 %d", len(itemIDs), MaxVisitsBatch)
		return nil, ErrBatchTooLarge
	}

	path := "/visits/items?ids=" + strings.Join(itemIDs, ",")
	body, err := c.makeRequest(ctx, token, path)
	if err != nil {
		return nil, err
	}

	var results []VisitResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("解析访问量响应失败: %v", err)
	}
	return results, nil
}

// FetchShippingOptions 单个商品的运费选项，可带目的地邮编
func (c *Client) FetchShippingOptions(ctx context.Context, token, itemID, zipCode string) (json.RawMessage, error) {
	path := fmt.Sprintf("/items/%s/shipping_options", itemID)
	if zipCode != "" {
		path += "?zip_code=" + zipCode
	}
	return c.makeRequest(ctx, token, path)
}

// FetchCategoryDetails 类目详情（含 settings 规则）
func (c *Client) FetchCategoryDetails(ctx context.Context, token, categoryID string) (json.RawMessage, error) {
	path := fmt.Sprintf("/categories/%s?attributes=settings", categoryID)
	return c.makeRequest(ctx, token, path)
}

// FetchShippingQuotes 并发拉多个邮编的运费选项
// zips: 地区名 -> 邮编。失败的 key 值为 nil，调用方必须按"稍后重做"处理，不能当作不存在
func (c *Client) FetchShippingQuotes(ctx context.Context, token, itemID string, zips map[string]string) map[string]json.RawMessage {
	results := make(map[string]json.RawMessage, len(zips))

	// 固定小并发，这里只是同一商品的几个邮编，不需要大水漫灌
	sem := make(chan struct{}, 3)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for region, zip := range zips {
		sem <- struct{}{}
		wg.Add(1)

		go func(region, zip string) {
			defer wg.Done()
			defer func() { <-sem }()

			doc, err := c.FetchShippingOptions(ctx, token, itemID, zip)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("[MeliAPI] 商品 %s 邮编 %s 运费查询失败: %v", itemID, zip, err)
				results[region] = nil
				return
			}
			results[region] = doc
		}(region, zip)
	}

	wg.Wait()
	return results
}

// RefreshToken 用 refresh_token 换新 token 对
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResp, error) {
	return c.postToken(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     c.appID,
		"client_secret": c.secret,
		"refresh_token": refreshToken,
	})
}

// ExchangeCode 用授权码换首对 token（只负责换取，浏览器跳转不归这里管）
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResp, error) {
	return c.postToken(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     c.appID,
		"client_secret": c.secret,
		"code":          code,
		"redirect_uri":  redirectURI,
	})
}

func (c *Client) postToken(ctx context.Context, form map[string]string) (*TokenResp, error) {
	var tokenResp TokenResp
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(form).
		SetResult(&tokenResp).
		ForceContentType("application/json"). // 有些错误响应不带 Content-Type
		Post(c.baseURL + "/oauth/token")

	if err != nil {
		return nil, fmt.Errorf("token 请求失败: %v", err)
	}
	if resp.StatusCode() != 200 || tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token 接口拒绝 [%d]: %s", resp.StatusCode(), resp.String())
	}
	return &tokenResp, nil
}
