package meli

import "encoding/json"

// SearchResp /users/{id}/items/search 的分页响应
// scroll_id 为空即代表翻到了最后一页
type SearchResp struct {
	Results  []string `json:"results"`
	ScrollID string   `json:"scroll_id"`
	Paging   struct {
		Total int `json:"total"`
	} `json:"paging"`
}

// ItemResult /items?ids=... 多查接口的单条结果
// code 是该 ID 独立的 HTTP 状态码，body 只有 200 时才有效
type ItemResult struct {
	Code int             `json:"code"`
	Body json.RawMessage `json:"body"`
}

// ItemDetail 商品详情中管道消费的字段子集
type ItemDetail struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	Price             float64 `json:"price"`
	AvailableQuantity int     `json:"available_quantity"`
	Status            string  `json:"status"`
	Permalink         string  `json:"permalink"`
	Thumbnail         string  `json:"thumbnail"`
	DateCreated       string  `json:"date_created"`
	Health            float64 `json:"health"`
	CategoryID        string  `json:"category_id"`
	SellerCustomField string  `json:"seller_custom_field"`

	Shipping struct {
		Mode         string `json:"mode"`
		FreeShipping bool   `json:"free_shipping"`
		LogisticType string `json:"logistic_type"`
	} `json:"shipping"`

	Pictures []struct {
		URL       string `json:"url"`
		SecureURL string `json:"secure_url"`
	} `json:"pictures"`

	Variations []json.RawMessage `json:"variations"`
}

// HasVariations 是否多规格商品
func (d *ItemDetail) HasVariations() bool {
	return len(d.Variations) > 0
}

// PictureURLs 提取图片地址列表，优先 https
func (d *ItemDetail) PictureURLs() []string {
	urls := make([]string, 0, len(d.Pictures))
	for _, p := range d.Pictures {
		if p.SecureURL != "" {
			urls = append(urls, p.SecureURL)
		} else if p.URL != "" {
			urls = append(urls, p.URL)
		}
	}
	return urls
}

// ParseItemDetail 解析多查结果里的 body
func ParseItemDetail(raw json.RawMessage) (*ItemDetail, error) {
	var d ItemDetail
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// VisitResult /visits/items 的单条结果
type VisitResult struct {
	ID          string `json:"id"`
	TotalVisits int    `json:"total_visits"`
}

// TokenResp /oauth/token 响应 (authorization_code 和 refresh_token 共用)
type TokenResp struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	UserID       int64  `json:"user_id"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"message"`
}

// ShippingOption 运费选项文档中消费的字段
type ShippingOption struct {
	Name         string  `json:"name"`
	Cost         float64 `json:"cost"`
	ShippingMode string  `json:"shipping_method_type"`
}

// ShippingOptionsDoc /items/{id}/shipping_options 响应
type ShippingOptionsDoc struct {
	ItemID  string           `json:"item_id"`
	Options []ShippingOption `json:"options"`
}

// CheapestOption 返回运费最低的选项，空文档返回 nil
func (doc *ShippingOptionsDoc) CheapestOption() *ShippingOption {
	var best *ShippingOption
	for i := range doc.Options {
		opt := &doc.Options[i]
		if best == nil || opt.Cost < best.Cost {
			best = opt
		}
	}
	return best
}
