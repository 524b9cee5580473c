package model

// ShippingCost 单个商品在某个参考城市的运费测算结果
// 每轮深度分析对该商品先删后插，整表跟随 Listing 生命周期
type ShippingCost struct {
	BaseModel

	ListingID int64  `gorm:"index;not null"`
	MlItemID  string `gorm:"size:30;index"`

	Region  string  `gorm:"size:50"` // 城市名，如 "São Paulo"
	ZipCode string  `gorm:"size:12"`
	Cost    float64 `gorm:"type:decimal(10,2);default:0"`
	IsFree  bool    `gorm:"default:false"`
}

func (ShippingCost) TableName() string {
	return "shipping_costs"
}
