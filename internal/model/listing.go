package model

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// Listing 管道阶段常量
// 阶段只能向前推进（0→1→2），或在任意点失败跳到 9
const (
	StagePending  = 0 // 仅有 ID，等待基础详情
	StageDetailed = 1 // 基础详情完成，等待深度分析
	StageAnalyzed = 2 // 深度分析（运费+类目）完成
	StageFailed   = 9 // 终态失败，不再被任何 claim 查询选中
)

// Listing 同步下来的 ML 商品，按 (saas_user_id, ml_user_id) 隔离
// 每轮全量采集会先清空该账号的全部行再重建，不做增量对账
type Listing struct {
	BaseModel

	// --- 归属 ---
	SaasUserID int64 `gorm:"index;not null"`
	MlUserID   int64 `gorm:"index;not null"`

	// --- ML 侧身份 ---
	MlItemID string `gorm:"size:30;uniqueIndex;not null"` // 如 MLB123456789

	// --- 管道位置 ---
	Stage         int        `gorm:"default:0;index"`
	LastAttemptAt *time.Time `gorm:"index"` // claim 时写入，推进阶段时清空

	// --- 基础详情 (Fase 2) ---
	Title         string         `gorm:"size:255"`
	Price         float64        `gorm:"type:decimal(12,2);default:0"`
	Stock         int            `gorm:"default:0"`
	Status        string         `gorm:"size:20;index"` // active, paused, closed
	Permalink     string         `gorm:"size:255"`
	Thumbnail     string         `gorm:"size:255"`
	Pictures      pq.StringArray `gorm:"type:text[]"`
	SKU           string         `gorm:"size:100"`
	Health        float64        `gorm:"type:decimal(4,2);default:0"`
	CategoryID    string         `gorm:"size:30"`
	HasVariations bool           `gorm:"default:false"`
	Visits        int            `gorm:"default:0"`

	// --- 运费摘要 (Fase 3) ---
	ShippingMode   string `gorm:"size:30"`
	IsFreeShipping bool   `gorm:"default:false"`
	LogisticType   string `gorm:"size:30"`

	// --- 原始报文（排查与后续分析用） ---
	DetailJSON   datatypes.JSON `gorm:"type:jsonb"`
	ShippingJSON datatypes.JSON `gorm:"type:jsonb"`
	CategoryJSON datatypes.JSON `gorm:"type:jsonb"`

	// --- 关联 ---
	ShippingCosts []ShippingCost `gorm:"foreignKey:ListingID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
}

func (Listing) TableName() string {
	return "listings"
}
