package model

import (
	"time"

	"meli_sync_v1_202608/pkg/crypto"
)

// 同步状态常量
// 状态列同时承担两个角色：工作队列标记 + 前端展示的进度指示
const (
	SyncStatusNotSynced = "NOT_SYNCED" // 授权完成，尚未排队
	SyncStatusQueued    = "QUEUED"     // 用户点击同步，等待 worker 领取
	SyncStatusRunning   = "RUNNING"    // worker 正在处理
	SyncStatusCompleted = "COMPLETED"  // 全部阶段完成
	SyncStatusFailed    = "FAILED"     // 账号级失败（token 失效等）
)

// Connection 平台用户与 Mercado Livre 卖家账号的绑定关系
// 每个 (saas_user_id, ml_user_id) 组合只允许一行
type Connection struct {
	BaseModel

	// 1. 核心身份
	SaasUserID int64  `gorm:"uniqueIndex:idx_saas_ml;not null"` // 本平台用户 ID
	MlUserID   int64  `gorm:"uniqueIndex:idx_saas_ml;not null"` // ML 平台的卖家 ID
	Nickname   string `gorm:"size:100"`

	// 2. API Token（密文落库，只有 TokenService 能解密）
	AccessToken    crypto.CipherText `gorm:"type:text"`
	RefreshToken   crypto.CipherText `gorm:"type:text"`
	TokenExpiresAt time.Time

	// 3. 同步队列状态
	SyncStatus  string `gorm:"size:20;index;default:'NOT_SYNCED'"`
	SyncMessage string `gorm:"size:255"`

	IsActive bool `gorm:"default:true"`
}

func (Connection) TableName() string {
	return "mercadolibre_connections"
}
