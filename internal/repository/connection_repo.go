package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"meli_sync_v1_202608/internal/model"
	"meli_sync_v1_202608/pkg/crypto"
)

// ==================== 接口定义 ====================

// ConnectionRepository ML 账号连接仓储接口
// sync_status 列就是工作队列，出入队都走这里
type ConnectionRepository interface {
	// 查询
	FindByUserPair(ctx context.Context, saasUserID, mlUserID int64) (*model.Connection, error)
	FindByMlUserID(ctx context.Context, mlUserID int64) (*model.Connection, error)
	FindByStatus(ctx context.Context, status string) ([]model.Connection, error)
	FindAllActive(ctx context.Context) ([]model.Connection, error)

	// 队列操作
	// ClaimNextQueued 原子出队：锁定最早排队的 QUEUED 行并当场翻成 RUNNING
	// 没有可领取的账号返回 (nil, nil)
	ClaimNextQueued(ctx context.Context) (*model.Connection, error)
	UpdateSyncStatus(ctx context.Context, saasUserID, mlUserID int64, status, message string) error

	// Token 持久化（只有 TokenService 调用）
	UpsertTokens(ctx context.Context, conn *model.Connection) error
	UpdateTokens(ctx context.Context, id int64, access, refresh crypto.CipherText, expiresAt time.Time) error

	// 统计（仪表盘读）
	CountListings(ctx context.Context, mlUserID int64) (total, active int64, err error)
}

// ==================== 仓储实现 ====================

type connectionRepo struct {
	db *gorm.DB
}

// NewConnectionRepository 创建连接仓储
func NewConnectionRepository(db *gorm.DB) ConnectionRepository {
	return &connectionRepo{db: db}
}

func (r *connectionRepo) FindByUserPair(ctx context.Context, saasUserID, mlUserID int64) (*model.Connection, error) {
	var conn model.Connection
	err := r.db.WithContext(ctx).
		Where("saas_user_id = ? AND ml_user_id = ?", saasUserID, mlUserID).
		First(&conn).Error
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (r *connectionRepo) FindByMlUserID(ctx context.Context, mlUserID int64) (*model.Connection, error) {
	var conn model.Connection
	err := r.db.WithContext(ctx).
		Where("ml_user_id = ?", mlUserID).
		First(&conn).Error
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (r *connectionRepo) FindByStatus(ctx context.Context, status string) ([]model.Connection, error) {
	var conns []model.Connection
	err := r.db.WithContext(ctx).
		Where("sync_status = ?", status).
		Find(&conns).Error
	return conns, err
}

func (r *connectionRepo) FindAllActive(ctx context.Context) ([]model.Connection, error) {
	var conns []model.Connection
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Find(&conns).Error
	return conns, err
}

// ClaimNextQueued 事务内：锁行 → 翻状态 → 提交
// SKIP LOCKED 保证两个并发 orchestrator 不会领到同一个账号
func (r *connectionRepo) ClaimNextQueued(ctx context.Context) (*model.Connection, error) {
	var claimed *model.Connection

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conn model.Connection
		err := withClaimLock(tx).
			Where("sync_status = ? AND is_active = ?", model.SyncStatusQueued, true).
			Order("updated_at ASC").
			First(&conn).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // 队列为空不算错
		}
		if err != nil {
			return err
		}

		err = tx.Model(&model.Connection{}).
			Where("id = ?", conn.ID).
			Updates(map[string]interface{}{
				"sync_status":  model.SyncStatusRunning,
				"sync_message": "Buscando lista de anúncios na API...",
			}).Error
		if err != nil {
			return err
		}

		conn.SyncStatus = model.SyncStatusRunning
		claimed = &conn
		return nil
	})

	return claimed, err
}

func (r *connectionRepo) UpdateSyncStatus(ctx context.Context, saasUserID, mlUserID int64, status, message string) error {
	return r.db.WithContext(ctx).
		Model(&model.Connection{}).
		Where("saas_user_id = ? AND ml_user_id = ?", saasUserID, mlUserID).
		Updates(map[string]interface{}{
			"sync_status":  status,
			"sync_message": message,
		}).Error
}

// UpsertTokens 授权完成后的落库：同一 (saas_user_id, ml_user_id) 只保留一行
// 已完成过同步的账号重新授权后回到 NOT_SYNCED，其余状态保持不动
func (r *connectionRepo) UpsertTokens(ctx context.Context, conn *model.Connection) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "saas_user_id"}, {Name: "ml_user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"access_token":     conn.AccessToken,
			"refresh_token":    conn.RefreshToken,
			"token_expires_at": conn.TokenExpiresAt,
			"nickname":         conn.Nickname,
			// 不带表名限定：DO UPDATE 里裸列名指向冲突的已有行，postgres 和 sqlite 语义一致
			"sync_status": gorm.Expr(
				"CASE WHEN sync_status = ? THEN ? ELSE sync_status END",
				model.SyncStatusCompleted, model.SyncStatusNotSynced,
			),
			"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
		}),
	}).Create(conn).Error
}

// UpdateTokens 刷新成功后的原子覆写：双 token + 过期时间一条 UPDATE 落库
func (r *connectionRepo) UpdateTokens(ctx context.Context, id int64, access, refresh crypto.CipherText, expiresAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.Connection{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"access_token":     access,
			"refresh_token":    refresh,
			"token_expires_at": expiresAt,
		}).Error
}

func (r *connectionRepo) CountListings(ctx context.Context, mlUserID int64) (total, active int64, err error) {
	base := r.db.WithContext(ctx).Model(&model.Listing{}).Where("ml_user_id = ?", mlUserID)
	if err = base.Count(&total).Error; err != nil {
		return 0, 0, err
	}
	err = r.db.WithContext(ctx).Model(&model.Listing{}).
		Where("ml_user_id = ? AND status = ?", mlUserID, "active").
		Count(&active).Error
	return total, active, err
}
