package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"meli_sync_v1_202608/internal/model"
)

// attemptCooldown 同一行两次 claim 之间的最小间隔
// 只约束停在原阶段没推进的行（batch 级失败留下的），推进过的行 last_attempt_at 会被清空
const attemptCooldown = time.Hour

// ==================== 接口定义 ====================

// ListingRepository 商品仓储接口
// 所有阶段写入只能走这里的批量方法，没有通用的 stage setter
type ListingRepository interface {
	// 查询
	FindByItemID(ctx context.Context, mlItemID string) (*model.Listing, error)
	FindAllByUser(ctx context.Context, saasUserID int64, limit, offset int) ([]model.Listing, int64, error)
	FindShippingCosts(ctx context.Context, listingID int64) ([]model.ShippingCost, error)
	CountPending(ctx context.Context, mlUserID int64) (pending, total int64, err error)

	// claim-and-advance：事务内锁行（SKIP LOCKED）→ 回调处理 → 提交
	// 回调崩溃/报错整体回滚，行重新可见；回调必须推进或标失它领到的每一行
	ProcessBatch(ctx context.Context, stage, limit int, fn func(txRepo ListingRepository, batch []model.Listing) error) error

	// 批量写（每个调用一个事务，要么全部落库要么全不落）
	BulkInsertIDs(ctx context.Context, saasUserID, mlUserID int64, itemIDs []string) (int64, error)
	BulkUpdateDetails(ctx context.Context, updates []model.Listing, failedItemIDs []string) error
	BulkUpdateDeepAnalysis(ctx context.Context, listing *model.Listing, costs []model.ShippingCost) error
	BulkMarkFailed(ctx context.Context, mlItemIDs []string) error
	BulkUpdateVisits(ctx context.Context, visits map[string]int) error

	// 账号级整体替换 / 失败重排
	DeleteByAccount(ctx context.Context, saasUserID, mlUserID int64) error
	RequeueFailed(ctx context.Context, before time.Time) (int64, error)

	WithTx(tx *gorm.DB) ListingRepository
}

// ==================== 仓储实现 ====================

type listingRepo struct {
	db *gorm.DB
}

// NewListingRepository 创建商品仓储
func NewListingRepository(db *gorm.DB) ListingRepository {
	return &listingRepo{db: db}
}

func (r *listingRepo) WithTx(tx *gorm.DB) ListingRepository {
	return &listingRepo{db: tx}
}

func (r *listingRepo) FindByItemID(ctx context.Context, mlItemID string) (*model.Listing, error) {
	var listing model.Listing
	err := r.db.WithContext(ctx).
		Where("ml_item_id = ?", mlItemID).
		First(&listing).Error
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

func (r *listingRepo) FindAllByUser(ctx context.Context, saasUserID int64, limit, offset int) ([]model.Listing, int64, error) {
	var listings []model.Listing
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Listing{}).Where("saas_user_id = ?", saasUserID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.Order("updated_at DESC").Limit(limit).Offset(offset).Find(&listings).Error
	return listings, total, err
}

func (r *listingRepo) FindShippingCosts(ctx context.Context, listingID int64) ([]model.ShippingCost, error) {
	var costs []model.ShippingCost
	err := r.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("region ASC").
		Find(&costs).Error
	return costs, err
}

// CountPending 统计待处理行 (stage 0/1)
// stage 9 是终态，不计入 pending：失败的商品不应该让账号永远停在 RUNNING
func (r *listingRepo) CountPending(ctx context.Context, mlUserID int64) (pending, total int64, err error) {
	err = r.db.WithContext(ctx).Model(&model.Listing{}).
		Where("ml_user_id = ? AND stage IN ?", mlUserID, []int{model.StagePending, model.StageDetailed}).
		Count(&pending).Error
	if err != nil {
		return 0, 0, err
	}
	err = r.db.WithContext(ctx).Model(&model.Listing{}).
		Where("ml_user_id = ?", mlUserID).
		Count(&total).Error
	return pending, total, err
}

// ProcessBatch 管道的核心正确性保障
// claim 谓词只认目标 stage，推进过的行天然不会被旧阶段再领；
// last_attempt_at 在 claim 时落盘，停在原地的行一小时内不会被反复捶
func (r *listingRepo) ProcessBatch(ctx context.Context, stage, limit int, fn func(txRepo ListingRepository, batch []model.Listing) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch []model.Listing
		cutoff := time.Now().Add(-attemptCooldown)

		err := withClaimLock(tx).
			Where("stage = ?", stage).
			Where("last_attempt_at IS NULL OR last_attempt_at < ?", cutoff).
			Order("id ASC").
			Limit(limit).
			Find(&batch).Error
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		ids := make([]int64, len(batch))
		for i, l := range batch {
			ids[i] = l.ID
		}
		now := time.Now()
		err = tx.Model(&model.Listing{}).
			Where("id IN ?", ids).
			Update("last_attempt_at", now).Error
		if err != nil {
			return err
		}

		return fn(r.WithTx(tx), batch)
	})
}

// BulkInsertIDs 阶段 1 的批量落 ID，全部 stage 0
// ml_item_id 冲突时跳过，防止同账号重复排队时报唯一键错误
func (r *listingRepo) BulkInsertIDs(ctx context.Context, saasUserID, mlUserID int64, itemIDs []string) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}

	listings := make([]model.Listing, 0, len(itemIDs))
	for _, itemID := range itemIDs {
		listings = append(listings, model.Listing{
			SaasUserID: saasUserID,
			MlUserID:   mlUserID,
			MlItemID:   itemID,
			Stage:      model.StagePending,
		})
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ml_item_id"}},
			DoNothing: true,
		}).
		CreateInBatches(&listings, 500)
	return result.RowsAffected, result.Error
}

// BulkUpdateDetails 阶段 2 的批量推进：成功行 0→1，失败行同事务内 →9
// 任何一行出错整个事务回滚，不存在半批提交
func (r *listingRepo) BulkUpdateDetails(ctx context.Context, updates []model.Listing, failedItemIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range updates {
			u := &updates[i]
			err := tx.Model(&model.Listing{}).
				Where("ml_item_id = ? AND stage = ?", u.MlItemID, model.StagePending).
				Updates(map[string]interface{}{
					"title":           u.Title,
					"price":           u.Price,
					"stock":           u.Stock,
					"status":          u.Status,
					"permalink":       u.Permalink,
					"thumbnail":       u.Thumbnail,
					"pictures":        u.Pictures,
					"sku":             u.SKU,
					"health":          u.Health,
					"category_id":     u.CategoryID,
					"has_variations":  u.HasVariations,
					"shipping_mode":   u.ShippingMode,
					"is_free_shipping": u.IsFreeShipping,
					"logistic_type":   u.LogisticType,
					"detail_json":     u.DetailJSON,
					"stage":           model.StageDetailed,
					"last_attempt_at": nil,
				}).Error
			if err != nil {
				return err
			}
		}

		if len(failedItemIDs) > 0 {
			err := tx.Model(&model.Listing{}).
				Where("ml_item_id IN ?", failedItemIDs).
				Updates(map[string]interface{}{
					"stage": model.StageFailed,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// BulkUpdateDeepAnalysis 阶段 3 的单商品落库：运费明细先删后插 + 摘要 + 1→2，一个事务
func (r *listingRepo) BulkUpdateDeepAnalysis(ctx context.Context, listing *model.Listing, costs []model.ShippingCost) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Unscoped().
			Where("listing_id = ?", listing.ID).
			Delete(&model.ShippingCost{}).Error
		if err != nil {
			return err
		}

		if len(costs) > 0 {
			if err := tx.Create(&costs).Error; err != nil {
				return err
			}
		}

		return tx.Model(&model.Listing{}).
			Where("id = ? AND stage = ?", listing.ID, model.StageDetailed).
			Updates(map[string]interface{}{
				"shipping_mode":    listing.ShippingMode,
				"is_free_shipping": listing.IsFreeShipping,
				"logistic_type":    listing.LogisticType,
				"shipping_json":    listing.ShippingJSON,
				"category_json":    listing.CategoryJSON,
				"stage":            model.StageAnalyzed,
				"last_attempt_at":  nil,
			}).Error
	})
}

// BulkMarkFailed 任意阶段 → 9
func (r *listingRepo) BulkMarkFailed(ctx context.Context, mlItemIDs []string) error {
	if len(mlItemIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&model.Listing{}).
		Where("ml_item_id IN ?", mlItemIDs).
		Updates(map[string]interface{}{
			"stage": model.StageFailed,
		}).Error
}

// BulkUpdateVisits 访问量回填，不动 stage
func (r *listingRepo) BulkUpdateVisits(ctx context.Context, visits map[string]int) error {
	if len(visits) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for itemID, count := range visits {
			err := tx.Model(&model.Listing{}).
				Where("ml_item_id = ?", itemID).
				Update("visits", count).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteByAccount 新一轮采集前的整体清空（连带运费明细），物理删除
func (r *listingRepo) DeleteByAccount(ctx context.Context, saasUserID, mlUserID int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Unscoped().
			Where("ml_item_id IN (?)",
				tx.Model(&model.Listing{}).Select("ml_item_id").
					Where("saas_user_id = ? AND ml_user_id = ?", saasUserID, mlUserID),
			).
			Delete(&model.ShippingCost{}).Error
		if err != nil {
			return err
		}
		return tx.Unscoped().
			Where("saas_user_id = ? AND ml_user_id = ?", saasUserID, mlUserID).
			Delete(&model.Listing{}).Error
	})
}

// RequeueFailed 冷却期后把 stage 9 放回 stage 0
// 默认配置下不会被调用，终态即永久排除
func (r *listingRepo) RequeueFailed(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Listing{}).
		Where("stage = ? AND (last_attempt_at IS NULL OR last_attempt_at < ?)", model.StageFailed, before).
		Updates(map[string]interface{}{
			"stage":           model.StagePending,
			"last_attempt_at": nil,
		})
	return result.RowsAffected, result.Error
}
