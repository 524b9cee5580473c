package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"

	"meli_sync_v1_202608/internal/model"
	"meli_sync_v1_202608/internal/repository"
	"meli_sync_v1_202608/pkg/meli"
)

// referenceZip 运费测算的参考城市
type referenceZip struct {
	Region  string
	ZipCode string
}

// 五个首府邮编，覆盖主要物流区域
var referenceZips = []referenceZip{
	{"São Paulo", "01310100"},
	{"Rio de Janeiro", "20040002"},
	{"Belo Horizonte", "30130010"},
	{"Curitiba", "80010000"},
	{"Porto Alegre", "90010000"},
}

// SyncConfig 管道参数
type SyncConfig struct {
	DetailBatch   int           // 阶段 2 每周期领取的行数上限
	AnalyzeBatch  int           // 阶段 3 每周期领取的行数上限
	CourtesyPause time.Duration // 连续远程调用之间的礼貌性停顿

	// 阶段 9 冷却重试：0 表示永久排除（默认），>0 表示冷却期后重新入队
	RetryFailedAfter time.Duration
}

// DefaultSyncConfig 默认配置
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		DetailBatch:      20,
		AnalyzeBatch:     10,
		CourtesyPause:    time.Second,
		RetryFailedAfter: 0,
	}
}

// SyncService 四阶段同步管道
// 设计成被外部调度器高频反复调用，多个实例可以并行跑：
// 跨调用协调全部走数据库行锁，进程内没有任何共享可变状态
type SyncService struct {
	ConnRepo    repository.ConnectionRepository
	ListingRepo repository.ListingRepository
	Tokens      *TokenService
	Client      *meli.Client
	Config      *SyncConfig
}

// NewSyncService 工厂方法
func NewSyncService(
	connRepo repository.ConnectionRepository,
	listingRepo repository.ListingRepository,
	tokens *TokenService,
	client *meli.Client,
	cfg *SyncConfig,
) *SyncService {
	if cfg == nil {
		cfg = DefaultSyncConfig()
	}
	return &SyncService{
		ConnRepo:    connRepo,
		ListingRepo: listingRepo,
		Tokens:      tokens,
		Client:      client,
		Config:      cfg,
	}
}

// RunCycle 跑一个完整周期：四个阶段严格顺序执行
// 返回的 error 一律是数据库层故障，调用方应当据此以非零码退出；
// 远程 API / 凭证失败只影响对应的账号或商品，内部消化不外抛
func (s *SyncService) RunCycle(ctx context.Context) error {
	cycleID := uuid.NewString()[:8]
	log.Printf("[SyncCycle %s] --- 周期开始 ---", cycleID)

	if err := s.runCollection(ctx, cycleID); err != nil {
		return fmt.Errorf("fase 1 (coleta): %w", err)
	}
	if err := s.runDetail(ctx, cycleID); err != nil {
		return fmt.Errorf("fase 2 (detalhes): %w", err)
	}
	if err := s.runDeepAnalysis(ctx, cycleID); err != nil {
		return fmt.Errorf("fase 3 (análise): %w", err)
	}
	if err := s.runFinalize(ctx, cycleID); err != nil {
		return fmt.Errorf("fase 4 (finalização): %w", err)
	}

	log.Printf("[SyncCycle %s] --- 周期结束 ---", cycleID)
	return nil
}

// isCredentialErr 凭证类失败：账号级，打 FAILED 后本周期不再碰这个账号
func isCredentialErr(err error) bool {
	return errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrRefreshFailed) ||
		errors.Is(err, ErrDecryptFailed)
}

// statusSink 把抓取进度写进 connection 的 sync_message
type statusSink struct {
	ctx      context.Context
	repo     repository.ConnectionRepository
	saasUser int64
	mlUser   int64
}

func (p *statusSink) Progress(message string) {
	err := p.repo.UpdateSyncStatus(p.ctx, p.saasUser, p.mlUser, model.SyncStatusRunning, message)
	if err != nil {
		log.Printf("[SyncCycle] 进度写入失败: %v", err)
	}
}

// ==================== 阶段 1：ID 采集 ====================

// runCollection 领一个排队账号，整体替换它的商品集合
func (s *SyncService) runCollection(ctx context.Context, cycleID string) error {
	conn, err := s.ConnRepo.ClaimNextQueued(ctx)
	if err != nil {
		return err
	}
	if conn == nil {
		log.Printf("[SyncCycle %s] [Fase1] 队列为空", cycleID)
		return nil
	}

	log.Printf("[SyncCycle %s] [Fase1] 开始采集账号 %d (%s)", cycleID, conn.MlUserID, conn.Nickname)

	token, err := s.Tokens.GetValidAccessToken(ctx, conn.SaasUserID, conn.MlUserID)
	if err != nil {
		if isCredentialErr(err) {
			// 刷新被拒时 TokenService 已经写了 FAILED，这里补齐解密失败的情况
			log.Printf("[SyncCycle %s] [Fase1] 账号 %d 凭证不可用: %v", cycleID, conn.MlUserID, err)
			return s.ConnRepo.UpdateSyncStatus(ctx, conn.SaasUserID, conn.MlUserID,
				model.SyncStatusFailed, "Credenciais inválidas. Reconecte a conta.")
		}
		return err
	}

	// 整体替换：旧行连同运费明细一起清掉
	if err := s.ListingRepo.DeleteByAccount(ctx, conn.SaasUserID, conn.MlUserID); err != nil {
		return err
	}

	sink := &statusSink{ctx: ctx, repo: s.ConnRepo, saasUser: conn.SaasUserID, mlUser: conn.MlUserID}
	itemIDs, err := s.Client.FetchAllItemIDs(ctx, conn.MlUserID, token, sink)
	if err != nil {
		log.Printf("[SyncCycle %s] [Fase1] 账号 %d 抓取失败: %v", cycleID, conn.MlUserID, err)
		return s.ConnRepo.UpdateSyncStatus(ctx, conn.SaasUserID, conn.MlUserID,
			model.SyncStatusFailed, "Falha ao buscar anúncios na API do Mercado Livre.")
	}

	if len(itemIDs) == 0 {
		log.Printf("[SyncCycle %s] [Fase1] 账号 %d 没有在售商品", cycleID, conn.MlUserID)
		return s.ConnRepo.UpdateSyncStatus(ctx, conn.SaasUserID, conn.MlUserID,
			model.SyncStatusCompleted, "Nenhum anúncio ativo encontrado.")
	}

	inserted, err := s.ListingRepo.BulkInsertIDs(ctx, conn.SaasUserID, conn.MlUserID, itemIDs)
	if err != nil {
		return err
	}

	log.Printf("[SyncCycle %s] [Fase1] 账号 %d 落库 %d 个 ID", cycleID, conn.MlUserID, inserted)
	return s.ConnRepo.UpdateSyncStatus(ctx, conn.SaasUserID, conn.MlUserID,
		model.SyncStatusRunning,
		fmt.Sprintf("%d anúncios encontrados. Iniciando detalhamento...", len(itemIDs)))
}

// ==================== 阶段 2：基础详情 ====================

type accountKey struct {
	SaasUserID int64
	MlUserID   int64
}

// runDetail 领一批 stage 0，按账号分组拉详情
// 单条 200 → stage 1，其余同事务内 → stage 9；凭证失败只跳过该账号的分组
func (s *SyncService) runDetail(ctx context.Context, cycleID string) error {
	return s.ListingRepo.ProcessBatch(ctx, model.StagePending, s.Config.DetailBatch,
		func(txRepo repository.ListingRepository, batch []model.Listing) error {
			if len(batch) == 0 {
				return nil
			}
			log.Printf("[SyncCycle %s] [Fase2] 领取 %d 个商品", cycleID, len(batch))

			groups := make(map[accountKey][]model.Listing)
			for _, l := range batch {
				key := accountKey{l.SaasUserID, l.MlUserID}
				groups[key] = append(groups[key], l)
			}

			for key, listings := range groups {
				token, err := s.Tokens.GetValidAccessToken(ctx, key.SaasUserID, key.MlUserID)
				if err != nil {
					if isCredentialErr(err) {
						// 行留在 stage 0，冷却后下个周期重试
						log.Printf("[SyncCycle %s] [Fase2] 账号 %d 凭证不可用，跳过分组: %v",
							cycleID, key.MlUserID, err)
						continue
					}
					return err
				}

				for start := 0; start < len(listings); start += meli.MaxDetailBatch {
					end := start + meli.MaxDetailBatch
					if end > len(listings) {
						end = len(listings)
					}
					if err := s.detailChunk(ctx, cycleID, txRepo, token, listings[start:end]); err != nil {
						return err
					}
				}
				s.pause()
			}
			return nil
		})
}

// detailChunk 单个 ≤20 的分块：远程拉取 + 同事务批量推进
func (s *SyncService) detailChunk(ctx context.Context, cycleID string, txRepo repository.ListingRepository, token string, chunk []model.Listing) error {
	itemIDs := make([]string, len(chunk))
	for i, l := range chunk {
		itemIDs[i] = l.MlItemID
	}

	results, err := s.Client.FetchItemsDetails(ctx, token, itemIDs)
	if err != nil {
		// 远程失败：行原地不动，靠 last_attempt_at 冷却后重试
		log.Printf("[SyncCycle %s] [Fase2] 详情请求失败，分块跳过: %v", cycleID, err)
		return nil
	}

	var updates []model.Listing
	var failed []string
	var okIDs []string

	for i, res := range results {
		itemID := ""
		if i < len(itemIDs) {
			itemID = itemIDs[i]
		}

		if res.Code != 200 {
			if itemID != "" {
				log.Printf("[SyncCycle %s] [Fase2] 商品 %s 返回 %d，标记失败", cycleID, itemID, res.Code)
				failed = append(failed, itemID)
			}
			continue
		}

		detail, perr := meli.ParseItemDetail(res.Body)
		if perr != nil || detail.ID == "" {
			log.Printf("[SyncCycle %s] [Fase2] 商品 %s 详情解析失败: %v", cycleID, itemID, perr)
			if itemID != "" {
				failed = append(failed, itemID)
			}
			continue
		}

		updates = append(updates, model.Listing{
			MlItemID:       detail.ID,
			Title:          detail.Title,
			Price:          detail.Price,
			Stock:          detail.AvailableQuantity,
			Status:         detail.Status,
			Permalink:      detail.Permalink,
			Thumbnail:      detail.Thumbnail,
			Pictures:       pq.StringArray(detail.PictureURLs()),
			SKU:            detail.SellerCustomField,
			Health:         detail.Health,
			CategoryID:     detail.CategoryID,
			HasVariations:  detail.HasVariations(),
			ShippingMode:   detail.Shipping.Mode,
			IsFreeShipping: detail.Shipping.FreeShipping,
			LogisticType:   detail.Shipping.LogisticType,
			DetailJSON:     datatypes.JSON(res.Body),
		})
		okIDs = append(okIDs, detail.ID)
	}

	if err := txRepo.BulkUpdateDetails(ctx, updates, failed); err != nil {
		return err
	}

	// 访问量是锦上添花，拉不到不影响阶段推进
	if len(okIDs) > 0 {
		visits, verr := s.Client.FetchItemsVisits(ctx, token, okIDs)
		if verr != nil {
			log.Printf("[SyncCycle %s] [Fase2] 访问量拉取失败: %v", cycleID, verr)
		} else {
			visitMap := make(map[string]int, len(visits))
			for _, v := range visits {
				visitMap[v.ID] = v.TotalVisits
			}
			if uerr := txRepo.BulkUpdateVisits(ctx, visitMap); uerr != nil {
				return uerr
			}
		}
	}

	log.Printf("[SyncCycle %s] [Fase2] 分块完成: 成功 %d, 失败 %d", cycleID, len(updates), len(failed))
	return nil
}

// ==================== 阶段 3：深度分析 ====================

// runDeepAnalysis 领一批 stage 1，逐个做类目 + 五城运费测算
// 单个商品的任何失败只把它自己打到 stage 9，不影响同批其他商品
func (s *SyncService) runDeepAnalysis(ctx context.Context, cycleID string) error {
	return s.ListingRepo.ProcessBatch(ctx, model.StageDetailed, s.Config.AnalyzeBatch,
		func(txRepo repository.ListingRepository, batch []model.Listing) error {
			if len(batch) == 0 {
				return nil
			}
			log.Printf("[SyncCycle %s] [Fase3] 领取 %d 个商品", cycleID, len(batch))

			tokenCache := make(map[accountKey]string)

			for i := range batch {
				listing := &batch[i]

				if listing.CategoryID == "" {
					log.Printf("[SyncCycle %s] [Fase3] 商品 %s 缺少类目 ID，标记失败", cycleID, listing.MlItemID)
					if err := txRepo.BulkMarkFailed(ctx, []string{listing.MlItemID}); err != nil {
						return err
					}
					continue
				}

				key := accountKey{listing.SaasUserID, listing.MlUserID}
				token, ok := tokenCache[key]
				if !ok {
					var err error
					token, err = s.Tokens.GetValidAccessToken(ctx, key.SaasUserID, key.MlUserID)
					if err != nil {
						if isCredentialErr(err) {
							// 行留在 stage 1 等下个周期
							log.Printf("[SyncCycle %s] [Fase3] 账号 %d 凭证不可用，跳过商品 %s",
								cycleID, key.MlUserID, listing.MlItemID)
							continue
						}
						return err
					}
					tokenCache[key] = token
				}

				if err := s.analyzeListing(ctx, cycleID, txRepo, token, listing); err != nil {
					return err
				}
				s.pause()
			}
			return nil
		})
}

// analyzeListing 单商品深度分析；返回 error 仅限数据库故障
func (s *SyncService) analyzeListing(ctx context.Context, cycleID string, txRepo repository.ListingRepository, token string, listing *model.Listing) error {
	categoryDoc, err := s.Client.FetchCategoryDetails(ctx, token, listing.CategoryID)
	if err != nil {
		log.Printf("[SyncCycle %s] [Fase3] 商品 %s 类目查询失败: %v", cycleID, listing.MlItemID, err)
		return txRepo.BulkMarkFailed(ctx, []string{listing.MlItemID})
	}

	zips := make(map[string]string, len(referenceZips))
	for _, rz := range referenceZips {
		zips[rz.Region] = rz.ZipCode
	}
	quotes := s.Client.FetchShippingQuotes(ctx, token, listing.MlItemID, zips)

	costs := make([]model.ShippingCost, 0, len(referenceZips))
	merged := make(map[string]json.RawMessage, len(quotes))
	for _, rz := range referenceZips {
		doc := quotes[rz.Region]
		if doc == nil {
			// 缺任何一城的报价就算该商品本轮失败，绝不把查不到当作免运费
			log.Printf("[SyncCycle %s] [Fase3] 商品 %s 的 %s 运费缺失，标记失败",
				cycleID, listing.MlItemID, rz.Region)
			return txRepo.BulkMarkFailed(ctx, []string{listing.MlItemID})
		}
		merged[rz.Region] = doc

		var parsed meli.ShippingOptionsDoc
		if perr := json.Unmarshal(doc, &parsed); perr != nil {
			log.Printf("[SyncCycle %s] [Fase3] 商品 %s 运费文档解析失败: %v", cycleID, listing.MlItemID, perr)
			return txRepo.BulkMarkFailed(ctx, []string{listing.MlItemID})
		}

		cost := 0.0
		if best := parsed.CheapestOption(); best != nil {
			cost = best.Cost
		}
		costs = append(costs, model.ShippingCost{
			ListingID: listing.ID,
			MlItemID:  listing.MlItemID,
			Region:    rz.Region,
			ZipCode:   rz.ZipCode,
			Cost:      cost,
			IsFree:    cost == 0,
		})
	}

	shippingJSON, err := json.Marshal(merged)
	if err != nil {
		return txRepo.BulkMarkFailed(ctx, []string{listing.MlItemID})
	}
	listing.ShippingJSON = datatypes.JSON(shippingJSON)
	listing.CategoryJSON = datatypes.JSON(categoryDoc)

	if err := txRepo.BulkUpdateDeepAnalysis(ctx, listing, costs); err != nil {
		return err
	}

	log.Printf("[SyncCycle %s] [Fase3] 商品 %s 分析完成", cycleID, listing.MlItemID)
	return nil
}

// ==================== 阶段 4：收尾 ====================

// runFinalize 结算每个 RUNNING 账号的进度；可选地把冷却完的失败行放回队列
func (s *SyncService) runFinalize(ctx context.Context, cycleID string) error {
	if s.Config.RetryFailedAfter > 0 {
		n, err := s.ListingRepo.RequeueFailed(ctx, time.Now().Add(-s.Config.RetryFailedAfter))
		if err != nil {
			return err
		}
		if n > 0 {
			log.Printf("[SyncCycle %s] [Fase4] %d 个失败商品冷却完毕，重新入队", cycleID, n)
		}
	}

	conns, err := s.ConnRepo.FindByStatus(ctx, model.SyncStatusRunning)
	if err != nil {
		return err
	}

	for _, conn := range conns {
		pending, total, err := s.ListingRepo.CountPending(ctx, conn.MlUserID)
		if err != nil {
			return err
		}

		if pending == 0 {
			log.Printf("[SyncCycle %s] [Fase4] 账号 %d 同步完成", cycleID, conn.MlUserID)
			err = s.ConnRepo.UpdateSyncStatus(ctx, conn.SaasUserID, conn.MlUserID,
				model.SyncStatusCompleted, "Sincronização concluída.")
			if err != nil {
				return err
			}
			continue
		}

		pct := 0
		if total > 0 {
			pct = int(math.Round(float64(total-pending) / float64(total) * 100))
		}
		err = s.ConnRepo.UpdateSyncStatus(ctx, conn.SaasUserID, conn.MlUserID,
			model.SyncStatusRunning,
			fmt.Sprintf("Detalhando anúncios... %d%% concluído", pct))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SyncService) pause() {
	if s.Config.CourtesyPause > 0 {
		time.Sleep(s.Config.CourtesyPause)
	}
}
