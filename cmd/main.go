package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"meli_sync_v1_202608/internal/model"
	"meli_sync_v1_202608/internal/repository"
	"meli_sync_v1_202608/internal/service"
	"meli_sync_v1_202608/internal/task"
	"meli_sync_v1_202608/pkg/crypto"
	"meli_sync_v1_202608/pkg/database"
	"meli_sync_v1_202608/pkg/meli"
)

func main() {
	// .env 可选：容器环境直接注入环境变量
	if err := godotenv.Load(); err != nil {
		log.Println("没有找到 .env 文件，使用进程环境变量")
	}

	// 1. 初始化数据库
	db := initDatabase()

	// 2. 初始化依赖
	deps := initDependencies(db)

	// 3. 单次模式：跑一轮就退出，交给外部调度器循环
	if getEnv("SYNC_RUN_ONCE", "") == "1" {
		deps.SyncTask.RunOnce()
		return
	}

	// 4. 常驻模式：内置 cron 驱动
	deps.SyncTask.Start()
	waitForShutdown(deps)
}

// ==================== 依赖容器 ====================

// Dependencies 依赖容器
type Dependencies struct {
	DB          *gorm.DB
	ConnRepo    repository.ConnectionRepository
	ListingRepo repository.ListingRepository
	Tokens      *service.TokenService
	Sync        *service.SyncService
	SyncTask    *task.SyncTask
}

// ==================== 初始化函数 ====================

// initDatabase 初始化数据库
func initDatabase() *gorm.DB {
	dsn := getEnv("DATABASE_DSN",
		"host=localhost user=meli password=meli dbname=meli_sync port=5432 sslmode=disable")
	return database.InitDB(dsn,
		&model.Connection{},
		&model.Listing{},
		&model.ShippingCost{},
	)
}

// initDependencies 初始化所有依赖
func initDependencies(db *gorm.DB) *Dependencies {
	// -------- 加密密钥 --------
	key, err := crypto.LoadKey(getEnv("APP_ENCRYPTION_KEY", ""))
	if err != nil {
		log.Fatalf("加密密钥加载失败 (APP_ENCRYPTION_KEY): %v", err)
	}

	// -------- Repo 层 --------
	connRepo := repository.NewConnectionRepository(db)
	listingRepo := repository.NewListingRepository(db)

	// -------- API 客户端 --------
	client := meli.NewClient(&meli.Config{
		AppID:  getEnv("ML_APP_ID", ""),
		Secret: getEnv("ML_SECRET_KEY", ""),
	})

	// -------- 业务服务 --------
	tokens := service.NewTokenService(connRepo, client, key)

	syncCfg := service.DefaultSyncConfig()
	syncCfg.DetailBatch = getEnvInt("SYNC_DETAIL_BATCH", syncCfg.DetailBatch)
	syncCfg.AnalyzeBatch = getEnvInt("SYNC_ANALYZE_BATCH", syncCfg.AnalyzeBatch)
	if hours := getEnvInt("SYNC_RETRY_FAILED_AFTER_HOURS", 0); hours > 0 {
		syncCfg.RetryFailedAfter = time.Duration(hours) * time.Hour
	}

	syncSvc := service.NewSyncService(connRepo, listingRepo, tokens, client, syncCfg)
	syncTask := task.NewSyncTask(syncSvc, getEnv("SYNC_CRON_SPEC", ""))

	return &Dependencies{
		DB:          db,
		ConnRepo:    connRepo,
		ListingRepo: listingRepo,
		Tokens:      tokens,
		Sync:        syncSvc,
		SyncTask:    syncTask,
	}
}

// ==================== 生命周期 ====================

// waitForShutdown 等待退出信号，让在途周期收尾后退出
func waitForShutdown(deps *Dependencies) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭 worker...")
	deps.SyncTask.Stop()

	if sqlDB, err := deps.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Println("worker 已退出")
}

// ==================== 工具函数 ====================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
