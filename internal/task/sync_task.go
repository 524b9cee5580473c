package task

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"meli_sync_v1_202608/internal/service"
)

// ==================== SyncTask 同步管道定时任务 ====================

// SyncTask 按固定节奏触发一次管道周期
// 周期之间允许重叠（也允许多进程同时跑）：协调完全靠数据库行锁，
// 这里不做任何进程内互斥
type SyncTask struct {
	syncService *service.SyncService
	cron        *cron.Cron

	cronSpec     string
	cycleTimeout time.Duration
}

// NewSyncTask 创建同步任务
func NewSyncTask(syncService *service.SyncService, cronSpec string) *SyncTask {
	if cronSpec == "" {
		cronSpec = "0 * * * * *" // 每分钟
	}
	return &SyncTask{
		syncService:  syncService,
		cron:         cron.New(cron.WithSeconds()),
		cronSpec:     cronSpec,
		cycleTimeout: 10 * time.Minute,
	}
}

// Start 启动定时任务
func (t *SyncTask) Start() {
	// 首次执行：启动即跑一轮，不等第一个整点
	go func() {
		t.runOnce()
	}()

	_, err := t.cron.AddFunc(t.cronSpec, func() {
		t.runOnce()
	})
	if err != nil {
		log.Fatalf("无法启动同步定时任务: %v", err)
	}

	t.cron.Start()
	log.Printf("[SyncTask] 已启动 (cron: %s)", t.cronSpec)
}

// Stop 停止任务，等待在途周期结束
func (t *SyncTask) Stop() {
	ctx := t.cron.Stop()
	<-ctx.Done()
	log.Println("[SyncTask] 已停止")
}

// RunOnce 单次模式：外部调度器（crontab/k8s CronJob）用，跑完一轮就返回
// 数据库层故障直接非零退出，调度器下一次调用会重新领取回滚后的行
func (t *SyncTask) RunOnce() {
	t.runOnce()
}

func (t *SyncTask) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), t.cycleTimeout)
	defer cancel()

	if err := t.syncService.RunCycle(ctx); err != nil {
		// RunCycle 返回的只有数据库层故障：继续跑没有意义，留给下一次调度重试
		log.Fatalf("[SyncTask] [FATAL] 周期因数据库故障中止: %v", err)
	}
}
