package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"ai-screener-go/internal/config"
	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/screening"
	"ai-screener-go/internal/storage"

	"github.com/spf13/pflag"
)

// 配置并发数
const (
	concurrency = 5
	batchSize   = 20
)

// candidate 一条待重放的失败记录
type candidate struct {
	id        uint64
	req       screening.RequeueRequest
	updatedAt time.Time
}

// lister 按 id 升序分页读取失败记录
type lister func(ctx context.Context, afterID uint64, limit int) ([]candidate, error)

// 批量重放 failed 状态的筛选结果和推荐记录。只写 outbox，由运行中的服务投递。
func main() {
	var (
		configPath string
		olderThan  time.Duration
		maxCount   int
		dryRun     bool
	)
	pflag.StringVarP(&configPath, "config", "c", "internal/config/config.yaml", "Path to config file")
	pflag.DurationVar(&olderThan, "older-than", 0, "只重放最后更新早于该时长的结果")
	pflag.IntVar(&maxCount, "max", 0, "最多重放条数，0 表示不限")
	pflag.BoolVar(&dryRun, "dry-run", false, "只列出，不重放")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("加载配置失败")
	}
	logger.Init(logger.Config{Level: cfg.Logger.Level, Format: cfg.Logger.Format, TimeFormat: cfg.Logger.TimeFormat})
	log := logger.Named("data_repair")

	ctx := context.Background()
	mysql, err := storage.NewMySQL(&cfg.MySQL)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化MySQL失败")
	}
	defer mysql.Close()

	results := storage.NewResultStore(mysql.DB())
	recommendations := storage.NewRecommendationStore(mysql.DB())
	recovery := screening.NewRecovery(mysql.DB(), results, recommendations, cfg.RabbitMQ.ScreeningQueue)
	cutoff := time.Now().Add(-olderThan)

	listers := map[string]lister{
		"screening": func(ctx context.Context, afterID uint64, limit int) ([]candidate, error) {
			rows, err := results.ListFailed(ctx, afterID, limit)
			out := make([]candidate, 0, len(rows))
			for _, r := range rows {
				out = append(out, candidate{id: r.ID, req: screening.RequeueRequest{ApplicationID: r.ApplicationID}, updatedAt: r.UpdatedAt})
			}
			return out, err
		},
		"recommendation": func(ctx context.Context, afterID uint64, limit int) ([]candidate, error) {
			rows, err := recommendations.ListFailed(ctx, afterID, limit)
			out := make([]candidate, 0, len(rows))
			for _, r := range rows {
				out = append(out, candidate{id: r.ID, req: screening.RequeueRequest{ApplicationID: r.ApplicationID, JobID: r.JobID}, updatedAt: r.UpdatedAt})
			}
			return out, err
		},
	}

	// 使用信号量控制并发
	semaphore := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var queued, skipped, failed atomic.Int64
	total := 0
	limitReached := func() bool { return maxCount > 0 && total >= maxCount }

	for _, kind := range []string{"screening", "recommendation"} {
		list := listers[kind]
		var afterID uint64
		for !limitReached() {
			rows, err := list(ctx, afterID, batchSize)
			if err != nil {
				log.Fatal().Err(err).Str("kind", kind).Msg("获取失败记录列表失败")
			}
			if len(rows) == 0 {
				break
			}
			afterID = rows[len(rows)-1].id

			for _, row := range rows {
				if limitReached() {
					break
				}
				if olderThan > 0 && row.updatedAt.After(cutoff) {
					skipped.Add(1)
					continue
				}
				total++
				if dryRun {
					log.Info().Str("kind", kind).Str("application_id", row.req.ApplicationID).Str("job_id", row.req.JobID).
						Time("updated_at", row.updatedAt).Msg("待重放")
					continue
				}

				wg.Add(1)
				semaphore <- struct{}{}
				go func(req screening.RequeueRequest) {
					defer func() {
						<-semaphore
						wg.Done()
					}()

					err := recovery.Requeue(ctx, req)
					switch {
					case err == nil:
						queued.Add(1)
					case errors.Is(err, storage.ErrNotReplayable):
						// 并发的人工重放已处理
						skipped.Add(1)
					default:
						failed.Add(1)
						log.Warn().Err(err).Str("application_id", req.ApplicationID).Str("job_id", req.JobID).Msg("重放失败")
					}
				}(row.req)
			}

			// 等待当前批次完成
			wg.Wait()
		}
	}

	log.Info().
		Int("matched", total).
		Int64("queued", queued.Load()).
		Int64("skipped", skipped.Load()).
		Int64("failed", failed.Load()).
		Bool("dry_run", dryRun).
		Msg("批量重放完成")
}
