package visitor

import (
	"context"
	"log/slog"
	"time"
)

// SweepJob は一定時間アクセスのない訪問者をメモリから削除するジョブ。
type SweepJob struct {
	registry *Registry
	logger   *slog.Logger
	IdleTTL  time.Duration // 訪問者の保持時間（デフォルト: 24時間）
}

// NewSweepJob は新しいSweepJobを生成する。
func NewSweepJob(registry *Registry, logger *slog.Logger, idleTTL time.Duration) *SweepJob {
	if idleTTL <= 0 {
		idleTTL = 24 * time.Hour
	}
	return &SweepJob{
		registry: registry,
		logger:   logger,
		IdleTTL:  idleTTL,
	}
}

// Run は保持時間を超過した訪問者を1回削除する。
func (j *SweepJob) Run(ctx context.Context) {
	start := time.Now()
	removed := j.registry.Sweep(j.IdleTTL)

	j.logger.Info("visitor sweep completed",
		slog.Int("removed_count", removed),
		slog.Int("active_count", j.registry.Len()),
		slog.Duration("idle_ttl", j.IdleTTL),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}

// Start はctxがキャンセルされるまでintervalごとにRunを実行する。
func (j *SweepJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}
