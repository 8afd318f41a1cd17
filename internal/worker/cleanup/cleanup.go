// Package cleanup は期限切れウォレットセッションの自動削除ジョブを提供する。
// expires_atを過ぎた永続化レコードを定期的に削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultInterval は削除ジョブのデフォルト実行間隔。
const DefaultInterval = time.Hour

// ExpiredDeleter は期限切れレコードの削除を抽象化するインターフェース。
// repository.WalletSessionRepositoryの部分集合。
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Recorder は削除件数のメトリクス記録先。
type Recorder interface {
	RecordSessionsCleaned(count int)
}

// CleanupJob は期限切れウォレットセッションの自動削除ジョブ。
// 冪等な削除処理を保証する。
type CleanupJob struct {
	repo     ExpiredDeleter
	logger   *slog.Logger
	recorder Recorder
	Interval time.Duration // 実行間隔（デフォルト: 1時間）
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(repo ExpiredDeleter, logger *slog.Logger, recorder Recorder) *CleanupJob {
	return &CleanupJob{
		repo:     repo,
		logger:   logger,
		recorder: recorder,
		Interval: DefaultInterval,
	}
}

// Run は期限切れのウォレットセッションを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.repo.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	if j.recorder != nil {
		j.recorder.RecordSessionsCleaned(int(deletedCount))
	}

	duration := time.Since(start)
	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降はIntervalごとに実行する。
// ctxがキャンセルされるまでブロックする。失敗はログに記録して次回に持ち越す。
func (j *CleanupJob) Start(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	j.logger.Info("セッションクリーンアップジョブを開始します",
		slog.Duration("interval", interval),
	)
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
