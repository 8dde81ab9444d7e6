// Package cleanup は期限切れセッションの定期削除ジョブを提供する。
// セッションは参照時にも有効期限を確認するため、このジョブは行の掃除のみを担う。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sqlx.DB、*sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PurgeRecorder は削除件数を記録するメトリクスのインターフェース。
type PurgeRecorder interface {
	RecordSessionsPurged(count int64)
}

const purgeExpiredSessionsQuery = `DELETE FROM sessions WHERE expires_at < now()`

// SessionCleanupJob は期限切れセッションの削除ジョブ。
// 冪等な削除処理のため、複数のワーカーが同時に実行しても問題ない。
type SessionCleanupJob struct {
	db      Executor
	logger  *slog.Logger
	metrics PurgeRecorder
}

// NewSessionCleanupJob は新しいSessionCleanupJobを生成する。metricsはnilでもよい。
func NewSessionCleanupJob(db Executor, logger *slog.Logger, metrics PurgeRecorder) *SessionCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionCleanupJob{
		db:      db,
		logger:  logger,
		metrics: metrics,
	}
}

// Run は有効期限を過ぎたセッションを削除し、削除件数を返す。
// 削除対象がない場合でもエラーにならない。
func (j *SessionCleanupJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	result, err := j.db.ExecContext(ctx, purgeExpiredSessionsQuery)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	if j.metrics != nil {
		j.metrics.RecordSessionsPurged(deletedCount)
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return deletedCount, nil
}

// Start は起動直後に1回実行し、以後intervalごとにRunを繰り返す。
// ctxがキャンセルされるまでブロックする。失敗はログに残して次回に持ち越す。
func (j *SessionCleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	_, _ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = j.Run(ctx)
		}
	}
}
