// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/leadman/internal/model"
	"github.com/hitoshi/leadman/internal/repository"
)

// LeadDeleter はリードの一括削除インターフェース。
type LeadDeleter interface {
	DeleteByOwner(ctx context.Context, ownerID string) error
}

// Service はユーザー管理のサービス層。
// 退会処理のビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	leadDeleter LeadDeleter
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	leadDeleter LeadDeleter,
) *Service {
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		leadDeleter: leadDeleter,
	}
}

// Withdraw はユーザーの退会処理を実行する。
// リード、セッション、ユーザーの順に削除する。途中で失敗した場合はそれ以降を実行しない。
// PostgreSQLではユーザー削除のCASCADEでも消えるが、ストア実装に依存しないよう明示的に削除する。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	log := slog.With(slog.String("user_id", userID))
	log.Info("退会処理を開始します")

	steps := []struct {
		name string
		run  func(context.Context, string) error
	}{
		{"リード", s.leadDeleter.DeleteByOwner},
		{"セッション", s.sessionRepo.DeleteByUserID},
		{"ユーザー", s.userRepo.DeleteByID},
	}
	for _, step := range steps {
		if err := step.run(ctx, userID); err != nil {
			log.Error("退会処理に失敗しました",
				slog.String("step", step.name),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%sの削除に失敗しました: %w", step.name, err)
		}
	}

	log.Info("退会処理が完了しました")
	return nil
}
