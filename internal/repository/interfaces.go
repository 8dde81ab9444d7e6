// Package repository はデータ永続化のインターフェースを定義する。
//
// リードを扱うメソッドはすべて所有者ID（テナントスコープ）を第1引数に取る。
// 空の所有者IDはErrMissingOwnerとなり、ストアには到達しない。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/leadman/internal/model"
	"github.com/hitoshi/leadman/internal/query"
)

var (
	// ErrDuplicateEmail は一意制約（email）に違反した場合に返される。
	ErrDuplicateEmail = errors.New("repository: duplicate email")
	// ErrMissingOwner は所有者スコープなしでリードにアクセスしようとした場合に返される。
	ErrMissingOwner = errors.New("repository: owner scope is required")
)

// LeadRepository はリードデータの永続化インターフェース。
type LeadRepository interface {
	// List は所有者スコープと述語に一致するリードをcreated_at降順（同値はid降順）で返す。
	// 2番目の戻り値はページ範囲を無視した一致件数。
	List(ctx context.Context, ownerID string, pred query.Predicate, page query.Page) ([]*model.Lead, int, error)

	// FindByID は所有者のリードを取得する。見つからない場合はnilを返す。
	// 他テナントのリードも見つからない扱いになる。
	FindByID(ctx context.Context, ownerID, id string) (*model.Lead, error)

	// Create はリードを作成し、採番されたIDとタイムスタンプをleadに設定する。
	// OwnerIDは引数のownerIDで上書きされる。
	Create(ctx context.Context, ownerID string, lead *model.Lead) error

	// Update はIDと所有者が一致するリードを上書きし、更新後の値を返す。
	// 一致する行がない場合はnilを返す。id・owner_id・created_atは更新しない。
	Update(ctx context.Context, ownerID string, lead *model.Lead) (*model.Lead, error)

	// Delete はIDと所有者が一致するリードを削除し、削除件数を返す。
	Delete(ctx context.Context, ownerID, id string) (int64, error)

	// DeleteByOwner は所有者のリードを全て削除する。
	DeleteByOwner(ctx context.Context, ownerID string) error
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。emailが重複する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するsessions、leadsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}
