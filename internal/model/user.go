// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザー（リードの所有テナント）を表す。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity は認証済み呼び出し元を表す。
// すべてのリード操作の所有者スコープとして使用される。
type Identity struct {
	ID    string
	Email string
}

// Session はユーザーのログインセッションを表す。
// UserEmailは検索時にusersテーブルから結合して取得される。
type Session struct {
	ID        string
	UserID    string
	UserEmail string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Identity はセッションから呼び出し元のIdentityを生成する。
func (s *Session) Identity() Identity {
	return Identity{ID: s.UserID, Email: s.UserEmail}
}
