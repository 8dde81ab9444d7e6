package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/leadman/internal/model"
	"github.com/hitoshi/leadman/internal/query"
)

// MemoryStore はプロセス内で完結するストア。
// STORE_BACKEND=memory とテストで使用する。リードの絞り込みは述語ツリーを直接評価する。
type MemoryStore struct {
	mu       sync.RWMutex
	leads    map[string]*model.Lead
	users    map[string]*model.User
	sessions map[string]*model.Session
	now      func() time.Time
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leads:    make(map[string]*model.Lead),
		users:    make(map[string]*model.User),
		sessions: make(map[string]*model.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock は時刻取得関数を差し替える。テスト用。
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Leads はLeadRepositoryとしてのビューを返す。
func (s *MemoryStore) Leads() *MemoryLeadRepo { return &MemoryLeadRepo{s: s} }

// Users はUserRepositoryとしてのビューを返す。
func (s *MemoryStore) Users() *MemoryUserRepo { return &MemoryUserRepo{s: s} }

// Sessions はSessionRepositoryとしてのビューを返す。
func (s *MemoryStore) Sessions() *MemorySessionRepo { return &MemorySessionRepo{s: s} }

// PingContext はコンテキストが有効な限り成功する。
func (s *MemoryStore) PingContext(ctx context.Context) error { return ctx.Err() }

// MemoryLeadRepo はMemoryStore上のリードリポジトリ。
type MemoryLeadRepo struct {
	s *MemoryStore
}

// List は所有者スコープと述語に一致するリードの1ページ分と一致件数を返す。
func (r *MemoryLeadRepo) List(ctx context.Context, ownerID string, pred query.Predicate, page query.Page) ([]*model.Lead, int, error) {
	if ownerID == "" {
		return nil, 0, ErrMissingOwner
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	r.s.mu.RLock()
	var matched []*model.Lead
	for _, l := range r.s.leads {
		if l.OwnerID == ownerID && pred.Matches(l) {
			matched = append(matched, cloneLead(l))
		}
	}
	r.s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	total := len(matched)
	start := page.Offset()
	if start >= total {
		return []*model.Lead{}, total, nil
	}
	end := start + page.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// FindByID は所有者のリードを取得する。見つからない場合はnilを返す。
func (r *MemoryLeadRepo) FindByID(ctx context.Context, ownerID, id string) (*model.Lead, error) {
	if ownerID == "" {
		return nil, ErrMissingOwner
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	l, ok := r.s.leads[id]
	if !ok || l.OwnerID != ownerID {
		return nil, nil
	}
	return cloneLead(l), nil
}

// Create はリードを作成する。同一所有者内でemailが重複する場合はErrDuplicateEmailを返す。
func (r *MemoryLeadRepo) Create(ctx context.Context, ownerID string, lead *model.Lead) error {
	if ownerID == "" {
		return ErrMissingOwner
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.emailTaken(ownerID, lead.Email, "") {
		return ErrDuplicateEmail
	}

	now := r.s.now()
	lead.ID = uuid.New().String()
	lead.OwnerID = ownerID
	lead.CreatedAt = now
	lead.UpdatedAt = now
	r.s.leads[lead.ID] = cloneLead(lead)
	return nil
}

// Update はIDと所有者が一致するリードを上書きする。
func (r *MemoryLeadRepo) Update(ctx context.Context, ownerID string, lead *model.Lead) (*model.Lead, error) {
	if ownerID == "" {
		return nil, ErrMissingOwner
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	existing, ok := r.s.leads[lead.ID]
	if !ok || existing.OwnerID != ownerID {
		return nil, nil
	}
	if r.s.emailTaken(ownerID, lead.Email, lead.ID) {
		return nil, ErrDuplicateEmail
	}

	updated := cloneLead(lead)
	updated.OwnerID = existing.OwnerID
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = r.s.now()
	r.s.leads[updated.ID] = updated
	return cloneLead(updated), nil
}

// Delete はIDと所有者が一致するリードを削除し、削除件数を返す。
func (r *MemoryLeadRepo) Delete(ctx context.Context, ownerID, id string) (int64, error) {
	if ownerID == "" {
		return 0, ErrMissingOwner
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	l, ok := r.s.leads[id]
	if !ok || l.OwnerID != ownerID {
		return 0, nil
	}
	delete(r.s.leads, id)
	return 1, nil
}

// DeleteByOwner は所有者のリードを全て削除する。
func (r *MemoryLeadRepo) DeleteByOwner(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return ErrMissingOwner
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.deleteLeadsOf(ownerID)
	return nil
}

// emailTaken は所有者内にemailが同じ別リードが存在するかを返す。呼び出し側でロックを保持すること。
func (s *MemoryStore) emailTaken(ownerID, email, exceptID string) bool {
	for id, l := range s.leads {
		if id != exceptID && l.OwnerID == ownerID && l.Email == email {
			return true
		}
	}
	return false
}

func (s *MemoryStore) deleteLeadsOf(ownerID string) {
	for id, l := range s.leads {
		if l.OwnerID == ownerID {
			delete(s.leads, id)
		}
	}
}

func cloneLead(l *model.Lead) *model.Lead {
	c := *l
	if l.LastActivityAt != nil {
		t := *l.LastActivityAt
		c.LastActivityAt = &t
	}
	return &c
}

// MemoryUserRepo はMemoryStore上のユーザーリポジトリ。
type MemoryUserRepo struct {
	s *MemoryStore
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if u, ok := r.s.users[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, nil
}

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, u := range r.s.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

// Create はユーザーを作成する。emailが重複する場合はErrDuplicateEmailを返す。
func (r *MemoryUserRepo) Create(ctx context.Context, user *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.Email == user.Email {
			return ErrDuplicateEmail
		}
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	c := *user
	r.s.users[user.ID] = &c
	return nil
}

// DeleteByID はユーザーと、そのセッション・リードを削除する。
func (r *MemoryUserRepo) DeleteByID(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[id]; !ok {
		return fmt.Errorf("user not found: %s", id)
	}
	delete(r.s.users, id)
	for sid, sess := range r.s.sessions {
		if sess.UserID == id {
			delete(r.s.sessions, sid)
		}
	}
	r.s.deleteLeadsOf(id)
	return nil
}

// MemorySessionRepo はMemoryStore上のセッションリポジトリ。
type MemorySessionRepo struct {
	s *MemoryStore
}

// Create はセッションを作成する。
func (r *MemorySessionRepo) Create(ctx context.Context, session *model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *session
	r.s.sessions[session.ID] = &c
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *MemorySessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sess, ok := r.s.sessions[id]
	if !ok || !sess.ExpiresAt.After(r.s.now()) {
		return nil, nil
	}
	c := *sess
	if u, ok := r.s.users[sess.UserID]; ok {
		c.UserEmail = u.Email
	}
	return &c, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *MemorySessionRepo) DeleteByID(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.sessions, id)
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *MemorySessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, sess := range r.s.sessions {
		if sess.UserID == userID {
			delete(r.s.sessions, id)
		}
	}
	return nil
}

// compile-time interface check
var (
	_ LeadRepository    = (*MemoryLeadRepo)(nil)
	_ UserRepository    = (*MemoryUserRepo)(nil)
	_ SessionRepository = (*MemorySessionRepo)(nil)
)
