package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hitoshi/leadman/internal/model"
	"github.com/hitoshi/leadman/internal/query"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

const leadColumns = `id, owner_id, first_name, last_name, email, phone, company, city, state,
	source, status, score, lead_value, is_qualified, last_activity_at, created_at, updated_at`

// leadRow はleadsテーブルの1行。
type leadRow struct {
	ID             string       `db:"id"`
	OwnerID        string       `db:"owner_id"`
	FirstName      string       `db:"first_name"`
	LastName       string       `db:"last_name"`
	Email          string       `db:"email"`
	Phone          string       `db:"phone"`
	Company        string       `db:"company"`
	City           string       `db:"city"`
	State          string       `db:"state"`
	Source         string       `db:"source"`
	Status         string       `db:"status"`
	Score          int          `db:"score"`
	LeadValue      float64      `db:"lead_value"`
	IsQualified    bool         `db:"is_qualified"`
	LastActivityAt sql.NullTime `db:"last_activity_at"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func newLeadRow(l *model.Lead) leadRow {
	row := leadRow{
		ID:          l.ID,
		OwnerID:     l.OwnerID,
		FirstName:   l.FirstName,
		LastName:    l.LastName,
		Email:       l.Email,
		Phone:       l.Phone,
		Company:     l.Company,
		City:        l.City,
		State:       l.State,
		Source:      string(l.Source),
		Status:      string(l.Status),
		Score:       l.Score,
		LeadValue:   l.LeadValue,
		IsQualified: l.IsQualified,
		CreatedAt:   l.CreatedAt,
		UpdatedAt:   l.UpdatedAt,
	}
	if l.LastActivityAt != nil {
		row.LastActivityAt = sql.NullTime{Time: *l.LastActivityAt, Valid: true}
	}
	return row
}

func (r leadRow) toModel() *model.Lead {
	l := &model.Lead{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		Email:       r.Email,
		Phone:       r.Phone,
		Company:     r.Company,
		City:        r.City,
		State:       r.State,
		Source:      model.LeadSource(r.Source),
		Status:      model.LeadStatus(r.Status),
		Score:       r.Score,
		LeadValue:   r.LeadValue,
		IsQualified: r.IsQualified,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.LastActivityAt.Valid {
		t := r.LastActivityAt.Time.UTC()
		l.LastActivityAt = &t
	}
	return l
}

// PostgresLeadRepo はPostgreSQLを使用したリードリポジトリ。
type PostgresLeadRepo struct {
	db *sqlx.DB
}

// NewPostgresLeadRepo はPostgresLeadRepoを生成する。
func NewPostgresLeadRepo(db *sqlx.DB) *PostgresLeadRepo {
	return &PostgresLeadRepo{db: db}
}

// List は所有者スコープと述語に一致するリードの1ページ分と一致件数を返す。
// 件数とページは同一の読み取り専用トランザクション（REPEATABLE READ）で取得するため、
// totalとdataは常に同じスナップショットに基づく。
func (r *PostgresLeadRepo) List(ctx context.Context, ownerID string, pred query.Predicate, page query.Page) ([]*model.Lead, int, error) {
	if ownerID == "" {
		return nil, 0, ErrMissingOwner
	}

	where, args, err := buildLeadWhere(ownerID, pred)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build lead filter: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.GetContext(ctx, &total, "SELECT count(*) FROM leads WHERE "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count leads: %w", err)
	}

	pageArgs := make([]any, 0, len(args)+2)
	pageArgs = append(pageArgs, args...)
	pageArgs = append(pageArgs, page.Limit, page.Offset())

	q := fmt.Sprintf(
		"SELECT %s FROM leads WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		leadColumns, where, len(args)+1, len(args)+2,
	)
	var rows []leadRow
	if err := tx.SelectContext(ctx, &rows, q, pageArgs...); err != nil {
		return nil, 0, fmt.Errorf("failed to list leads: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	leads := make([]*model.Lead, 0, len(rows))
	for _, row := range rows {
		leads = append(leads, row.toModel())
	}
	return leads, total, nil
}

// FindByID は所有者のリードを取得する。見つからない場合はnilを返す。
func (r *PostgresLeadRepo) FindByID(ctx context.Context, ownerID, id string) (*model.Lead, error) {
	if ownerID == "" {
		return nil, ErrMissingOwner
	}
	if !isUUID(id) {
		return nil, nil
	}

	var row leadRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+leadColumns+` FROM leads WHERE id = $1 AND owner_id = $2`,
		id, ownerID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find lead: %w", err)
	}
	return row.toModel(), nil
}

// Create はリードを作成する。IDとタイムスタンプはデータベースで採番される。
func (r *PostgresLeadRepo) Create(ctx context.Context, ownerID string, lead *model.Lead) error {
	if ownerID == "" {
		return ErrMissingOwner
	}
	lead.OwnerID = ownerID

	q, args, err := r.db.BindNamed(
		`INSERT INTO leads (owner_id, first_name, last_name, email, phone, company, city, state,
			source, status, score, lead_value, is_qualified, last_activity_at)
		 VALUES (:owner_id, :first_name, :last_name, :email, :phone, :company, :city, :state,
			:source, :status, :score, :lead_value, :is_qualified, :last_activity_at)
		 RETURNING `+leadColumns,
		newLeadRow(lead),
	)
	if err != nil {
		return fmt.Errorf("failed to bind lead insert: %w", err)
	}

	var row leadRow
	if err := r.db.QueryRowxContext(ctx, q, args...).StructScan(&row); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert lead: %w", err)
	}

	*lead = *row.toModel()
	return nil
}

// Update はIDと所有者が一致するリードを上書きする。updated_atは常に現在時刻になる。
func (r *PostgresLeadRepo) Update(ctx context.Context, ownerID string, lead *model.Lead) (*model.Lead, error) {
	if ownerID == "" {
		return nil, ErrMissingOwner
	}
	if !isUUID(lead.ID) {
		return nil, nil
	}

	params := newLeadRow(lead)
	params.OwnerID = ownerID

	q, args, err := r.db.BindNamed(
		`UPDATE leads SET
			first_name = :first_name, last_name = :last_name, email = :email, phone = :phone,
			company = :company, city = :city, state = :state, source = :source, status = :status,
			score = :score, lead_value = :lead_value, is_qualified = :is_qualified,
			last_activity_at = :last_activity_at, updated_at = now()
		 WHERE id = :id AND owner_id = :owner_id
		 RETURNING `+leadColumns,
		params,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind lead update: %w", err)
	}

	var row leadRow
	err = r.db.QueryRowxContext(ctx, q, args...).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("failed to update lead: %w", err)
	}
	return row.toModel(), nil
}

// Delete はIDと所有者が一致するリードを削除し、削除件数を返す。
func (r *PostgresLeadRepo) Delete(ctx context.Context, ownerID, id string) (int64, error) {
	if ownerID == "" {
		return 0, ErrMissingOwner
	}
	if !isUUID(id) {
		return 0, nil
	}

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM leads WHERE id = $1 AND owner_id = $2`,
		id, ownerID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete lead: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// DeleteByOwner は所有者のリードを全て削除する。
func (r *PostgresLeadRepo) DeleteByOwner(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return ErrMissingOwner
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM leads WHERE owner_id = $1`, ownerID); err != nil {
		return fmt.Errorf("failed to delete owner leads: %w", err)
	}
	return nil
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// compile-time interface check
var _ LeadRepository = (*PostgresLeadRepo)(nil)
