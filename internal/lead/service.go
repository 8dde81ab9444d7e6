// Package lead はリード管理のドメインロジックを提供する。
//
// 一覧取得は述語ツリーとページ指定をリポジトリに渡し、結果をページネーション付きで返す。
// 作成・更新・削除はすべてこのパッケージを経由し、サニタイズ・スコアの丸め・既定値の補完・
// 所有者スコープの強制を一箇所で行う。
package lead

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/leadman/internal/metrics"
	"github.com/hitoshi/leadman/internal/model"
	"github.com/hitoshi/leadman/internal/query"
	"github.com/hitoshi/leadman/internal/repository"
	"github.com/hitoshi/leadman/internal/security"
)

// メトリクスの操作ラベル。
const (
	opCreate = "create"
	opUpdate = "update"
	opDelete = "delete"
)

// Service はリード管理のサービス層。
type Service struct {
	repo      repository.LeadRepository
	sanitizer security.TextSanitizerService
	metrics   metrics.MetricsCollector
}

// NewService はServiceの新しいインスタンスを生成する。
// mcがnilの場合はメトリクスを記録しない。
func NewService(
	repo repository.LeadRepository,
	sanitizer security.TextSanitizerService,
	mc metrics.MetricsCollector,
) *Service {
	if mc == nil {
		mc = noopMetrics{}
	}
	return &Service{
		repo:      repo,
		sanitizer: sanitizer,
		metrics:   mc,
	}
}

// ClampScore はスコアを [MinLeadScore, MaxLeadScore] に丸める。小数は四捨五入する。
func ClampScore(v float64) int {
	if math.IsNaN(v) {
		return model.MinLeadScore
	}
	v = math.Round(v)
	if v < model.MinLeadScore {
		return model.MinLeadScore
	}
	if v > model.MaxLeadScore {
		return model.MaxLeadScore
	}
	return int(v)
}

// List は所有者のリードを述語で絞り込み、1ページ分をEnvelopeで返す。
func (s *Service) List(ctx context.Context, ownerID string, pred query.Predicate, page query.Page) (query.Envelope[*model.Lead], error) {
	start := time.Now()

	leads, total, err := s.repo.List(ctx, ownerID, pred, page)
	if err != nil {
		return query.Envelope[*model.Lead]{}, mapRepoError(err, "リード一覧の取得に失敗しました")
	}

	fields := pred.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	s.metrics.RecordLeadList(time.Since(start), names)

	return query.NewEnvelope(leads, page, total), nil
}

// Get は所有者のリードを1件返す。他テナントのリードは見つからない扱いになる。
func (s *Service) Get(ctx context.Context, ownerID, id string) (*model.Lead, error) {
	l, err := s.repo.FindByID(ctx, ownerID, id)
	if err != nil {
		return nil, mapRepoError(err, "リードの取得に失敗しました")
	}
	if l == nil {
		return nil, model.NewLeadNotFoundError()
	}
	return l, nil
}

// Create はリードを作成する。所有者は常にownerIDで、入力に含まれる値は使用しない。
func (s *Service) Create(ctx context.Context, ownerID string, in model.LeadInput) (*model.Lead, error) {
	l, apiErr := s.newLead(in)
	if apiErr != nil {
		s.metrics.RecordLeadMutation(opCreate, metrics.OutcomeInvalid)
		return nil, apiErr
	}

	if err := s.repo.Create(ctx, ownerID, l); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			s.metrics.RecordLeadMutation(opCreate, metrics.OutcomeConflict)
			return nil, model.NewDuplicateLeadEmailError()
		}
		s.metrics.RecordLeadMutation(opCreate, metrics.OutcomeError)
		return nil, mapRepoError(err, "リードの作成に失敗しました")
	}

	s.metrics.RecordLeadMutation(opCreate, metrics.OutcomeOK)
	return l, nil
}

// Update はリードを部分更新する。更新項目が1つもないパッチはINVALID_LEADになる。
// 所有者が一致しない場合は存在しない場合と同じLEAD_NOT_FOUNDを返す。
func (s *Service) Update(ctx context.Context, ownerID, id string, patch model.LeadPatch) (*model.Lead, error) {
	if patch.IsEmpty() {
		s.metrics.RecordLeadMutation(opUpdate, metrics.OutcomeInvalid)
		return nil, model.NewInvalidLeadError("更新する項目を1つ以上指定してください")
	}

	current, err := s.repo.FindByID(ctx, ownerID, id)
	if err != nil {
		s.metrics.RecordLeadMutation(opUpdate, metrics.OutcomeError)
		return nil, mapRepoError(err, "リードの取得に失敗しました")
	}
	if current == nil {
		s.metrics.RecordLeadMutation(opUpdate, metrics.OutcomeNotFound)
		return nil, model.NewLeadNotFoundError()
	}

	clean, apiErr := s.sanitizePatch(patch)
	if apiErr != nil {
		s.metrics.RecordLeadMutation(opUpdate, metrics.OutcomeInvalid)
		return nil, apiErr
	}

	var score *int
	if clean.Score != nil {
		v := ClampScore(*clean.Score)
		score = &v
	}
	clean.Apply(current, score)

	updated, err := s.repo.Update(ctx, ownerID, current)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			s.metrics.RecordLeadMutation(opUpdate, metrics.OutcomeConflict)
			return nil, model.NewDuplicateLeadEmailError()
		}
		s.metrics.RecordLeadMutation(opUpdate, metrics.OutcomeError)
		return nil, mapRepoError(err, "リードの更新に失敗しました")
	}
	if updated == nil {
		// 取得後に削除された
		s.metrics.RecordLeadMutation(opUpdate, metrics.OutcomeNotFound)
		return nil, model.NewLeadNotFoundError()
	}

	s.metrics.RecordLeadMutation(opUpdate, metrics.OutcomeOK)
	return updated, nil
}

// Delete はリードを削除する。
// 一致する行がない場合（存在しない・他テナント）もエラーにしない。
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	n, err := s.repo.Delete(ctx, ownerID, id)
	if err != nil {
		s.metrics.RecordLeadMutation(opDelete, metrics.OutcomeError)
		return mapRepoError(err, "リードの削除に失敗しました")
	}
	if n == 0 {
		s.metrics.RecordLeadMutation(opDelete, metrics.OutcomeNotFound)
		return nil
	}
	s.metrics.RecordLeadMutation(opDelete, metrics.OutcomeOK)
	return nil
}

// newLead は作成入力をサニタイズ・検証し、既定値を補完したリードを返す。
func (s *Service) newLead(in model.LeadInput) (*model.Lead, *model.APIError) {
	l := &model.Lead{
		FirstName:   s.sanitizer.Sanitize(in.FirstName),
		LastName:    s.sanitizer.Sanitize(in.LastName),
		Email:       s.sanitizer.Sanitize(in.Email),
		Phone:       s.sanitizer.Sanitize(in.Phone),
		Company:     s.sanitizer.Sanitize(in.Company),
		City:        s.sanitizer.Sanitize(in.City),
		State:       s.sanitizer.Sanitize(in.State),
		Source:      in.Source,
		Status:      in.Status,
		Score:       model.MinLeadScore,
		LeadValue:   0,
		IsQualified: false,
	}

	if err := requireText(map[string]string{
		"first_name": l.FirstName,
		"last_name":  l.LastName,
		"email":      l.Email,
	}); err != nil {
		return nil, err
	}
	if err := checkLengths(
		textField{"first_name", &l.FirstName},
		textField{"last_name", &l.LastName},
		textField{"email", &l.Email},
		textField{"phone", &l.Phone},
		textField{"company", &l.Company},
		textField{"city", &l.City},
		textField{"state", &l.State},
	); err != nil {
		return nil, err
	}

	if l.Source == "" {
		l.Source = model.LeadSourceOther
	}
	if !l.Source.Valid() {
		return nil, model.NewInvalidLeadError(fmt.Sprintf("source %q は使用できません", l.Source))
	}
	if l.Status == "" {
		l.Status = model.LeadStatusNew
	}
	if !l.Status.Valid() {
		return nil, model.NewInvalidLeadError(fmt.Sprintf("status %q は使用できません", l.Status))
	}

	if in.Score != nil {
		l.Score = ClampScore(*in.Score)
	}
	if in.LeadValue != nil {
		v, err := normalizeLeadValue(*in.LeadValue)
		if err != nil {
			return nil, err
		}
		l.LeadValue = v
	}
	if in.IsQualified != nil {
		l.IsQualified = *in.IsQualified
	}
	if in.LastActivityAt != nil {
		t := in.LastActivityAt.UTC()
		l.LastActivityAt = &t
	}
	return l, nil
}

// sanitizePatch は指定されたフィールドのみサニタイズ・検証したパッチを返す。
func (s *Service) sanitizePatch(p model.LeadPatch) (model.LeadPatch, *model.APIError) {
	out := p
	out.FirstName = s.sanitizePtr(p.FirstName)
	out.LastName = s.sanitizePtr(p.LastName)
	out.Email = s.sanitizePtr(p.Email)
	out.Phone = s.sanitizePtr(p.Phone)
	out.Company = s.sanitizePtr(p.Company)
	out.City = s.sanitizePtr(p.City)
	out.State = s.sanitizePtr(p.State)

	required := map[string]string{}
	for name, v := range map[string]*string{
		"first_name": out.FirstName,
		"last_name":  out.LastName,
		"email":      out.Email,
	} {
		if v != nil {
			required[name] = *v
		}
	}
	if err := requireText(required); err != nil {
		return model.LeadPatch{}, err
	}
	if err := checkLengths(
		textField{"first_name", out.FirstName},
		textField{"last_name", out.LastName},
		textField{"email", out.Email},
		textField{"phone", out.Phone},
		textField{"company", out.Company},
		textField{"city", out.City},
		textField{"state", out.State},
	); err != nil {
		return model.LeadPatch{}, err
	}

	if p.Source != nil && !p.Source.Valid() {
		return model.LeadPatch{}, model.NewInvalidLeadError(fmt.Sprintf("source %q は使用できません", *p.Source))
	}
	if p.Status != nil && !p.Status.Valid() {
		return model.LeadPatch{}, model.NewInvalidLeadError(fmt.Sprintf("status %q は使用できません", *p.Status))
	}
	if p.LeadValue != nil {
		v, err := normalizeLeadValue(*p.LeadValue)
		if err != nil {
			return model.LeadPatch{}, err
		}
		out.LeadValue = &v
	}
	return out, nil
}

func (s *Service) sanitizePtr(v *string) *string {
	if v == nil {
		return nil
	}
	cleaned := s.sanitizer.Sanitize(*v)
	return &cleaned
}

// requireText は必須項目が空でないことを検証する。エラーメッセージの項目順は固定。
func requireText(fields map[string]string) *model.APIError {
	var missing []string
	for _, name := range []string{"first_name", "last_name", "email"} {
		if v, ok := fields[name]; ok && strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return model.NewInvalidLeadError(strings.Join(missing, ", ") + " は必須です")
	}
	return nil
}

// textField は長さ検証の対象となる入力項目。nilは未指定を表す。
type textField struct {
	name  string
	value *string
}

// checkLengths は各項目が保存列の文字数上限に収まっていることを検証する。
func checkLengths(fields ...textField) *model.APIError {
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		limit := model.MaxTextLength
		if f.name == "phone" {
			limit = model.MaxPhoneLength
		}
		if utf8.RuneCountInString(*f.value) > limit {
			return model.NewInvalidLeadError(fmt.Sprintf("%s は%d文字以内で指定してください", f.name, limit))
		}
	}
	return nil
}

// normalizeLeadValue はlead_valueを小数第2位に丸め、範囲を検証する。
// 丸めはどのストアでも保存値が同じになるようにサービス層で行う。
func normalizeLeadValue(v float64) (float64, *model.APIError) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, model.NewInvalidLeadError("lead_value は0以上の数値を指定してください")
	}
	v = math.Round(v*100) / 100
	if v >= model.MaxLeadValue {
		return 0, model.NewInvalidLeadError("lead_value が上限を超えています")
	}
	return v, nil
}

// mapRepoError はリポジトリのエラーをAPIエラーまたはラップ済みエラーに変換する。
func mapRepoError(err error, msg string) error {
	if errors.Is(err, repository.ErrMissingOwner) {
		return model.NewUnauthorizedError()
	}
	return fmt.Errorf("%s: %w", msg, err)
}

type noopMetrics struct{}

func (noopMetrics) RecordLeadMutation(string, string)                    {}
func (noopMetrics) RecordLeadList(time.Duration, []string)               {}
func (noopMetrics) RecordHTTPRequest(string, string, int, time.Duration) {}
func (noopMetrics) RecordRateLimited(string)                             {}
func (noopMetrics) RecordSessionsPurged(int64)                           {}
