package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/leadman/internal/model"
	"github.com/hitoshi/leadman/internal/query"
)

// LeadServiceInterface はリードハンドラーが必要とするサービスインターフェース。
// ownerIDは常に認証済みユーザーのIDで、リクエストボディからは受け取らない。
type LeadServiceInterface interface {
	List(ctx context.Context, ownerID string, pred query.Predicate, page query.Page) (query.Envelope[*model.Lead], error)
	Get(ctx context.Context, ownerID, id string) (*model.Lead, error)
	Create(ctx context.Context, ownerID string, in model.LeadInput) (*model.Lead, error)
	Update(ctx context.Context, ownerID, id string, patch model.LeadPatch) (*model.Lead, error)
	Delete(ctx context.Context, ownerID, id string) error
}

// LeadHandler はリード管理のHTTPハンドラー。
type LeadHandler struct {
	service LeadServiceInterface
}

// NewLeadHandler はLeadHandlerを生成する。
func NewLeadHandler(service LeadServiceInterface) *LeadHandler {
	return &LeadHandler{service: service}
}

// createLeadRequest はリード作成リクエストのボディ。
// id・owner_id・タイムスタンプはフィールドを持たないため無視される。
type createLeadRequest struct {
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	Email          string     `json:"email"`
	Phone          string     `json:"phone"`
	Company        string     `json:"company"`
	City           string     `json:"city"`
	State          string     `json:"state"`
	Source         string     `json:"source"`
	Status         string     `json:"status"`
	Score          *float64   `json:"score"`
	LeadValue      *float64   `json:"lead_value"`
	IsQualified    *bool      `json:"is_qualified"`
	LastActivityAt *time.Time `json:"last_activity_at"`
}

// updateLeadRequest はリード更新リクエストのボディ。省略したフィールドは変更しない。
type updateLeadRequest struct {
	FirstName      *string    `json:"first_name"`
	LastName       *string    `json:"last_name"`
	Email          *string    `json:"email"`
	Phone          *string    `json:"phone"`
	Company        *string    `json:"company"`
	City           *string    `json:"city"`
	State          *string    `json:"state"`
	Source         *string    `json:"source"`
	Status         *string    `json:"status"`
	Score          *float64   `json:"score"`
	LeadValue      *float64   `json:"lead_value"`
	IsQualified    *bool      `json:"is_qualified"`
	LastActivityAt *time.Time `json:"last_activity_at"`
}

// leadResponse はリードのAPIレスポンス。
type leadResponse struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	Email          string     `json:"email"`
	Phone          string     `json:"phone"`
	Company        string     `json:"company"`
	City           string     `json:"city"`
	State          string     `json:"state"`
	Source         string     `json:"source"`
	Status         string     `json:"status"`
	Score          int        `json:"score"`
	LeadValue      float64    `json:"lead_value"`
	IsQualified    bool       `json:"is_qualified"`
	LastActivityAt *time.Time `json:"last_activity_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ListLeads はフィルタ・ページネーション付きでリード一覧を返す。
// GET /api/leads
func (h *LeadHandler) ListLeads(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}

	values := r.URL.Query()
	pred, err := query.Parse(values)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	page := query.ParsePage(values)

	env, err := h.service.List(r.Context(), identity.ID, pred, page)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	data := make([]leadResponse, len(env.Data))
	for i, l := range env.Data {
		data[i] = toLeadResponse(l)
	}
	writeJSON(w, http.StatusOK, query.Envelope[leadResponse]{
		Data:       data,
		Page:       env.Page,
		Limit:      env.Limit,
		Total:      env.Total,
		TotalPages: env.TotalPages,
	})
}

// GetLead はリード詳細を返す。
// GET /api/leads/{id}
func (h *LeadHandler) GetLead(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}
	id, ok := leadIDParam(w, r)
	if !ok {
		return
	}

	lead, err := h.service.Get(r.Context(), identity.ID, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeadResponse(lead))
}

// CreateLead はリードを作成する。
// POST /api/leads
func (h *LeadHandler) CreateLead(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}

	var req createLeadRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	lead, err := h.service.Create(r.Context(), identity.ID, model.LeadInput{
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Email:          req.Email,
		Phone:          req.Phone,
		Company:        req.Company,
		City:           req.City,
		State:          req.State,
		Source:         model.LeadSource(req.Source),
		Status:         model.LeadStatus(req.Status),
		Score:          req.Score,
		LeadValue:      req.LeadValue,
		IsQualified:    req.IsQualified,
		LastActivityAt: req.LastActivityAt,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLeadResponse(lead))
}

// UpdateLead はリードを部分更新する。
// PUT /api/leads/{id}
func (h *LeadHandler) UpdateLead(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}
	id, ok := leadIDParam(w, r)
	if !ok {
		return
	}

	var req updateLeadRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	patch := model.LeadPatch{
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Email:          req.Email,
		Phone:          req.Phone,
		Company:        req.Company,
		City:           req.City,
		State:          req.State,
		Score:          req.Score,
		LeadValue:      req.LeadValue,
		IsQualified:    req.IsQualified,
		LastActivityAt: req.LastActivityAt,
	}
	if req.Source != nil {
		s := model.LeadSource(*req.Source)
		patch.Source = &s
	}
	if req.Status != nil {
		s := model.LeadStatus(*req.Status)
		patch.Status = &s
	}

	lead, err := h.service.Update(r.Context(), identity.ID, id, patch)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeadResponse(lead))
}

// DeleteLead はリードを削除する。
// 一致するリードがない場合（他テナントのIDを含む）も204を返す。
// DELETE /api/leads/{id}
func (h *LeadHandler) DeleteLead(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err == nil {
		if err := h.service.Delete(r.Context(), identity.ID, id); err != nil {
			handleServiceError(w, r, err)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// leadIDParam はパスのリードIDを検証する。UUIDでない場合は404を書き込む。
func leadIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		handleServiceError(w, r, model.NewLeadNotFoundError())
		return "", false
	}
	return id, true
}

// toLeadResponse はmodel.LeadからAPIレスポンスに変換する。
func toLeadResponse(l *model.Lead) leadResponse {
	return leadResponse{
		ID:             l.ID,
		OwnerID:        l.OwnerID,
		FirstName:      l.FirstName,
		LastName:       l.LastName,
		Email:          l.Email,
		Phone:          l.Phone,
		Company:        l.Company,
		City:           l.City,
		State:          l.State,
		Source:         string(l.Source),
		Status:         string(l.Status),
		Score:          l.Score,
		LeadValue:      l.LeadValue,
		IsQualified:    l.IsQualified,
		LastActivityAt: l.LastActivityAt,
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}
}
