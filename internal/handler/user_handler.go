package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/leadman/internal/auth"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Withdraw はユーザーの退会処理を実行する。
	// ユーザーが所有するleads、sessions、user本体を削除する。
	Withdraw(ctx context.Context, userID string) error
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
	cookies auth.CookieConfig
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, cookies auth.CookieConfig) *UserHandler {
	return &UserHandler{
		service: service,
		cookies: cookies,
	}
}

// Withdraw はユーザーの退会処理を実行し、セッションCookieを削除する。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}

	if err := h.service.Withdraw(r.Context(), identity.ID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	http.SetCookie(w, h.cookies.ClearCookie())
	w.WriteHeader(http.StatusNoContent)
}
