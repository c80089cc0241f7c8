package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/user"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// UpdateProfile はプロフィールを更新し、更新後のidentityを返す。
	UpdateProfile(ctx context.Context, id string, in user.ProfileInput) (*model.Principal, error)
}

// UserHandler は会員プロフィールのHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// updateProfileRequest はプロフィール更新リクエストのボディ。
// 省略したフィールドは変更しない。
type updateProfileRequest struct {
	FirstName       *string          `json:"first_name"`
	LastName        *string          `json:"last_name"`
	Phone           *string          `json:"phone"`
	Addresses       *[]model.Address `json:"addresses"`
	Email           *string          `json:"email"`
	Password        *string          `json:"password"`
	CurrentPassword string           `json:"current_password"`
}

// UpdateMe はログイン中のユーザーのプロフィールを更新する。
// PATCH /api/users/me
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	updated, err := h.service.UpdateProfile(r.Context(), principal.ID, user.ProfileInput{
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		Phone:           req.Phone,
		Addresses:       req.Addresses,
		Email:           req.Email,
		Password:        req.Password,
		CurrentPassword: req.CurrentPassword,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}
