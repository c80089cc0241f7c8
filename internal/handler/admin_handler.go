package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/storefront/internal/middleware"
	"github.com/hitoshi/storefront/internal/model"
	"github.com/hitoshi/storefront/internal/user"
)

// AdminServiceInterface は管理者向けハンドラーが必要とするサービスインターフェース。
type AdminServiceInterface interface {
	ListUsers(ctx context.Context, kind model.Kind, limit, offset int) ([]*model.Principal, error)
	GetUser(ctx context.Context, id string) (*model.Principal, error)
}

// AdminHandler は管理者向けのアカウント参照ハンドラー。
// 管理者ロールゲートの後に配置する。
type AdminHandler struct {
	service AdminServiceInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(service AdminServiceInterface) *AdminHandler {
	return &AdminHandler{service: service}
}

// userListResponse はアカウント一覧のAPIレスポンス。
type userListResponse struct {
	Users  []*model.Principal `json:"users"`
	Kind   model.Kind         `json:"kind"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// ListUsers はアカウント一覧を返す。
// GET /api/admin/users?kind=user|admin&limit=50&offset=0
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	kind := model.Kind(q.Get("kind"))
	if kind == "" {
		kind = model.KindUser
	}
	if kind != model.KindUser && kind != model.KindAdmin {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("kindはuserまたはadminを指定してください"))
		return
	}

	limit, ok := parseNonNegativeInt(q.Get("limit"), user.DefaultListLimit)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("limitは0以上の整数を指定してください"))
		return
	}
	if limit == 0 {
		limit = user.DefaultListLimit
	}
	if limit > user.MaxListLimit {
		limit = user.MaxListLimit
	}

	offset, ok := parseNonNegativeInt(q.Get("offset"), 0)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("offsetは0以上の整数を指定してください"))
		return
	}

	users, err := h.service.ListUsers(r.Context(), kind, limit, offset)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, userListResponse{
		Users:  users,
		Kind:   kind,
		Limit:  limit,
		Offset: offset,
	})
}

// GetUser は指定IDのアカウントを返す。
// GET /api/admin/users/{id}
func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// parseNonNegativeInt はクエリパラメータを0以上の整数として解釈する。空の場合はdefaultValを返す。
func parseNonNegativeInt(raw string, defaultVal int) (int, bool) {
	if raw == "" {
		return defaultVal, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
