package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/artdesk/internal/middleware"
	"github.com/hitoshi/artdesk/internal/model"
)

// 一覧取得のページネーション既定値
const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをデコードする。失敗時は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return false
	}
	return true
}

// writeBackendError はバックエンド呼び出しの失敗をステータスとエラー形式に変換する。
// resourceは404の場合のメッセージに使う。
func writeBackendError(w http.ResponseWriter, r *http.Request, err error, resource string) {
	var ae *model.AuthError
	if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError(resource))
		return
	}

	kind := model.KindOf(err)
	slog.Warn("backend request failed",
		slog.String("path", r.URL.Path),
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()),
	)

	switch kind {
	case model.KindTokenInvalid:
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
	case model.KindUserNotFound:
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
	case model.KindValidation:
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("サーバーが入力を受け付けませんでした"))
	default:
		middleware.WriteKindError(w, err, model.NewBackendFailureError())
	}
}

// pageParams はクエリのpageとlimitを読み取る。不正な値は既定値に丸める。
func pageParams(r *http.Request) (page, limit int) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err = strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit
}
