package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/artdesk/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
	Field    string `json:"field,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
		Field:    apiErr.Field,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// StatusForKind はエラー分類をローカルAPIのHTTPステータスに変換する。
func StatusForKind(kind model.ErrorKind) int {
	switch kind {
	case model.KindTokenInvalid, model.KindInvalidCredential:
		return http.StatusUnauthorized
	case model.KindUnverified:
		return http.StatusForbidden
	case model.KindUserNotFound:
		return http.StatusNotFound
	case model.KindEmailInUse, model.KindCanceled:
		return http.StatusConflict
	case model.KindValidation, model.KindPopupClosed, model.KindPopupBlocked:
		return http.StatusBadRequest
	case model.KindTransient, model.KindNetwork:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// WriteKindError はエラー分類に応じたステータスでapiErrを書き込む。
func WriteKindError(w http.ResponseWriter, err error, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusForKind(model.KindOf(err)), apiErr)
}
