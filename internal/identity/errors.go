package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/artdesk/internal/model"
)

// apiErrorBody はIDプロバイダーのエラー応答。
// 例: {"error":{"code":400,"message":"EMAIL_NOT_FOUND"}}
type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// errorCode はメッセージからエラーコード部分を取り出す。
// "WEAK_PASSWORD : Password should be at least 6 characters" のように
// コードの後に説明が続く場合がある。
func errorCode(message string) string {
	code, _, _ := strings.Cut(message, " ")
	return strings.TrimSpace(code)
}

// classifyError はHTTPステータスとエラーコードからErrorKindを決定する。
func classifyError(status int, code string) model.ErrorKind {
	switch code {
	case "EMAIL_NOT_FOUND", "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS", "USER_DISABLED":
		return model.KindInvalidCredential
	case "EMAIL_EXISTS", "FEDERATED_USER_ID_ALREADY_LINKED":
		return model.KindEmailInUse
	case "INVALID_EMAIL", "MISSING_PASSWORD", "MISSING_EMAIL", "WEAK_PASSWORD":
		return model.KindValidation
	case "TOKEN_EXPIRED", "INVALID_REFRESH_TOKEN", "INVALID_ID_TOKEN", "USER_NOT_FOUND", "CREDENTIAL_TOO_OLD_LOGIN_AGAIN":
		return model.KindTokenInvalid
	case "INVALID_IDP_RESPONSE":
		return model.KindInvalidCredential
	case "TOO_MANY_ATTEMPTS_TRY_LATER", "QUOTA_EXCEEDED":
		return model.KindTransient
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.KindTokenInvalid
	case status == http.StatusTooManyRequests || status >= 500:
		return model.KindTransient
	case status >= 400:
		return model.KindValidation
	}
	return model.KindUnknown
}

// newAPIError はエラー応答からAuthErrorを生成する。
func newAPIError(op string, status int, body apiErrorBody) *model.AuthError {
	code := errorCode(body.Error.Message)
	return &model.AuthError{
		Kind:   classifyError(status, code),
		Op:     op,
		Status: status,
		Code:   code,
		Err:    fmt.Errorf("identity provider returned %d: %s", status, body.Error.Message),
	}
}

// newTransportError はHTTP送信自体の失敗をAuthErrorに変換する。
func newTransportError(op string, err error) *model.AuthError {
	if errors.Is(err, context.Canceled) {
		return model.NewAuthError(model.KindCanceled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewAuthError(model.KindTransient, op, err)
	}
	return model.NewAuthError(model.KindNetwork, op, err)
}
