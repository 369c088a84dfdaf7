// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, draft, system
	Action   string // ユーザー向け対処方法
	Field    string // 入力エラーの対象フィールド（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeDraftNotFound    = "DRAFT_NOT_FOUND"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeBackendFailure   = "BACKEND_FAILURE"
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodeProviderDisabled = "PROVIDER_DISABLED"
	ErrCodeCSRF             = "CSRF_TOKEN_INVALID"
	ErrCodeNotFound         = "NOT_FOUND"

	// プロフィール入力のフィールドエラー。バックエンドも同じコードを返す。
	ErrCodeUsernameInvalid  = "USERNAME_INVALID"
	ErrCodeUsernameTaken    = "USERNAME_TAKEN"
	ErrCodeUnderage         = "UNDERAGE"
	ErrCodeBirthDateInvalid = "BIRTH_DATE_INVALID"
)

// FieldError は入力フォームの特定フィールドに紐づくエラー。
type FieldError struct {
	Field  string // JSONのフィールド名
	Code   string
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Code)
}

// NewFieldValidationError はフィールド付きの入力エラーを生成する。
func NewFieldValidationError(fe *FieldError) *APIError {
	return &APIError{
		Code:     fe.Code,
		Message:  fe.Reason,
		Category: "validation",
		Action:   "入力内容を確認してください。",
		Field:    fe.Field,
	}
}

// NewUnauthorizedError は未ログインエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewDraftNotFoundError は下書き未検出エラーを生成する。
func NewDraftNotFoundError(key string) *APIError {
	return &APIError{
		Code:     ErrCodeDraftNotFound,
		Message:  fmt.Sprintf("指定された下書きが見つかりません: %s", key),
		Category: "draft",
		Action:   "下書きを開き直してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewBackendFailureError はバックエンド呼び出し失敗エラーを生成する。
func NewBackendFailureError() *APIError {
	return &APIError{
		Code:     ErrCodeBackendFailure,
		Message:  "サーバーとの通信に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewAuthFailedError は認証操作の失敗をユーザー向けメッセージ付きで生成する。
func NewAuthFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  message,
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewProviderDisabledError は未設定のソーシャルログインプロバイダーに対するエラーを生成する。
func NewProviderDisabledError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderDisabled,
		Message:  fmt.Sprintf("%s ログインは利用できません。", provider),
		Category: "auth",
		Action:   "別のログイン方法をお試しください。",
	}
}

// NewCSRFError はCSRFトークン検証失敗のエラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRF,
		Message:  "リクエストを検証できませんでした。",
		Category: "auth",
		Action:   "画面を再読み込みしてから再度お試しください。",
	}
}

// NewNotFoundError はバックエンドに対象が存在しない場合のエラーを生成する。
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%sが見つかりません。", resource),
		Category: "system",
		Action:   "一覧を再読み込みしてください。",
	}
}

// ErrorKind は認証・バックエンド呼び出しの失敗分類。
// エラーメッセージの文字列一致ではなく、この分類で分岐する。
type ErrorKind int

const (
	// KindUnknown は分類不能なエラー。
	KindUnknown ErrorKind = iota
	// KindTokenInvalid は401/403など資格情報が無効なエラー。トークンを破棄する。
	KindTokenInvalid
	// KindTransient は5xxやタイムアウトなど一時的なエラー。トークンは保持する。
	KindTransient
	// KindNetwork はネットワーク到達不能。一時的なエラーとして扱う。
	KindNetwork
	// KindUserNotFound はバックエンドにユーザーがまだ存在しない（伝播遅延を含む）。
	KindUserNotFound
	// KindValidation は入力検証エラー。
	KindValidation
	// KindInvalidCredential はメールアドレスまたはパスワードの誤り。
	KindInvalidCredential
	// KindUnverified はメールアドレス未確認のアカウント。
	KindUnverified
	// KindPopupClosed はソーシャルログインの同意画面がユーザーにより閉じられた。
	KindPopupClosed
	// KindPopupBlocked はソーシャルログインを開始できなかった。
	KindPopupBlocked
	// KindEmailInUse はメールアドレスが既に登録済み。
	KindEmailInUse
	// KindCanceled は呼び出しがキャンセルされた。
	KindCanceled
)

var kindNames = map[ErrorKind]string{
	KindUnknown:           "unknown",
	KindTokenInvalid:      "token_invalid",
	KindTransient:         "transient",
	KindNetwork:           "network",
	KindUserNotFound:      "user_not_found",
	KindValidation:        "validation",
	KindInvalidCredential: "invalid_credential",
	KindUnverified:        "unverified",
	KindPopupClosed:       "popup_closed",
	KindPopupBlocked:      "popup_blocked",
	KindEmailInUse:        "email_in_use",
	KindCanceled:          "canceled",
}

// String はメトリクスのラベルやログに使う名前を返す。
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// AuthError は分類付きのエラー。
// Opは失敗した操作名、Statusはバックエンド応答のHTTPステータス（なければ0）。
type AuthError struct {
	Kind   ErrorKind
	Op     string
	Status int
	Code   string
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は元のエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError はAuthErrorを生成する。
func NewAuthError(kind ErrorKind, op string, err error) *AuthError {
	return &AuthError{Kind: kind, Op: op, Err: err}
}

// KindOf はエラーチェーンからErrorKindを取り出す。AuthErrorを含まない場合はKindUnknown。
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// IsTransient はトークンを保持したまま再試行すべきエラーかを返す。
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindNetwork:
		return true
	}
	return false
}
