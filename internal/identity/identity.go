// Package identity は外部IDプロバイダーとの連携を提供する。
// メール/パスワードおよびソーシャルログインによるID発行、IDトークンの更新、
// サインイン状態の変化通知を扱う。
package identity

import (
	"context"
	"errors"
)

// ソーシャルログインのプロバイダーID
const (
	ProviderGoogle   = "google.com"
	ProviderFacebook = "facebook.com"
)

// errNoCurrentUser はサインイン中のIDが存在しない場合のエラー。
var errNoCurrentUser = errors.New("no signed-in identity")

// User はIDプロバイダー上のサインイン済みIDを表す。
// バックエンドのユーザー（model.User）とは別物で、UIDで対応付く。
type User struct {
	UID           string
	Email         string
	EmailVerified bool
	DisplayName   string
	ProviderID    string
}

// IdPCredential はソーシャルログインで取得した資格情報。
// GoogleはIDToken、FacebookはAccessTokenを使用する。
type IdPCredential struct {
	ProviderID  string
	IDToken     string
	AccessToken string
}

// Provider はIDプロバイダーのクライアントインターフェース。
type Provider interface {
	// CurrentUser は現在サインイン中のIDを返す。未サインインの場合はnil。
	CurrentUser() *User
	// Subscribe はサインイン状態の変化を購読する。登録直後に現在の状態が1回通知される。
	// fnはプロバイダー内部のロックを保持したまま呼ばれるため、ブロックしてはならない。
	Subscribe(fn func(*User)) (unsubscribe func())
	// Restore は保存済みのリフレッシュトークンからサインイン状態を復元し、結果を通知する。
	Restore(ctx context.Context) error
	SignInWithPassword(ctx context.Context, email, password string) (*User, error)
	CreateUserWithPassword(ctx context.Context, email, password string) (*User, error)
	SignInWithIdP(ctx context.Context, cred IdPCredential) (*User, error)
	// IDToken は現在のIDトークンを返す。forceがtrueの場合は必ず更新する。
	IDToken(ctx context.Context, force bool) (string, error)
	SendPasswordReset(ctx context.Context, email string) error
	SendEmailVerification(ctx context.Context) error
	// Reload はIDプロバイダーから最新のID情報を取得する。
	Reload(ctx context.Context) (*User, error)
	SignOut(ctx context.Context) error
}
