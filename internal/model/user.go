// Package model はドメインモデルを定義する。
package model

import "time"

// User はバックエンドのプロフィールエンドポイントから取得したユーザーを表す。
// クライアント側からはプロフィール更新API経由でのみ変更される。
type User struct {
	ID                string    `json:"id"`
	Username          string    `json:"username"`
	FullName          string    `json:"full_name"`
	Email             string    `json:"email"`
	IsOnboard         *bool     `json:"is_onboard,omitempty"`
	ProfilePictureURL string    `json:"profile_picture_url,omitempty"`
	Bio               string    `json:"bio,omitempty"`
	FollowersCount    int       `json:"followers_count"`
	FollowingsCount   int       `json:"followings_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Onboarded はオンボーディング完了済みかを返す。未設定の場合はfalse。
func (u *User) Onboarded() bool {
	if u == nil || u.IsOnboard == nil {
		return false
	}
	return *u.IsOnboard
}

// ProfileUpdate はプロフィール部分更新のリクエスト。nilのフィールドは変更しない。
type ProfileUpdate struct {
	Username          *string `json:"username,omitempty"`
	FullName          *string `json:"full_name,omitempty"`
	Bio               *string `json:"bio,omitempty"`
	ProfilePictureURL *string `json:"profile_picture_url,omitempty"`
	IsOnboard         *bool   `json:"is_onboard,omitempty"`
	BirthDate         *string `json:"birth_date,omitempty"`
}

// SessionState はアプリケーション全体で1つだけ存在するセッションの状態を表す。
// IsAuthenticatedとIsOnboardedはUserから導出される。
type SessionState struct {
	User            *User  `json:"user"`
	IsAuthenticated bool   `json:"is_authenticated"`
	IsOnboarded     bool   `json:"is_onboarded"`
	Loading         bool   `json:"loading"`
	Error           string `json:"error,omitempty"`
}
