package session

import "github.com/hitoshi/artdesk/internal/model"

// UserMessage はエラーをユーザー向けの固定メッセージに変換する。
func UserMessage(err error) string {
	switch model.KindOf(err) {
	case model.KindInvalidCredential:
		return "メールアドレスまたはパスワードが正しくありません。"
	case model.KindUnverified:
		return "メールアドレスの確認が完了していません。確認メールのリンクを開いてからログインしてください。"
	case model.KindEmailInUse:
		return "このメールアドレスは既に登録されています。"
	case model.KindPopupClosed:
		return "ログインがキャンセルされました。"
	case model.KindPopupBlocked:
		return "ログイン画面を開けませんでした。しばらくしてから再度お試しください。"
	case model.KindNetwork:
		return "ネットワークに接続できません。通信環境を確認してください。"
	case model.KindTransient:
		return "サーバーが混み合っています。しばらくしてから再度お試しください。"
	case model.KindValidation:
		return "入力内容に誤りがあります。"
	case model.KindCanceled:
		return "処理が中断されました。"
	}
	return "認証に失敗しました。再度お試しください。"
}

// sessionFailureMessage はイベント処理でセッションを確立できなかった場合のメッセージ。
func sessionFailureMessage(kind model.ErrorKind) string {
	switch kind {
	case model.KindUserNotFound:
		return "ユーザー情報の準備ができていません。しばらくしてから再度ログインしてください。"
	case model.KindTokenInvalid:
		return "ログインの有効期限が切れました。再度ログインしてください。"
	case model.KindNetwork, model.KindTransient:
		return "サーバーに接続できませんでした。しばらくしてから再度お試しください。"
	}
	return "ログイン処理に失敗しました。再度お試しください。"
}
