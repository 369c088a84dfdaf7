package session

import (
	"errors"
	"regexp"
	"time"

	"github.com/hitoshi/artdesk/internal/model"
)

// ユーザー名は英数字・アンダースコア・ピリオドの3〜30文字。
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.]{3,30}$`)

const (
	minimumAge      = 13
	birthDateLayout = "2006-01-02"
	fieldUsername   = "username"
	fieldBirthDate  = "birth_date"
)

// validateProfileUpdate はバックエンドに送る前にプロフィールの入力を検証する。
// 指定されていないフィールドは検証しない。
func validateProfileUpdate(upd model.ProfileUpdate, now time.Time) *model.FieldError {
	if upd.Username != nil && !usernamePattern.MatchString(*upd.Username) {
		return &model.FieldError{
			Field:  fieldUsername,
			Code:   model.ErrCodeUsernameInvalid,
			Reason: "ユーザー名は英数字・_・.の3〜30文字で入力してください。",
		}
	}
	if upd.BirthDate != nil {
		born, err := time.Parse(birthDateLayout, *upd.BirthDate)
		if err != nil {
			return &model.FieldError{
				Field:  fieldBirthDate,
				Code:   model.ErrCodeBirthDateInvalid,
				Reason: "生年月日はYYYY-MM-DD形式で入力してください。",
			}
		}
		if born.AddDate(minimumAge, 0, 0).After(now) {
			return underageError()
		}
	}
	return nil
}

func underageError() *model.FieldError {
	return &model.FieldError{
		Field:  fieldBirthDate,
		Code:   model.ErrCodeUnderage,
		Reason: "13歳未満の方はご利用いただけません。",
	}
}

// fieldErrorFromBackend はバックエンドのエラーコードをフィールドエラーに変換する。
// 対応するコードでなければnilを返す。
func fieldErrorFromBackend(err error) *model.FieldError {
	var ae *model.AuthError
	if !errors.As(err, &ae) {
		return nil
	}
	switch ae.Code {
	case model.ErrCodeUsernameTaken:
		return &model.FieldError{
			Field:  fieldUsername,
			Code:   model.ErrCodeUsernameTaken,
			Reason: "このユーザー名はすでに使われています。",
		}
	case model.ErrCodeUsernameInvalid:
		return &model.FieldError{
			Field:  fieldUsername,
			Code:   model.ErrCodeUsernameInvalid,
			Reason: "ユーザー名は英数字・_・.の3〜30文字で入力してください。",
		}
	case model.ErrCodeUnderage:
		return underageError()
	}
	return nil
}
