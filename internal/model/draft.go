package model

import "time"

// SaveStatus は自動保存の状態を表す。
type SaveStatus string

const (
	// SaveStatusSaved はサーバーと同期済みの状態。
	SaveStatusSaved SaveStatus = "saved"
	// SaveStatusSaving は保存リクエストが実行中の状態。
	SaveStatusSaving SaveStatus = "saving"
	// SaveStatusUnsaved は未保存の編集がある状態。
	SaveStatusUnsaved SaveStatus = "unsaved"
	// SaveStatusError は直近の保存が失敗した状態。次の編集でunsavedに戻る。
	SaveStatusError SaveStatus = "error"
)

// BlogDraft は編集中のブログ下書きを表す。
// BlogIDは新規作成時は空で、初回保存の応答で確定する。
type BlogDraft struct {
	Key         string     `json:"key"`
	BlogID      string     `json:"blog_id,omitempty"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Images      []string   `json:"images"`
	IsPublished bool       `json:"is_published"`
	SaveStatus  SaveStatus `json:"save_status"`
	LastSaved   *time.Time `json:"last_saved,omitempty"`
}
