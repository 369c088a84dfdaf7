package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/artdesk/internal/autosave"
	"github.com/hitoshi/artdesk/internal/middleware"
	"github.com/hitoshi/artdesk/internal/model"
)

// DraftManager は開いている下書きを管理する。autosave.Managerが実装する。
type DraftManager interface {
	New() *autosave.Draft
	Open(ctx context.Context, blogID string) (*autosave.Draft, error)
	Get(key string) (*autosave.Draft, error)
	Discard(key string) error
	Delete(ctx context.Context, key string) error
	Snapshots() []model.BlogDraft
}

// DraftHandler はブログ下書きのHTTPハンドラー。
// 編集は即座に受け付け、保存は自動保存に任せる。
type DraftHandler struct {
	drafts DraftManager
}

// NewDraftHandler はDraftHandlerを生成する。
func NewDraftHandler(drafts DraftManager) *DraftHandler {
	return &DraftHandler{drafts: drafts}
}

type openDraftRequest struct {
	BlogID string `json:"blog_id"`
}

// editDraftRequest は下書き編集のリクエスト。nilのフィールドは変更しない。
type editDraftRequest struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

type dialogRequest struct {
	Open bool `json:"open"`
}

// ListDrafts は開いている下書きの一覧を返す。
// GET /api/drafts
func (h *DraftHandler) ListDrafts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.drafts.Snapshots())
}

// OpenDraft は下書きを開く。blog_idがあれば既存のブログを、なければ新規の下書きを開く。
// POST /api/drafts
func (h *DraftHandler) OpenDraft(w http.ResponseWriter, r *http.Request) {
	var req openDraftRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	if req.BlogID == "" {
		d := h.drafts.New()
		writeJSON(w, http.StatusCreated, d.Snapshot())
		return
	}

	d, err := h.drafts.Open(r.Context(), req.BlogID)
	if err != nil {
		writeBackendError(w, r, err, "ブログ")
		return
	}
	writeJSON(w, http.StatusOK, d.Snapshot())
}

// GetDraft は下書きの現在の状態を返す。保存状態の表示に使う。
// GET /api/drafts/{key}
func (h *DraftHandler) GetDraft(w http.ResponseWriter, r *http.Request) {
	d, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d.Snapshot())
}

// EditDraft はタイトルと本文の編集を受け付ける。
// PATCH /api/drafts/{key}
func (h *DraftHandler) EditDraft(w http.ResponseWriter, r *http.Request) {
	d, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req editDraftRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Title == nil && req.Content == nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("titleまたはcontentが必要です"))
		return
	}

	if req.Title != nil {
		if err := d.EditTitle(*req.Title); err != nil {
			h.writeDraftError(w, r, d.Key(), err)
			return
		}
	}
	if req.Content != nil {
		if err := d.EditContent(*req.Content); err != nil {
			h.writeDraftError(w, r, d.Key(), err)
			return
		}
	}
	writeJSON(w, http.StatusOK, d.Snapshot())
}

// SetDialog は確認ダイアログの開閉を通知する。開いている間は自動保存を止める。
// POST /api/drafts/{key}/dialog
func (h *DraftHandler) SetDialog(w http.ResponseWriter, r *http.Request) {
	d, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req dialogRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d.SetDialogOpen(req.Open)
	writeJSON(w, http.StatusOK, d.Snapshot())
}

// PublishDraft は下書きを公開状態で直ちに保存する。
// POST /api/drafts/{key}/publish
func (h *DraftHandler) PublishDraft(w http.ResponseWriter, r *http.Request) {
	d, ok := h.lookup(w, r)
	if !ok {
		return
	}
	snap, err := d.Publish(r.Context())
	if err != nil {
		h.writeDraftError(w, r, d.Key(), err)
		return
	}
	slog.Info("ブログを公開しました", slog.String("blog_id", snap.BlogID))
	writeJSON(w, http.StatusOK, snap)
}

// CloseDraft は未保存分を保存してから下書きを閉じる。サーバーのブログは残る。
// POST /api/drafts/{key}/close
func (h *DraftHandler) CloseDraft(w http.ResponseWriter, r *http.Request) {
	d, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := d.Flush(r.Context()); err != nil {
		h.writeDraftError(w, r, d.Key(), err)
		return
	}
	if err := h.drafts.Discard(d.Key()); err != nil && !errors.Is(err, autosave.ErrDraftNotFound) {
		h.writeDraftError(w, r, d.Key(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteDraft は下書きを閉じ、保存済みのブログも削除する。
// DELETE /api/drafts/{key}
func (h *DraftHandler) DeleteDraft(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.drafts.Delete(r.Context(), key); err != nil {
		h.writeDraftError(w, r, key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DraftHandler) lookup(w http.ResponseWriter, r *http.Request) (*autosave.Draft, bool) {
	key := chi.URLParam(r, "key")
	d, err := h.drafts.Get(key)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewDraftNotFoundError(key))
		return nil, false
	}
	return d, true
}

func (h *DraftHandler) writeDraftError(w http.ResponseWriter, r *http.Request, key string, err error) {
	switch {
	case errors.Is(err, autosave.ErrDraftNotFound), errors.Is(err, autosave.ErrDraftClosed):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewDraftNotFoundError(key))
	case errors.Is(err, autosave.ErrEmptyTitle):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("タイトルを入力してください"))
	case errors.Is(err, context.Canceled):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewInvalidRequestError("保存が中断されました"))
	default:
		writeBackendError(w, r, err, "ブログ")
	}
}
