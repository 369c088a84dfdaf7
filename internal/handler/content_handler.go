package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/artdesk/internal/middleware"
	"github.com/hitoshi/artdesk/internal/model"
)

// ContentService は投稿・コメント・カテゴリ・購読のバックエンドAPI。backend.Clientが実装する。
type ContentService interface {
	Posts(ctx context.Context, page, limit int) (*model.Page[model.Post], error)
	Post(ctx context.Context, id string) (*model.Post, error)
	LikePost(ctx context.Context, id string) error
	UnlikePost(ctx context.Context, id string) error
	Comments(ctx context.Context, postID string, page, limit int) (*model.Page[model.Comment], error)
	CreateComment(ctx context.Context, postID, content string) (*model.Comment, error)
	Categories(ctx context.Context) ([]model.Category, error)
	Subscribe(ctx context.Context, userID string) error
	Unsubscribe(ctx context.Context, userID string) error
}

// ProfileReader はプロフィールを読み取る。profile.Cacheが実装する。
type ProfileReader interface {
	Get(ctx context.Context, userID string) (*model.User, error)
}

// ContentHandler は投稿閲覧とユーザー関連のHTTPハンドラー。
type ContentHandler struct {
	content  ContentService
	profiles ProfileReader
}

// NewContentHandler はContentHandlerを生成する。
func NewContentHandler(content ContentService, profiles ProfileReader) *ContentHandler {
	return &ContentHandler{content: content, profiles: profiles}
}

type createCommentRequest struct {
	Content string `json:"content"`
}

// ListPosts は投稿一覧を返す。
// GET /api/posts?page=1&limit=20
func (h *ContentHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	p, err := h.content.Posts(r.Context(), page, limit)
	if err != nil {
		writeBackendError(w, r, err, "投稿")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetPost は投稿を1件返す。
// GET /api/posts/{id}
func (h *ContentHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	p, err := h.content.Post(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeBackendError(w, r, err, "投稿")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// LikePost は投稿にいいねする。
// POST /api/posts/{id}/like
func (h *ContentHandler) LikePost(w http.ResponseWriter, r *http.Request) {
	if err := h.content.LikePost(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeBackendError(w, r, err, "投稿")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnlikePost は投稿のいいねを取り消す。
// DELETE /api/posts/{id}/like
func (h *ContentHandler) UnlikePost(w http.ResponseWriter, r *http.Request) {
	if err := h.content.UnlikePost(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeBackendError(w, r, err, "投稿")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListComments は投稿のコメント一覧を返す。
// GET /api/posts/{id}/comments
func (h *ContentHandler) ListComments(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	p, err := h.content.Comments(r.Context(), chi.URLParam(r, "id"), page, limit)
	if err != nil {
		writeBackendError(w, r, err, "投稿")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreateComment は投稿にコメントする。
// POST /api/posts/{id}/comments
func (h *ContentHandler) CreateComment(w http.ResponseWriter, r *http.Request) {
	var req createCommentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("コメントが空です"))
		return
	}
	c, err := h.content.CreateComment(r.Context(), chi.URLParam(r, "id"), content)
	if err != nil {
		writeBackendError(w, r, err, "投稿")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListCategories はカテゴリ一覧を返す。
// GET /api/categories
func (h *ContentHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.content.Categories(r.Context())
	if err != nil {
		writeBackendError(w, r, err, "カテゴリ")
		return
	}
	if cats == nil {
		cats = []model.Category{}
	}
	writeJSON(w, http.StatusOK, cats)
}

// GetUser はユーザーのプロフィールを返す。キャッシュを経由する。
// GET /api/users/{id}
func (h *ContentHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "me" {
		// セッションミドルウェアが注入した自分のID
		if id, err := middleware.UserIDFromContext(r.Context()); err == nil {
			userID = id
		}
	}
	u, err := h.profiles.Get(r.Context(), userID)
	if err != nil {
		writeBackendError(w, r, err, "ユーザー")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// Subscribe はユーザーを購読する。
// POST /api/subscriptions/{userId}
func (h *ContentHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "userId")
	if self, err := middleware.UserIDFromContext(r.Context()); err == nil && self == target {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("自分自身は購読できません"))
		return
	}
	if err := h.content.Subscribe(r.Context(), target); err != nil {
		writeBackendError(w, r, err, "ユーザー")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unsubscribe はユーザーの購読を解除する。
// DELETE /api/subscriptions/{userId}
func (h *ContentHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.content.Unsubscribe(r.Context(), chi.URLParam(r, "userId")); err != nil {
		writeBackendError(w, r, err, "ユーザー")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
