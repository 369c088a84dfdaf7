package backend

import (
	"context"
	"net/http"
	"net/url"

	"github.com/hitoshi/artdesk/internal/model"
)

// BlogInput はブログの作成・更新リクエスト。
type BlogInput struct {
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	Images      []string `json:"images"`
	IsPublished bool     `json:"is_published"`
}

// Posts は投稿一覧を取得する。
func (c *Client) Posts(ctx context.Context, page, limit int) (*model.Page[model.Post], error) {
	var p model.Page[model.Post]
	if err := c.do(ctx, http.MethodGet, "GET /posts", "/posts", pageQuery(page, limit), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Post は投稿を1件取得する。
func (c *Client) Post(ctx context.Context, id string) (*model.Post, error) {
	var p model.Post
	if err := c.do(ctx, http.MethodGet, "GET /posts/{id}", "/posts/"+url.PathEscape(id), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// LikePost は投稿にいいねする。
func (c *Client) LikePost(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "POST /posts/{id}/like", "/posts/"+url.PathEscape(id)+"/like", nil, nil, nil)
}

// UnlikePost は投稿のいいねを取り消す。
func (c *Client) UnlikePost(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "DELETE /posts/{id}/like", "/posts/"+url.PathEscape(id)+"/like", nil, nil, nil)
}

// Comments は投稿のコメント一覧を取得する。
func (c *Client) Comments(ctx context.Context, postID string, page, limit int) (*model.Page[model.Comment], error) {
	var p model.Page[model.Comment]
	path := "/posts/" + url.PathEscape(postID) + "/comments"
	if err := c.do(ctx, http.MethodGet, "GET /posts/{id}/comments", path, pageQuery(page, limit), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateComment は投稿にコメントする。
func (c *Client) CreateComment(ctx context.Context, postID, content string) (*model.Comment, error) {
	var cm model.Comment
	path := "/posts/" + url.PathEscape(postID) + "/comments"
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, "POST /posts/{id}/comments", path, nil, body, &cm); err != nil {
		return nil, err
	}
	return &cm, nil
}

// Categories はカテゴリ一覧を取得する。
func (c *Client) Categories(ctx context.Context) ([]model.Category, error) {
	var cats []model.Category
	if err := c.do(ctx, http.MethodGet, "GET /categories", "/categories", nil, nil, &cats); err != nil {
		return nil, err
	}
	return cats, nil
}

// Subscribe はユーザーを購読する。
func (c *Client) Subscribe(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "POST /subscriptions/{userId}", "/subscriptions/"+url.PathEscape(userID), nil, nil, nil)
}

// Unsubscribe はユーザーの購読を解除する。
func (c *Client) Unsubscribe(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "DELETE /subscriptions/{userId}", "/subscriptions/"+url.PathEscape(userID), nil, nil, nil)
}

// CreateBlog はブログを作成する。
func (c *Client) CreateBlog(ctx context.Context, in BlogInput) (*model.Blog, error) {
	var b model.Blog
	if err := c.do(ctx, http.MethodPost, "POST /blogs", "/blogs", nil, in, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Blog はブログを1件取得する。
func (c *Client) Blog(ctx context.Context, id string) (*model.Blog, error) {
	var b model.Blog
	if err := c.do(ctx, http.MethodGet, "GET /blogs/{id}", "/blogs/"+url.PathEscape(id), nil, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBlog はブログを更新する。
func (c *Client) UpdateBlog(ctx context.Context, id string, in BlogInput) (*model.Blog, error) {
	var b model.Blog
	if err := c.do(ctx, http.MethodPatch, "PATCH /blogs/{id}", "/blogs/"+url.PathEscape(id), nil, in, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// DeleteBlog はブログを削除する。
func (c *Client) DeleteBlog(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "DELETE /blogs/{id}", "/blogs/"+url.PathEscape(id), nil, nil, nil)
}
