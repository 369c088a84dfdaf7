package model

import "time"

// Page はページネーション付き一覧レスポンスを表す。
type Page[T any] struct {
	Data        []T  `json:"data"`
	Page        int  `json:"page"`
	HasNextPage bool `json:"has_next_page"`
}

// Post はアート投稿を表す。
type Post struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	ImageURLs     []string  `json:"image_urls"`
	CategoryIDs   []string  `json:"category_ids,omitempty"`
	LikesCount    int       `json:"likes_count"`
	CommentsCount int       `json:"comments_count"`
	IsLiked       bool      `json:"is_liked"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Comment は投稿へのコメントを表す。
type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Category は投稿カテゴリを表す。
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Blog はサーバー側に保存されたブログを表す。
type Blog struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id,omitempty"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Images      []string  `json:"images"`
	IsPublished bool      `json:"is_published"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
