package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/artdesk/internal/autosave"
	"github.com/hitoshi/artdesk/internal/backend"
	"github.com/hitoshi/artdesk/internal/identity"
	"github.com/hitoshi/artdesk/internal/middleware"
	"github.com/hitoshi/artdesk/internal/model"
	"github.com/hitoshi/artdesk/internal/security"
)

// --- モック定義 ---

type mockSessionService struct {
	snapshotFn           func() model.SessionState
	signUpWithEmailFn    func(ctx context.Context, email, password string) error
	loginWithEmailFn     func(ctx context.Context, email, password string) error
	authenWithGoogleFn   func(ctx context.Context, cred identity.IdPCredential) error
	signUpWithFacebookFn func(ctx context.Context, cred identity.IdPCredential) error
	logoutFn             func(ctx context.Context) error
	forgotPasswordFn     func(ctx context.Context, email string) error
	resendVerificationFn func(ctx context.Context) error
	updateProfileFn      func(ctx context.Context, upd model.ProfileUpdate) (*model.User, error)
}

func (m *mockSessionService) Snapshot() model.SessionState {
	if m.snapshotFn != nil {
		return m.snapshotFn()
	}
	return model.SessionState{}
}

func (m *mockSessionService) SignUpWithEmail(ctx context.Context, email, password string) error {
	if m.signUpWithEmailFn != nil {
		return m.signUpWithEmailFn(ctx, email, password)
	}
	return nil
}

func (m *mockSessionService) LoginWithEmail(ctx context.Context, email, password string) error {
	if m.loginWithEmailFn != nil {
		return m.loginWithEmailFn(ctx, email, password)
	}
	return nil
}

func (m *mockSessionService) AuthenWithGoogle(ctx context.Context, cred identity.IdPCredential) error {
	if m.authenWithGoogleFn != nil {
		return m.authenWithGoogleFn(ctx, cred)
	}
	return nil
}

func (m *mockSessionService) SignUpWithFacebook(ctx context.Context, cred identity.IdPCredential) error {
	if m.signUpWithFacebookFn != nil {
		return m.signUpWithFacebookFn(ctx, cred)
	}
	return nil
}

func (m *mockSessionService) Logout(ctx context.Context) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx)
	}
	return nil
}

func (m *mockSessionService) ForgotPassword(ctx context.Context, email string) error {
	if m.forgotPasswordFn != nil {
		return m.forgotPasswordFn(ctx, email)
	}
	return nil
}

func (m *mockSessionService) ResendVerification(ctx context.Context) error {
	if m.resendVerificationFn != nil {
		return m.resendVerificationFn(ctx)
	}
	return nil
}

func (m *mockSessionService) UpdateProfile(ctx context.Context, upd model.ProfileUpdate) (*model.User, error) {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, upd)
	}
	return &model.User{}, nil
}

type mockSocial struct {
	enabled         map[string]bool
	authCodeURLFn   func(provider, state string) (string, error)
	exchangeFn      func(ctx context.Context, provider, code string) (identity.IdPCredential, error)
	callbackErrorFn func(provider, errParam string) error
}

func (m *mockSocial) Enabled(provider string) bool {
	return m.enabled[provider]
}

func (m *mockSocial) AuthCodeURL(provider, state string) (string, error) {
	if m.authCodeURLFn != nil {
		return m.authCodeURLFn(provider, state)
	}
	return "https://consent.example.com/" + provider + "?state=" + state, nil
}

func (m *mockSocial) Exchange(ctx context.Context, provider, code string) (identity.IdPCredential, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, provider, code)
	}
	return identity.IdPCredential{ProviderID: provider + ".com", AccessToken: "at-" + code}, nil
}

func (m *mockSocial) CallbackError(provider, errParam string) error {
	if m.callbackErrorFn != nil {
		return m.callbackErrorFn(provider, errParam)
	}
	return nil
}

type mockEmailChecker struct {
	emailExistsFn func(ctx context.Context, email string) (bool, error)
}

func (m *mockEmailChecker) EmailExists(ctx context.Context, email string) (bool, error) {
	if m.emailExistsFn != nil {
		return m.emailExistsFn(ctx, email)
	}
	return false, nil
}

type mockContent struct {
	postsFn         func(ctx context.Context, page, limit int) (*model.Page[model.Post], error)
	postFn          func(ctx context.Context, id string) (*model.Post, error)
	likePostFn      func(ctx context.Context, id string) error
	unlikePostFn    func(ctx context.Context, id string) error
	commentsFn      func(ctx context.Context, postID string, page, limit int) (*model.Page[model.Comment], error)
	createCommentFn func(ctx context.Context, postID, content string) (*model.Comment, error)
	categoriesFn    func(ctx context.Context) ([]model.Category, error)
	subscribeFn     func(ctx context.Context, userID string) error
	unsubscribeFn   func(ctx context.Context, userID string) error
}

func (m *mockContent) Posts(ctx context.Context, page, limit int) (*model.Page[model.Post], error) {
	if m.postsFn != nil {
		return m.postsFn(ctx, page, limit)
	}
	return &model.Page[model.Post]{Page: page}, nil
}

func (m *mockContent) Post(ctx context.Context, id string) (*model.Post, error) {
	if m.postFn != nil {
		return m.postFn(ctx, id)
	}
	return &model.Post{ID: id}, nil
}

func (m *mockContent) LikePost(ctx context.Context, id string) error {
	if m.likePostFn != nil {
		return m.likePostFn(ctx, id)
	}
	return nil
}

func (m *mockContent) UnlikePost(ctx context.Context, id string) error {
	if m.unlikePostFn != nil {
		return m.unlikePostFn(ctx, id)
	}
	return nil
}

func (m *mockContent) Comments(ctx context.Context, postID string, page, limit int) (*model.Page[model.Comment], error) {
	if m.commentsFn != nil {
		return m.commentsFn(ctx, postID, page, limit)
	}
	return &model.Page[model.Comment]{Page: page}, nil
}

func (m *mockContent) CreateComment(ctx context.Context, postID, content string) (*model.Comment, error) {
	if m.createCommentFn != nil {
		return m.createCommentFn(ctx, postID, content)
	}
	return &model.Comment{ID: "c1", PostID: postID, Content: content}, nil
}

func (m *mockContent) Categories(ctx context.Context) ([]model.Category, error) {
	if m.categoriesFn != nil {
		return m.categoriesFn(ctx)
	}
	return nil, nil
}

func (m *mockContent) Subscribe(ctx context.Context, userID string) error {
	if m.subscribeFn != nil {
		return m.subscribeFn(ctx, userID)
	}
	return nil
}

func (m *mockContent) Unsubscribe(ctx context.Context, userID string) error {
	if m.unsubscribeFn != nil {
		return m.unsubscribeFn(ctx, userID)
	}
	return nil
}

type mockProfiles struct {
	getFn func(ctx context.Context, userID string) (*model.User, error)
}

func (m *mockProfiles) Get(ctx context.Context, userID string) (*model.User, error) {
	if m.getFn != nil {
		return m.getFn(ctx, userID)
	}
	return &model.User{ID: userID}, nil
}

// fakeBlogStore はautosave.BlogStoreのメモリ実装。
type fakeBlogStore struct {
	mu      sync.Mutex
	blogs   map[string]*model.Blog
	nextID  int
	creates int
	updates int
	deletes []string
	saveErr error
}

func newFakeBlogStore() *fakeBlogStore {
	return &fakeBlogStore{blogs: make(map[string]*model.Blog)}
}

func (s *fakeBlogStore) CreateBlog(ctx context.Context, in backend.BlogInput) (*model.Blog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	s.nextID++
	s.creates++
	b := &model.Blog{ID: fmt.Sprintf("blog-%d", s.nextID), Title: in.Title, Content: in.Content, Images: in.Images, IsPublished: in.IsPublished}
	s.blogs[b.ID] = b
	return b, nil
}

func (s *fakeBlogStore) Blog(ctx context.Context, id string) (*model.Blog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blogs[id]
	if !ok {
		return nil, &model.AuthError{Kind: model.KindUnknown, Op: "backend GET /blogs/{id}", Status: http.StatusNotFound}
	}
	cp := *b
	return &cp, nil
}

func (s *fakeBlogStore) UpdateBlog(ctx context.Context, id string, in backend.BlogInput) (*model.Blog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	s.updates++
	b := &model.Blog{ID: id, Title: in.Title, Content: in.Content, Images: in.Images, IsPublished: in.IsPublished}
	s.blogs[id] = b
	return b, nil
}

func (s *fakeBlogStore) DeleteBlog(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, id)
	delete(s.blogs, id)
	return nil
}

// --- テストヘルパー ---

const testCSRFToken = "test-csrf-token"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager は自動保存が走らない長いデバウンスのManagerを返す。
func newTestManager(t *testing.T, store autosave.BlogStore) *autosave.Manager {
	t.Helper()
	m := autosave.NewManager(store, security.NewContentSanitizer(), autosave.Config{
		ContentDebounce: time.Hour,
		TitleDebounce:   time.Hour,
	}, discardLogger())
	t.Cleanup(m.Close)
	return m
}

func authenticatedSession() *mockSessionService {
	return &mockSessionService{
		snapshotFn: func() model.SessionState {
			return model.SessionState{User: &model.User{ID: "u1", Username: "alice"}, IsAuthenticated: true}
		},
	}
}

type routerFixture struct {
	sessions *mockSessionService
	social   *mockSocial
	emails   *mockEmailChecker
	content  *mockContent
	profiles *mockProfiles
	store    *fakeBlogStore
	drafts   *autosave.Manager
	limiter  *middleware.RateLimiter
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	store := newFakeBlogStore()
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)
	return &routerFixture{
		sessions: authenticatedSession(),
		social:   &mockSocial{enabled: map[string]bool{"google": true, "facebook": true}},
		emails:   &mockEmailChecker{},
		content:  &mockContent{},
		profiles: &mockProfiles{},
		store:    store,
		drafts:   newTestManager(t, store),
		limiter:  limiter,
	}
}

func (f *routerFixture) router() http.Handler {
	return NewRouter(&RouterDeps{
		Logger:            discardLogger(),
		CORSAllowedOrigin: "http://localhost:5173",
		RateLimiter:       f.limiter,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "# metrics\n")
		}),
		Sessions:   f.sessions,
		Social:     f.social,
		Emails:     f.emails,
		AuthConfig: AuthHandlerConfig{UIOrigin: "http://localhost:5173"},
		Content:    f.content,
		Profiles:   f.profiles,
		Drafts:     f.drafts,
	})
}

// do はCSRFトークン付きでリクエストを送る。
func (f *routerFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: testCSRFToken})
	req.Header.Set("X-CSRF-Token", testCSRFToken)
	w := httptest.NewRecorder()
	f.router().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[middleware.ErrorResponseBody](t, w).Code
}

func authErr(kind model.ErrorKind) error {
	return model.NewAuthError(kind, "test", nil)
}
