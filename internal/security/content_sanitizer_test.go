package security

import (
	"strings"
	"testing"
)

// TestSanitize_BlogElements はブログ本文で使う要素が通過することを検証する。
func TestSanitize_BlogElements(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name         string
		input        string
		wantContains []string
	}{
		{
			name:         "見出しが許可される",
			input:        "<h2>制作メモ</h2>",
			wantContains: []string{"<h2>制作メモ</h2>"},
		},
		{
			name:         "段落と改行が許可される",
			input:        "<p>行1<br>行2</p>",
			wantContains: []string{"<p>", "<br>", "行1", "行2"},
		},
		{
			name:         "リストが許可される",
			input:        "<ul><li>下描き</li><li>着彩</li></ul>",
			wantContains: []string{"<ul>", "<li>下描き</li>", "</ul>"},
		},
		{
			name:         "引用が許可される",
			input:        "<blockquote>引用</blockquote>",
			wantContains: []string{"<blockquote>引用</blockquote>"},
		},
		{
			name:         "装飾が許可される",
			input:        "<strong>太字</strong><em>斜体</em><u>下線</u><s>取消</s>",
			wantContains: []string{"<strong>太字</strong>", "<em>斜体</em>", "<u>下線</u>", "<s>取消</s>"},
		},
		{
			name:         "画像のサイズ指定が許可される",
			input:        `<img src="https://cdn.example.com/a.png" alt="作品" width="640" height="480">`,
			wantContains: []string{"https://cdn.example.com/a.png", `alt="作品"`, `width="640"`, `height="480"`},
		},
		{
			name:         "図版とキャプションが許可される",
			input:        `<figure><img src="https://cdn.example.com/a.png"><figcaption>習作</figcaption></figure>`,
			wantContains: []string{"<figure>", "<figcaption>習作</figcaption>"},
		},
		{
			name:         "コードの言語指定が許可される",
			input:        `<pre><code class="language-go">x := 1</code></pre>`,
			wantContains: []string{`class="language-go"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, want := range tt.wantContains {
				if !strings.Contains(got, want) {
					t.Errorf("Sanitize(%q) = %q, expected to contain %q", tt.input, got, want)
				}
			}
		})
	}
}

// TestSanitize_Dangerous は危険な要素と属性が除去されることを検証する。
func TestSanitize_Dangerous(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name       string
		input      string
		wantAbsent []string
	}{
		{
			name:       "scriptタグが除去される",
			input:      `<p>本文</p><script>alert('xss')</script>`,
			wantAbsent: []string{"<script", "alert"},
		},
		{
			name:       "iframeタグが除去される",
			input:      `<iframe src="https://evil.example.com"></iframe>`,
			wantAbsent: []string{"<iframe", "evil.example.com"},
		},
		{
			name:       "styleタグが除去される",
			input:      `<style>body{display:none}</style>`,
			wantAbsent: []string{"<style", "display:none"},
		},
		{
			name:       "onerror属性が除去される",
			input:      `<img src="https://cdn.example.com/a.png" onerror="alert(1)">`,
			wantAbsent: []string{"onerror", "alert"},
		},
		{
			name:       "onclick属性が除去される",
			input:      `<p onclick="steal()">本文</p>`,
			wantAbsent: []string{"onclick", "steal"},
		},
		{
			name:       "http画像が拒否される",
			input:      `<img src="http://cdn.example.com/a.png">`,
			wantAbsent: []string{"http://cdn.example.com"},
		},
		{
			name:       "data URI画像が拒否される",
			input:      `<img src="data:image/png;base64,abc">`,
			wantAbsent: []string{"data:image"},
		},
		{
			name:       "javascriptリンクが拒否される",
			input:      `<a href="javascript:alert(1)">リンク</a>`,
			wantAbsent: []string{"javascript:"},
		},
		{
			name:       "数値でない画像サイズが除去される",
			input:      `<img src="https://cdn.example.com/a.png" width="100%;x">`,
			wantAbsent: []string{"width"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, absent := range tt.wantAbsent {
				if strings.Contains(got, absent) {
					t.Errorf("Sanitize(%q) = %q, should NOT contain %q", tt.input, got, absent)
				}
			}
		})
	}
}

// TestSanitize_AnchorAttributes はリンクにtarget="_blank"とrelが付与されることを検証する。
func TestSanitize_AnchorAttributes(t *testing.T) {
	sanitizer := NewContentSanitizer()

	got := sanitizer.Sanitize(`<a href="https://example.com" target="_self">作品ページ</a>`)
	for _, want := range []string{`target="_blank"`, "noopener", "noreferrer", "作品ページ"} {
		if !strings.Contains(got, want) {
			t.Errorf("Sanitize() = %q, expected to contain %q", got, want)
		}
	}
	if strings.Contains(got, `target="_self"`) {
		t.Errorf("Sanitize() = %q, should NOT contain target=\"_self\"", got)
	}
}

// TestSanitize_EmptyAndPlain は空文字列とプレーンテキストの扱いを検証する。
func TestSanitize_EmptyAndPlain(t *testing.T) {
	sanitizer := NewContentSanitizer()

	if got := sanitizer.Sanitize(""); got != "" {
		t.Errorf("Sanitize(\"\") = %q, expected empty string", got)
	}
	plain := "今日は水彩で風景を描きました。"
	if got := sanitizer.Sanitize(plain); got != plain {
		t.Errorf("Sanitize(%q) = %q, expected unchanged", plain, got)
	}
}

// TestSanitize_Idempotent は二重サニタイズで結果が変わらないことを検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewContentSanitizer()

	input := `<h1>題</h1><p>本文<strong>太字</strong></p><a href="https://example.com">リンク</a><img src="https://cdn.example.com/a.png" alt="画像">`
	once := sanitizer.Sanitize(input)
	twice := sanitizer.Sanitize(once)
	if once != twice {
		t.Errorf("二重サニタイズで結果が変わった: 1回目=%q, 二重=%q", once, twice)
	}
}

// TestSanitize_ImplementsInterface はインターフェースを満たすことを検証する。
func TestSanitize_ImplementsInterface(t *testing.T) {
	var _ ContentSanitizerService = NewContentSanitizer()
}

func TestSanitize_CodeClassRestricted(t *testing.T) {
	got := NewContentSanitizer().Sanitize(`<code class="hljs evil">x</code>`)
	if strings.Contains(got, "class=") {
		t.Errorf("non-language class should be stripped, got %q", got)
	}
}
