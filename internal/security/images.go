package security

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// ExtractImageURLs はHTMLに含まれるimgタグのsrcを出現順に返す。
// 重複は除き、httpsの絶対URL以外は無視する。
// ブログの images フィールドは保存のたびに本文から再計算される。
func ExtractImageURLs(body string) []string {
	var urls []string
	seen := make(map[string]struct{})

	tokenizer := html.NewTokenizer(strings.NewReader(body))
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return urls

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			if string(tn) != "img" || !hasAttr {
				continue
			}

			var src string
			for {
				key, val, more := tokenizer.TagAttr()
				if strings.ToLower(string(key)) == "src" {
					src = strings.TrimSpace(string(val))
				}
				if !more {
					break
				}
			}

			if !isHTTPSURL(src) {
				continue
			}
			if _, dup := seen[src]; dup {
				continue
			}
			seen[src] = struct{}{}
			urls = append(urls, src)
		}
	}
}

func isHTTPSURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.Host != ""
}
