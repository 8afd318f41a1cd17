// Package appmeta はウォレットの認証画面に表示するアプリ情報を解決する。
package appmeta

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	// maxPageSize はアイコン検出のために読み込むHTMLの最大サイズ（1MB）。
	maxPageSize = 1 * 1024 * 1024
	// maxIconSize はアイコンの最大サイズ（2MB）。
	maxIconSize = 2 * 1024 * 1024

	fetchTimeout = 5 * time.Second
	userAgent    = "FlowDevKit/1.0"
)

// ErrIconNotFound はサイトからアイコンを検出できなかったことを示す。
var ErrIconNotFound = errors.New("app icon not found")

// URLGuard はSSRF検証のインターフェース。security.SSRFGuardServiceが実装する。
type URLGuard interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// IconResolver はサイトURLからアプリアイコンのURLを解決する。
type IconResolver struct {
	guard  URLGuard
	logger *slog.Logger
}

// NewIconResolver はIconResolverを生成する。
func NewIconResolver(guard URLGuard, logger *slog.Logger) *IconResolver {
	return &IconResolver{guard: guard, logger: logger}
}

// Resolve はサイトのHTMLのheadからアイコンのlink要素を探し、絶対URLを返す。
// link要素が見つからない場合は/favicon.icoを確認し、画像であればそのURLを返す。
// どちらも見つからない場合はErrIconNotFoundを返す。
func (r *IconResolver) Resolve(ctx context.Context, siteURL string) (string, error) {
	if err := r.guard.ValidateURL(siteURL); err != nil {
		return "", fmt.Errorf("app url rejected: %w", err)
	}

	body, err := r.fetchPage(ctx, siteURL)
	if err != nil {
		// ページが取得できなくても/favicon.icoは存在しうる
		r.logger.Warn("アイコン検出: ページ取得失敗", slog.String("url", siteURL), slog.String("error", err.Error()))
	} else if icon := selectIcon(parseIconLinks(body, siteURL)); icon != "" {
		return icon, nil
	}

	fallback := defaultIconURL(siteURL)
	if fallback == "" {
		return "", ErrIconNotFound
	}
	if !r.isImage(ctx, fallback) {
		return "", ErrIconNotFound
	}
	return fallback, nil
}

func (r *IconResolver) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	resp, err := r.get(ctx, pageURL, maxPageSize)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
}

// isImage はURLの取得結果が画像であるかを判定する。
func (r *IconResolver) isImage(ctx context.Context, iconURL string) bool {
	resp, err := r.get(ctx, iconURL, maxIconSize)
	if err != nil {
		r.logger.Warn("アイコン検出: favicon取得失敗", slog.String("url", iconURL), slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxIconSize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	return isImageMime(extractMimeType(resp.Header.Get("Content-Type")))
}

func (r *IconResolver) get(ctx context.Context, rawURL string, maxSize int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	return r.guard.NewSafeClient(fetchTimeout, maxSize).Do(req)
}

// iconLink はheadから検出したアイコンのlink要素。
type iconLink struct {
	rel  string
	href string
}

// relPriority はrel属性ごとの優先度。値が小さいほど優先する。
var relPriority = map[string]int{
	"icon":             0,
	"shortcut icon":    1,
	"apple-touch-icon": 2,
}

// parseIconLinks はHTMLのheadからアイコンのlink要素を抽出する。
// 相対URLはbaseURLを基準に絶対URLに解決される。
func parseIconLinks(body []byte, baseURL string) []iconLink {
	var links []iconLink

	baseU, err := url.Parse(baseURL)
	if err != nil {
		return links
	}

	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	inHead := false

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return links

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tagName := string(tn)

			if tagName == "head" {
				inHead = true
				continue
			}
			if tagName == "body" {
				return links
			}
			if !inHead || tagName != "link" || !hasAttr {
				continue
			}

			var rel, href string
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.Join(strings.Fields(strings.ToLower(string(val))), " ")
				case "href":
					href = strings.TrimSpace(string(val))
				}
				if !more {
					break
				}
			}

			if _, ok := relPriority[rel]; !ok || href == "" {
				continue
			}
			resolved := resolveURL(baseU, href)
			if resolved == "" {
				continue
			}
			links = append(links, iconLink{rel: rel, href: resolved})

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "head" {
				return links
			}
		}
	}
}

// selectIcon は優先度が最も高いアイコンを選ぶ。同じ優先度なら先に出現したものを選ぶ。
func selectIcon(links []iconLink) string {
	best := ""
	bestPriority := len(relPriority)
	for _, l := range links {
		if p := relPriority[l.rel]; p < bestPriority {
			best, bestPriority = l.href, p
		}
	}
	return best
}

func resolveURL(base *url.URL, rawRef string) string {
	ref, err := url.Parse(rawRef)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	return resolved.String()
}

// defaultIconURL はサイトURLから/favicon.icoのURLを組み立てる。
func defaultIconURL(siteURL string) string {
	u, err := url.Parse(siteURL)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Path = "/favicon.ico"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// extractMimeType はContent-Typeヘッダーからメディアタイプを抽出する。
func extractMimeType(contentType string) string {
	parts := strings.SplitN(contentType, ";", 2)
	return strings.TrimSpace(strings.ToLower(parts[0]))
}

func isImageMime(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}
