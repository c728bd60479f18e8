package tracking

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"mockmail/backend/internal/mailparse"
)

// 追踪端点路径
const (
	ClickPath = "/api/mail/track/click/"
	OpenPath  = "/api/mail/track/open/"
)

// Rewriter 将邮件 HTML 中的外链替换为点击追踪链接，并注入打开追踪像素
type Rewriter struct {
	base string
}

// NewRewriter 创建改写器，baseURL 为对外访问地址（不带末尾斜杠）
func NewRewriter(baseURL string) *Rewriter {
	return &Rewriter{base: strings.TrimRight(baseURL, "/")}
}

// ClickURL 返回点击追踪地址
func (r *Rewriter) ClickURL(messageID, target string) string {
	return r.base + ClickPath + url.PathEscape(messageID) + "?url=" + url.QueryEscape(target)
}

// PixelURL 返回打开追踪像素地址
func (r *Rewriter) PixelURL(messageID string) string {
	return r.base + OpenPath + url.PathEscape(messageID)
}

func (r *Rewriter) pixelTag(messageID string) string {
	return fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none" />`,
		html.EscapeString(r.PixelURL(messageID)))
}

// Rewrite 改写 HTML。已改写过的链接和已存在的像素保持不变，重复调用结果一致。
func (r *Rewriter) Rewrite(messageID, doc string) (string, error) {
	if strings.TrimSpace(doc) == "" {
		return doc, nil
	}

	clickPrefix := r.base + ClickPath
	pixel := r.PixelURL(messageID)
	hasPixel := false
	injected := false

	var out strings.Builder
	out.Grow(len(doc) + 256)

	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("tokenize html: %w", err)
			}
			break
		}

		// TagName/Token 会原地修改缓冲区，先拷贝原始文本
		raw := string(z.Raw())

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.A:
				if rewriteHref(&tok, clickPrefix, func(href string) string { return r.ClickURL(messageID, href) }) {
					out.WriteString(tok.String())
					continue
				}
			case atom.Img:
				for _, a := range tok.Attr {
					if a.Key == "src" && a.Val == pixel {
						hasPixel = true
					}
				}
			}
		case html.EndTagToken:
			tok := z.Token()
			if tok.DataAtom == atom.Body && !hasPixel && !injected {
				out.WriteString(r.pixelTag(messageID))
				injected = true
			}
		}
		out.WriteString(raw)
	}

	if !hasPixel && !injected {
		out.WriteString(r.pixelTag(messageID))
	}
	return out.String(), nil
}

// rewriteHref 替换 a 标签的 http(s) 链接，返回是否有改动。无法规范化的链接保持原样。
func rewriteHref(tok *html.Token, clickPrefix string, wrap func(string) string) bool {
	for i, a := range tok.Attr {
		if a.Key != "href" {
			continue
		}
		href := strings.TrimSpace(a.Val)
		if strings.HasPrefix(href, clickPrefix) {
			return false
		}
		lower := strings.ToLower(href)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			return false
		}
		// 包装规范化后的链接，与正文提取的白名单保持一致
		link, ok := mailparse.NormalizeLink(href)
		if !ok {
			return false
		}
		tok.Attr[i].Val = wrap(link)
		return true
	}
	return false
}
