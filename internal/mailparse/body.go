package mailparse

import (
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"mockmail/backend/internal/domain"
)

var (
	bodyPolicy = newBodyPolicy()
	urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"']+`)
	spaces     = regexp.MustCompile(`\s+`)
)

func newBodyPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("a", "img", "p", "br", "b", "i", "strong", "em")
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowURLSchemes("http", "https", "mailto", "cid")
	p.RequireParseableURLs(true)
	p.AllowRelativeURLs(false)
	return p
}

// ParseBody 清洗 HTML 正文并提取链接、图片与纯文本
func ParseBody(htmlBody, textBody string) domain.MessageBody {
	body := domain.MessageBody{Text: strings.TrimSpace(textBody)}
	if strings.TrimSpace(htmlBody) == "" {
		body.Links = collectLinks(nil, body.Text)
		return body
	}

	body.HTML = bodyPolicy.Sanitize(htmlBody)

	hrefs, images, text := scanHTML(body.HTML)
	if text != "" && body.Text == "" {
		body.Text = text
	}
	body.Links = collectLinks(hrefs, text+" "+body.Text)
	body.Images = dedupe(images)
	return body
}

// scanHTML 遍历 HTML 词法单元，返回 a[href]、img[src] 与文本内容
func scanHTML(doc string) (hrefs, images []string, text string) {
	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return hrefs, images, strings.TrimSpace(sb.String())
			}
			return hrefs, images, strings.TrimSpace(spaces.ReplaceAllString(sb.String(), " "))
		case html.TextToken:
			sb.Write(z.Text())
			sb.WriteByte(' ')
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			var want string
			switch string(name) {
			case "a":
				want = "href"
			case "img":
				want = "src"
			case "br", "p":
				sb.WriteByte('\n')
			}
			for hasAttr && want != "" {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if string(key) != want || len(val) == 0 {
					continue
				}
				if want == "href" {
					hrefs = append(hrefs, string(val))
				} else {
					images = append(images, string(val))
				}
			}
		}
	}
}

// collectLinks 合并 href 与文本中的 URL，规范化后去重
func collectLinks(hrefs []string, text string) []string {
	candidates := append([]string{}, hrefs...)
	candidates = append(candidates, urlPattern.FindAllString(text, -1)...)

	links := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		link, ok := NormalizeLink(c)
		if !ok {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}
	return links
}

// NormalizeLink 去掉文本中粘连的结尾标点并规范化，只接受 http(s) 绝对地址。
// 点击追踪的白名单与改写后的链接都以它的结果为准。
func NormalizeLink(raw string) (string, bool) {
	link := strings.TrimRight(strings.TrimSpace(raw), ".,;:!?)]}")
	if strings.HasPrefix(strings.ToLower(link), "www.") {
		link = "http://" + link
	}
	u, err := url.Parse(link)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}

func dedupe(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
