package ingest

import (
	"bytes"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// feedLink はHTMLのheadから検出したフィードリンク。
type feedLink struct {
	URL  string
	Atom bool
}

// isHTMLContent はContent-TypeがHTMLかどうかを返す。
func isHTMLContent(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.Contains(strings.ToLower(mediaType), "html")
}

// looksLikeFeed はボディの先頭部分がRSS/Atomのルート要素を含むかどうかを返す。
func looksLikeFeed(body []byte) bool {
	checkSize := 4096
	if len(body) < checkSize {
		checkSize = len(body)
	}
	prefix := strings.ToLower(string(body[:checkSize]))

	if strings.Contains(prefix, "<rss") || strings.Contains(prefix, "<rdf:rdf") {
		return true
	}
	return strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom")
}

// discoverFeedURL はHTMLのheadにある rel="alternate" のRSS/Atomリンクから
// 取り込むフィードのURLを選ぶ。見つからない場合は空文字列を返す。
// 優先順位: 同一ホスト > Atom > 先頭
func discoverFeedURL(htmlBody []byte, pageURL string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	links := parseFeedLinks(htmlBody, base)

	best, bestScore := "", -1
	for _, l := range links {
		score := 0
		if u, err := url.Parse(l.URL); err == nil && strings.EqualFold(u.Hostname(), base.Hostname()) {
			score += 100
		}
		if l.Atom {
			score += 10
		}
		if score > bestScore {
			best, bestScore = l.URL, score
		}
	}
	return best
}

func parseFeedLinks(htmlBody []byte, base *url.URL) []feedLink {
	var links []feedLink
	tokenizer := html.NewTokenizer(bytes.NewReader(htmlBody))
	inHead := false

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return links

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			switch tagName := string(tn); {
			case tagName == "head":
				inHead = true
				continue
			case tagName == "body":
				return links
			case !inHead || tagName != "link" || !hasAttr:
				continue
			}

			var rel, linkType, href string
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "type":
					linkType = strings.ToLower(string(val))
				case "href":
					href = string(val)
				}
				if !more {
					break
				}
			}
			if rel != "alternate" || href == "" {
				continue
			}
			if linkType != "application/rss+xml" && linkType != "application/atom+xml" {
				continue
			}

			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			links = append(links, feedLink{
				URL:  base.ResolveReference(ref).String(),
				Atom: linkType == "application/atom+xml",
			})

		case html.EndTagToken:
			if tn, _ := tokenizer.TagName(); string(tn) == "head" {
				return links
			}
		}
	}
}
