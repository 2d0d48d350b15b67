// Package search discovers items through a repository's keyword search pages.
package search

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/yangwenmai/repoharvest/internal/fetch"
	"github.com/yangwenmai/repoharvest/internal/model"
)

// Result is one search hit.
type Result struct {
	Title       string
	ItemPageURL string
}

// Page is one page of search results.
type Page struct {
	URL     string
	Results []Result
	HasNext bool
}

// Pager fetches numbered result pages for a keyword. Pages start at 1.
type Pager interface {
	Page(ctx context.Context, keyword string, page int) (Page, error)
}

// Site describes a keyword search endpoint and how to read its result pages.
type Site struct {
	Name string `yaml:"name" validate:"required"`

	// URLTemplate is the search URL with {keyword}, {page} and {size}
	// placeholders.
	URLTemplate string `yaml:"url_template" validate:"required"`

	Keywords []string `yaml:"keywords" validate:"required,min=1,dive,required"`

	// MaxPages caps pages per keyword. Zero uses the global default.
	MaxPages int `yaml:"max_pages" validate:"gte=0"`
	PageSize int `yaml:"page_size" validate:"gte=0"`

	// ResultSelector matches one result container; LinkSelector finds the
	// item link inside it. TitleSelector defaults to the link text.
	ResultSelector string `yaml:"result_selector" validate:"required"`
	LinkSelector   string `yaml:"link_selector" validate:"required"`
	TitleSelector  string `yaml:"title_selector"`

	// NextSelector matches the next-page link. Without it only page 1 is read.
	NextSelector string `yaml:"next_selector"`
}

// URL expands the template for keyword and page.
func (s Site) URL(keyword string, page int) string {
	size := s.PageSize
	if size <= 0 {
		size = 10
	}
	slug := strings.ToLower(strings.Join(strings.Fields(keyword), "-"))
	return strings.NewReplacer(
		"{keyword}", url.PathEscape(slug),
		"{page}", strconv.Itoa(page),
		"{size}", strconv.Itoa(size),
	).Replace(s.URLTemplate)
}

// HTMLPager reads result pages with CSS selectors.
type HTMLPager struct {
	site     Site
	renderer fetch.Renderer
}

// NewHTMLPager creates a pager for site.
func NewHTMLPager(site Site, r fetch.Renderer) *HTMLPager {
	return &HTMLPager{site: site, renderer: r}
}

// Page renders and parses one result page.
func (p *HTMLPager) Page(ctx context.Context, keyword string, page int) (Page, error) {
	target := p.site.URL(keyword, page)
	html, err := p.renderer.Render(ctx, target)
	if err != nil {
		return Page{}, err
	}
	out, err := ParseResults(p.site, target, html)
	if err != nil {
		return Page{}, &model.Error{Kind: model.KindProtocol, Op: "search", URL: target, Message: "parse results", Err: err}
	}
	return out, nil
}

// ParseResults extracts hits and the next-page flag from a result page.
// Relative links are resolved against pageURL.
func ParseResults(site Site, pageURL, html string) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Page{}, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return Page{}, fmt.Errorf("parse page url: %w", err)
	}

	out := Page{URL: pageURL}
	seen := map[string]bool{}
	doc.Find(site.ResultSelector).Each(func(_ int, s *goquery.Selection) {
		link := s.Find(site.LinkSelector).First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		abs := resolve(base, href)
		if abs == "" || seen[abs] {
			return
		}
		title := strings.TrimSpace(link.Text())
		if site.TitleSelector != "" {
			if t := strings.TrimSpace(s.Find(site.TitleSelector).First().Text()); t != "" {
				title = t
			}
		}
		seen[abs] = true
		out.Results = append(out.Results, Result{Title: strings.Join(strings.Fields(title), " "), ItemPageURL: abs})
	})

	if site.NextSelector != "" {
		if href, ok := doc.Find(site.NextSelector).First().Attr("href"); ok {
			out.HasNext = resolve(base, href) != ""
		}
	}
	return out, nil
}

// resolve returns href as an absolute http(s) URL, or "" for empty,
// fragment-only and javascript: links.
func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}
