package engine

import (
	"context"
	"log/slog"
	nurl "net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"github.com/yangwenmai/repoharvest/internal/fetch"
	"github.com/yangwenmai/repoharvest/internal/model"
)

// maxAbstractLength bounds abstracts taken from readability excerpts.
const maxAbstractLength = 4000

// metaFields maps lower-cased meta tag names to metadata keys. List keys
// collect every occurrence.
var metaFields = map[string]struct {
	key  string
	list bool
}{
	"dc.title":                  {"title", false},
	"dcterms.title":             {"title", false},
	"citation_title":            {"title", false},
	"dc.creator":                {"authors", true},
	"citation_author":           {"authors", true},
	"dc.contributor":            {"contributors", true},
	"dc.subject":                {"keywords", true},
	"citation_keywords":         {"keywords", true},
	"dcterms.abstract":          {"abstract", false},
	"dc.description":            {"abstract", false},
	"citation_abstract":         {"abstract", false},
	"dcterms.issued":            {"publication_date", false},
	"dc.date":                   {"publication_date", false},
	"citation_publication_date": {"publication_date", false},
	"citation_date":             {"publication_date", false},
	"dc.language":               {"language", false},
	"citation_language":         {"language", false},
	"dc.publisher":              {"publisher", false},
	"citation_publisher":        {"publisher", false},
	"dc.type":                   {"type", false},
	"citation_doi":              {"doi", false},
}

var doiPattern = regexp.MustCompile(`10\.\d{4,9}/\S+`)

// HTMLResolver reads item landing pages: Dublin Core and citation meta tags
// first, readability as a fallback for the main fields.
type HTMLResolver struct {
	renderer fetch.Renderer
	logger   *slog.Logger
}

// NewHTMLResolver creates a resolver that fetches pages through r.
func NewHTMLResolver(r fetch.Renderer, logger *slog.Logger) *HTMLResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTMLResolver{renderer: r, logger: logger.With("component", "resolver")}
}

// Resolve fetches pageURL and extracts what it can.
func (r *HTMLResolver) Resolve(ctx context.Context, pageURL string) (*Resolution, error) {
	html, err := r.renderer.Render(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	res, err := ParsePage(pageURL, html)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("page resolved", "url", pageURL, "fields", len(res.Metadata), "resources", len(res.Resources))
	return res, nil
}

// ParsePage extracts a Resolution from item page HTML. It fails with an
// extraction error when the page yields neither metadata nor resources.
func ParsePage(pageURL, html string) (*Resolution, error) {
	base, err := nurl.Parse(pageURL)
	if err != nil {
		return nil, extractionError(pageURL, "invalid page URL", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, extractionError(pageURL, "parse html", err)
	}

	md := model.Metadata{}
	lists := map[string][]string{}
	doc.Find("meta[name][content]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		content, _ := s.Attr("content")
		content = strings.TrimSpace(content)
		f, ok := metaFields[strings.ToLower(strings.TrimSpace(name))]
		if !ok || content == "" {
			return
		}
		if f.list {
			lists[f.key] = appendUnique(lists[f.key], content)
			return
		}
		if _, exists := md.Get(f.key); !exists {
			md.Set(f.key, model.String(content))
		}
	})
	for key, values := range lists {
		md.Set(key, model.List(values...))
	}
	if _, ok := md.Get("doi"); !ok {
		doc.Find("meta[name='DC.identifier'], meta[name='dc.identifier']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			content, _ := s.Attr("content")
			if doi := doiPattern.FindString(content); doi != "" {
				md.Set("doi", model.String(strings.ToLower(doi)))
				return false
			}
			return true
		})
	}

	fillFromReadability(md, base, html)

	var resources []model.Resource
	if pdf := findPDF(doc, base); pdf != "" {
		resources = append(resources, model.Resource{Type: model.FileTypePDF, URL: pdf, Critical: true})
	}
	if thumb := findThumbnail(doc, base); thumb != "" {
		resources = append(resources, model.Resource{Type: model.FileTypeThumbnail, URL: thumb})
	}

	if len(md) == 0 && len(resources) == 0 {
		return nil, extractionError(pageURL, "no metadata or resources found", nil)
	}
	return &Resolution{Metadata: md, Resources: resources, PageHTML: html}, nil
}

// fillFromReadability supplies title, abstract and authors when the meta
// tags did not.
func fillFromReadability(md model.Metadata, base *nurl.URL, html string) {
	_, hasTitle := md.Get("title")
	_, hasAbstract := md.Get("abstract")
	_, hasAuthors := md.Get("authors")
	if hasTitle && hasAbstract && hasAuthors {
		return
	}
	article, err := readability.FromReader(strings.NewReader(html), base)
	if err != nil {
		return
	}
	if title := normalizeText(article.Title); !hasTitle && title != "" {
		md.Set("title", model.String(title))
	}
	if excerpt := normalizeText(article.Excerpt); !hasAbstract && excerpt != "" {
		if runes := []rune(excerpt); len(runes) > maxAbstractLength {
			excerpt = string(runes[:maxAbstractLength])
		}
		md.Set("abstract", model.String(excerpt))
	}
	if !hasAuthors {
		if byline := strings.TrimSpace(article.Byline); byline != "" {
			md.Add("authors", byline)
		}
	}
}

// findPDF prefers the citation_pdf_url meta tag, then links ending in .pdf,
// then DSpace bitstream links.
func findPDF(doc *goquery.Document, base *nurl.URL) string {
	if href, ok := doc.Find("meta[name='citation_pdf_url']").First().Attr("content"); ok {
		if u := absolute(base, href); u != "" {
			return u
		}
	}
	var bitstream string
	var pdf string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		u := absolute(base, href)
		if u == "" {
			return true
		}
		parsed, err := nurl.Parse(u)
		if err != nil {
			return true
		}
		path := strings.ToLower(parsed.Path)
		if strings.HasSuffix(path, ".pdf") {
			pdf = u
			return false
		}
		if bitstream == "" && strings.Contains(path, "/bitstream/") && !hasNonPDFExtension(path) {
			bitstream = u
		}
		return true
	})
	if pdf != "" {
		return pdf
	}
	return bitstream
}

// findThumbnail returns the og:image or a DSpace thumbnail image.
func findThumbnail(doc *goquery.Document, base *nurl.URL) string {
	if src, ok := doc.Find("meta[property='og:image']").First().Attr("content"); ok {
		if u := absolute(base, src); u != "" {
			return u
		}
	}
	if src, ok := doc.Find("img.thumbnail, .thumbnail img, img[src*='.jpg.jpg']").First().Attr("src"); ok {
		return absolute(base, src)
	}
	return ""
}

func hasNonPDFExtension(path string) bool {
	last := path[strings.LastIndex(path, "/")+1:]
	dot := strings.LastIndex(last, ".")
	if dot < 0 {
		return false
	}
	ext := last[dot:]
	return ext != ".pdf" && len(ext) <= 5
}

func absolute(base *nurl.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := nurl.Parse(href)
	if err != nil {
		return ""
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func extractionError(pageURL, msg string, err error) error {
	return &model.Error{Kind: model.KindExtraction, Op: "resolve", URL: pageURL, Message: msg, Err: err}
}

var multiSpace = regexp.MustCompile(`\s+`)

func normalizeText(s string) string {
	return strings.TrimSpace(multiSpace.ReplaceAllString(s, " "))
}

var _ Resolver = (*HTMLResolver)(nil)
