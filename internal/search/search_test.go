package search

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/repoharvest/internal/fetch"
	"github.com/yangwenmai/repoharvest/internal/model"
	"github.com/yangwenmai/repoharvest/internal/retry"
	"github.com/yangwenmai/repoharvest/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := store.New(db)
	require.NoError(t, err)
	return s
}

func testSite(base string) Site {
	return Site{
		Name:           "embrapa",
		URLTemplate:    base + "/busca/{keyword}?cur={page}&delta={size}",
		Keywords:       []string{"maiz"},
		ResultSelector: "div.resultado",
		LinkSelector:   "a.titulo",
		NextSelector:   "li.next a",
	}
}

func resultsHTML(next string, links ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><div id=\"lista\">")
	for i, l := range links {
		fmt.Fprintf(&b, `<div class="resultado"><a class="titulo" href="%s">  Result
			%d </a><span class="autor">X</span></div>`, l, i)
	}
	b.WriteString(`</div><ul class="pager">`)
	if next != "" {
		fmt.Fprintf(&b, `<li class="next"><a href="%s">Próximo</a></li>`, next)
	}
	b.WriteString("</ul></body></html>")
	return b.String()
}

func TestSiteURL(t *testing.T) {
	s := Site{URLTemplate: "https://www.embrapa.br/busca-de-publicacoes/-/publicacao/busca/{keyword}?cur={page}&delta={size}"}
	assert.Equal(t, "https://www.embrapa.br/busca-de-publicacoes/-/publicacao/busca/milho-verde?cur=2&delta=10", s.URL("Milho  Verde", 2))
	s.PageSize = 25
	assert.Equal(t, "https://www.embrapa.br/busca-de-publicacoes/-/publicacao/busca/ma%C3%ADz?cur=1&delta=25", s.URL("maíz", 1))
}

func TestParseResults(t *testing.T) {
	site := testSite("https://r.example")
	html := resultsHTML("?cur=2",
		"/publicacao/1/doc",
		"https://other.example/item/2#top",
		"javascript:void(0)",
		"/publicacao/1/doc",
	)
	page, err := ParseResults(site, "https://r.example/busca/maiz?cur=1", html)
	require.NoError(t, err)
	require.Len(t, page.Results, 2)
	assert.Equal(t, Result{Title: "Result 0", ItemPageURL: "https://r.example/publicacao/1/doc"}, page.Results[0])
	assert.Equal(t, "https://other.example/item/2", page.Results[1].ItemPageURL)
	assert.True(t, page.HasNext)
}

func TestParseResultsTitleSelectorAndNoNext(t *testing.T) {
	site := testSite("https://r.example")
	site.TitleSelector = "span.autor"
	page, err := ParseResults(site, "https://r.example/", resultsHTML("javascript:;", "/a"))
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Equal(t, "X", page.Results[0].Title)
	assert.False(t, page.HasNext, "a javascript: next link means the last page")
}

func TestDiscoverPagesThroughResults(t *testing.T) {
	var requests []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.URL.RawQuery)
		switch r.URL.Query().Get("cur") {
		case "1":
			fmt.Fprint(w, resultsHTML("?cur=2", "/item/1", "/item/2"))
		case "2":
			fmt.Fprint(w, resultsHTML("", "/item/3"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	s := newTestStore(t)
	d := NewDiscoverer(fetch.NewHTTPRenderer(fetch.New(fetch.Options{})), s, Options{Policy: retry.NoDelay(2), MaxPages: 5}, nil)
	results, err := d.DiscoverAll(context.Background(), []Site{testSite(ts.URL)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Pages)
	assert.Equal(t, 3, results[0].Created)
	assert.Equal(t, []string{"cur=1&delta=10", "cur=2&delta=10"}, requests)

	items, err := s.ListItems(context.Background(), model.ItemFilter{})
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, it := range items {
		assert.Equal(t, model.StatusMetadataPending, it.Status)
		assert.Equal(t, model.DiscoveryKeyword, it.DiscoveryMode)
		assert.Equal(t, "embrapa", it.Source)
		assert.Equal(t, "maiz", it.Metadata.Text("search_keyword"))
		assert.True(t, strings.HasPrefix(it.PageURL(), ts.URL+"/item/"))
	}
}

func TestDiscoverRespectsMaxPages(t *testing.T) {
	var calls atomic.Int32
	pager := pagerFunc(func(_ context.Context, _ string, n int) (Page, error) {
		calls.Add(1)
		return Page{Results: []Result{{Title: "t", ItemPageURL: fmt.Sprintf("https://r/item/%d", n)}}, HasNext: true}, nil
	})
	site := testSite("https://r")
	site.MaxPages = 3
	d := NewDiscoverer(nil, newTestStore(t), Options{Policy: retry.NoDelay(1), MaxPages: 10}, nil)
	res, err := d.Discover(context.Background(), site, pager, "maiz")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pages)
	assert.EqualValues(t, 3, calls.Load())
}

func TestDiscoverStopsOnRepeatedPage(t *testing.T) {
	var calls atomic.Int32
	pager := pagerFunc(func(context.Context, string, int) (Page, error) {
		calls.Add(1)
		return Page{Results: []Result{{Title: "same", ItemPageURL: "https://r/item/1"}}, HasNext: true}, nil
	})
	d := NewDiscoverer(nil, newTestStore(t), Options{Policy: retry.NoDelay(1)}, nil)
	res, err := d.Discover(context.Background(), testSite("https://r"), pager, "maiz")
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 1, res.Found)
}

func TestDiscoverIsIdempotentAcrossKeywords(t *testing.T) {
	pager := pagerFunc(func(context.Context, string, int) (Page, error) {
		return Page{Results: []Result{{Title: "t", ItemPageURL: "https://r/item/1"}}}, nil
	})
	s := newTestStore(t)
	d := NewDiscoverer(nil, s, Options{Policy: retry.NoDelay(1)}, nil)
	site := testSite("https://r")
	first, err := d.Discover(context.Background(), site, pager, "maiz")
	require.NoError(t, err)
	second, err := d.Discover(context.Background(), site, pager, "milho")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)
	assert.Equal(t, 0, second.Created)

	items, err := s.ListItems(context.Background(), model.ItemFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestDiscoverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	pager := pagerFunc(func(context.Context, string, int) (Page, error) {
		if calls.Add(1) == 1 {
			return Page{}, model.StatusError("search", "https://r", http.StatusBadGateway)
		}
		return Page{Results: []Result{{Title: "t", ItemPageURL: "https://r/item/1"}}}, nil
	})
	d := NewDiscoverer(nil, newTestStore(t), Options{Policy: retry.NoDelay(3)}, nil)
	res, err := d.Discover(context.Background(), testSite("https://r"), pager, "maiz")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)
	assert.EqualValues(t, 2, calls.Load())
}

func TestDiscoverAllIsolatesKeywordFailures(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "broken") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, resultsHTML("", "/item/"+filepath.Base(r.URL.Path)))
	}))
	defer ts.Close()

	site := testSite(ts.URL)
	site.Keywords = []string{"broken", "maiz"}
	d := NewDiscoverer(fetch.NewHTTPRenderer(fetch.New(fetch.Options{})), newTestStore(t), Options{Policy: retry.NoDelay(2)}, nil)
	results, err := d.DiscoverAll(context.Background(), []Site{site})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, model.KindClient, model.KindOf(results[0].Err))
	assert.NoError(t, results[1].Err)
	assert.Equal(t, 1, results[1].Created)
}

type pagerFunc func(ctx context.Context, keyword string, page int) (Page, error)

func (f pagerFunc) Page(ctx context.Context, keyword string, page int) (Page, error) {
	return f(ctx, keyword, page)
}
