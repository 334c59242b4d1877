// Package catalog looks up titles on the content catalog: search,
// trending and recently-added listings. Playback itself never touches the
// catalog; it only supplies the title IDs the authorization service
// understands.
package catalog

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"remora/internal/httputil"
	"remora/internal/log"
	"remora/internal/media"
)

// Catalog queries one catalog host.
type Catalog struct {
	base   string // e.g., "flixhq.to"
	client *http.Client
}

// New creates a catalog client for the given host.
func New(base string) *Catalog {
	return &Catalog{
		base:   base,
		client: httputil.NewClient(),
	}
}

func (c *Catalog) baseURL() string {
	return "https://" + c.base
}

// maxSearchPages limits how many pages of search results to fetch.
const maxSearchPages = 3

// Search returns matching results for a query, fetching up to
// maxSearchPages pages.
func (c *Catalog) Search(ctx context.Context, query string) ([]media.SearchResult, error) {
	encoded := httputil.EncodeQuery(query)
	baseSearchURL := fmt.Sprintf("%s/search/%s", c.baseURL(), encoded)

	doc, err := c.fetchDocument(ctx, baseSearchURL)
	if err != nil {
		return nil, fmt.Errorf("searching for %q: %w", query, err)
	}

	results := parseSearchResults(doc)

	pages := parseLastPage(doc)
	if pages > maxSearchPages {
		pages = maxSearchPages
	}
	for page := 2; page <= pages; page++ {
		pageURL := fmt.Sprintf("%s?page=%d", baseSearchURL, page)
		pageDoc, err := c.fetchDocument(ctx, pageURL)
		if err != nil {
			// Return what we have.
			log.WithComponent("catalog").Warn().Err(err).Int("page", page).Msg("search page fetch failed")
			break
		}
		results = append(results, parseSearchResults(pageDoc)...)
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("no results found for %q", query)
	}
	return c.absolutize(results), nil
}

// Trending returns trending content from the /home page.
func (c *Catalog) Trending(ctx context.Context, mediaType media.MediaType) ([]media.SearchResult, error) {
	doc, err := c.fetchDocument(ctx, c.baseURL()+"/home")
	if err != nil {
		return nil, fmt.Errorf("getting trending: %w", err)
	}
	return c.absolutize(parseTrendingResults(doc, mediaType)), nil
}

// Recent returns recently added content from the /movie or /tv-show pages.
func (c *Catalog) Recent(ctx context.Context, mediaType media.MediaType) ([]media.SearchResult, error) {
	path := "/movie"
	if mediaType == media.TV {
		path = "/tv-show"
	}
	doc, err := c.fetchDocument(ctx, c.baseURL()+path)
	if err != nil {
		return nil, fmt.Errorf("getting recent: %w", err)
	}
	return c.absolutize(parseSearchResults(doc)), nil
}

func (c *Catalog) absolutize(results []media.SearchResult) []media.SearchResult {
	for i := range results {
		if !strings.HasPrefix(results[i].URL, "http") {
			results[i].URL = c.baseURL() + results[i].URL
		}
	}
	return results
}

// fetchDocument fetches a URL and parses it into a goquery Document.
func (c *Catalog) fetchDocument(ctx context.Context, url string) (*goquery.Document, error) {
	resp, err := httputil.Get(ctx, c.client, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}
	return doc, nil
}
