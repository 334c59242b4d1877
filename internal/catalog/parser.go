package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"remora/internal/media"
)

// parseSearchResults extracts search results from a goquery document.
// DOM parsing rather than regexes over raw HTML keeps hostile titles as
// plain text.
func parseSearchResults(doc *goquery.Document) []media.SearchResult {
	var results []media.SearchResult

	doc.Find(".film_list-wrap .flw-item").Each(func(_ int, s *goquery.Selection) {
		if result, ok := parseItem(s); ok {
			results = append(results, result)
		}
	})

	return results
}

// parseTrendingResults scopes parsing to the /home page's trending panel
// for the given media type.
func parseTrendingResults(doc *goquery.Document, mediaType media.MediaType) []media.SearchResult {
	var selector string
	switch mediaType {
	case media.Movie:
		selector = "#trending-movies"
	case media.TV:
		selector = "#trending-tv"
	default:
		return parseSearchResults(doc)
	}

	var results []media.SearchResult
	doc.Find(selector).Find(".film_list-wrap .flw-item").Each(func(_ int, s *goquery.Selection) {
		if result, ok := parseItem(s); ok {
			results = append(results, result)
		}
	})
	return results
}

// parseItem extracts one result card.
func parseItem(s *goquery.Selection) (media.SearchResult, bool) {
	result := media.SearchResult{}

	link := s.Find(".film-name a")
	result.Title = strings.TrimSpace(link.Text())
	href, exists := link.Attr("href")
	if exists {
		result.URL = href
		result.ID = extractID(href)
	}

	if strings.Contains(href, "/tv/") {
		result.Type = media.TV
	} else {
		result.Type = media.Movie
	}

	s.Find(".fd-infor span").Each(func(_ int, span *goquery.Selection) {
		text := strings.TrimSpace(span.Text())
		if _, err := strconv.Atoi(text); err == nil && len(text) == 4 {
			result.Year = text
		}
	})

	return result, result.Title != ""
}

// parseLastPage reads the highest page number from the pagination links.
// Returns 1 when there is no pagination.
func parseLastPage(doc *goquery.Document) int {
	last := 1
	doc.Find(".pagination .page-item a").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		if idx := strings.Index(href, "page="); idx != -1 {
			if n, err := strconv.Atoi(href[idx+len("page="):]); err == nil && n > last {
				last = n
			}
		}
	})
	return last
}

// extractID extracts the content ID from a URL path.
// e.g., "/movie/free-the-exorcist-hd-75043" -> "movie/free-the-exorcist-hd-75043"
func extractID(urlPath string) string {
	id := strings.TrimPrefix(urlPath, "/")
	if idx := strings.Index(id, "?"); idx != -1 {
		id = id[:idx]
	}
	return id
}

// FormatDisplayTitle creates the display string used by the picker.
func FormatDisplayTitle(r media.SearchResult) string {
	parts := []string{r.Title}
	if r.Year != "" {
		parts = append(parts, fmt.Sprintf("(%s)", r.Year))
	}
	if r.Type == media.TV {
		parts = append(parts, "[TV]")
	} else {
		parts = append(parts, "[Movie]")
	}
	return strings.Join(parts, " ")
}
