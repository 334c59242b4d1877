package httputil

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

// validIDPattern matches alphanumeric IDs with hyphens and slashes (catalog title IDs).
var validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9/_-]+$`)

// ValidateURL checks that a URL is well-formed and uses HTTPS.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("only HTTPS URLs are allowed, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host")
	}
	return nil
}

// ValidateID checks that a title ID contains only safe characters.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if len(id) > 256 {
		return fmt.Errorf("ID too long: %d characters", len(id))
	}
	if !validIDPattern.MatchString(id) {
		return fmt.Errorf("ID contains invalid characters: %q", id)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("ID contains path traversal: %q", id)
	}
	return nil
}

// SanitizeFilename removes path traversal and dangerous characters from a filename.
// Returns just the base name, stripped of any directory components.
func SanitizeFilename(name string) string {
	name = filepath.Base(name)

	replacer := strings.NewReplacer(
		"..", "_",
		"/", "_",
		"\\", "_",
		"\x00", "",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	name = replacer.Replace(name)

	if name == "" || name == "." || name == ".." {
		return "untitled"
	}

	return name
}

// EncodeQuery encodes a search query for inclusion in catalog search URLs.
// The catalog expects hyphen-separated words in the path (e.g., /search/star-wars).
func EncodeQuery(query string) string {
	words := strings.Fields(query)
	return url.PathEscape(strings.Join(words, "-"))
}

// Rebase rewrites rawURL so it is served from the same host and signed path
// prefix as anchorURL, keeping rawURL's final path segment and query. Used to
// rebuild subtitle/thumbnail URLs after an authorization renewal rotates the
// signed base.
func Rebase(anchorURL, rawURL string) (string, error) {
	anchor, err := url.Parse(anchorURL)
	if err != nil {
		return "", fmt.Errorf("malformed anchor URL: %w", err)
	}
	raw, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("malformed URL: %w", err)
	}

	dir := anchor
	dir.Path = strings.TrimSuffix(anchor.Path, "/"+filepath.Base(anchor.Path))
	dir.Path = dir.Path + "/" + filepath.Base(raw.Path)
	dir.RawQuery = anchor.RawQuery
	return dir.String(), nil
}
