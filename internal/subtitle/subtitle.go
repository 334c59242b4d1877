// Package subtitle handles subtitle selection, signed-URL rebuilding and
// secure temp file management. Uses os.MkdirTemp with random suffixes
// instead of predictable /tmp paths.
package subtitle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"remora/internal/httputil"
	"remora/internal/media"
)

// maxSubtitleBytes caps one downloaded subtitle file.
const maxSubtitleBytes = 10 * 1024 * 1024

// Filter returns subtitles matching the preferred language (case-insensitive).
func Filter(subtitles []media.Subtitle, language string) []media.Subtitle {
	if language == "" {
		return subtitles
	}

	lang := strings.ToLower(language)
	var matched []media.Subtitle

	for _, sub := range subtitles {
		if strings.Contains(strings.ToLower(sub.Language), lang) ||
			strings.Contains(strings.ToLower(sub.Label), lang) {
			matched = append(matched, sub)
		}
	}

	return matched
}

// BestMatch returns the best matching subtitle for the given language.
// Prefers a non-SDH exact match, falling back to the first match.
func BestMatch(subtitles []media.Subtitle, language string) *media.Subtitle {
	filtered := Filter(subtitles, language)
	if len(filtered) == 0 {
		return nil
	}

	lang := strings.ToLower(language)
	for _, sub := range filtered {
		label := strings.ToLower(sub.Label)
		if strings.Contains(label, lang) && !strings.Contains(label, "sdh") {
			return &sub
		}
	}

	return &filtered[0]
}

// Rebuild rewrites every subtitle URL onto the signed base of masterURL.
// Authorization renewals rotate the signed path prefix, which silently
// breaks subtitle URLs minted under the previous grant; entries that fail
// to rebase keep their old URL.
func Rebuild(subtitles []media.Subtitle, masterURL string) []media.Subtitle {
	out := make([]media.Subtitle, len(subtitles))
	for i, sub := range subtitles {
		if rebased, err := httputil.Rebase(masterURL, sub.URL); err == nil {
			sub.URL = rebased
		}
		out[i] = sub
	}
	return out
}

// TempDir manages a secure temporary directory for subtitle files.
type TempDir struct {
	path string
}

// NewTempDir creates a randomized temporary directory for subtitle files.
func NewTempDir() (*TempDir, error) {
	dir, err := os.MkdirTemp("", "remora-subs-*")
	if err != nil {
		return nil, fmt.Errorf("creating subtitle temp dir: %w", err)
	}
	return &TempDir{path: dir}, nil
}

// Cleanup removes the temporary directory and all contents.
func (t *TempDir) Cleanup() {
	if t.path != "" {
		os.RemoveAll(t.path)
	}
}

// Download fetches a subtitle file to the temp directory and returns the
// local path.
func (t *TempDir) Download(ctx context.Context, sub media.Subtitle) (string, error) {
	if err := httputil.ValidateURL(sub.URL); err != nil {
		return "", fmt.Errorf("invalid subtitle URL: %w", err)
	}

	localPath := filepath.Join(t.path, localName(sub.URL))

	client := httputil.NewClient()
	resp, err := httputil.Get(ctx, client, sub.URL)
	if err != nil {
		return "", fmt.Errorf("downloading subtitle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("subtitle download returned status %d", resp.StatusCode)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("creating subtitle file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, io.LimitReader(resp.Body, maxSubtitleBytes)); err != nil {
		return "", fmt.Errorf("writing subtitle file: %w", err)
	}

	return localPath, nil
}

// localName derives a safe on-disk filename from a subtitle URL.
func localName(rawURL string) string {
	name := "subtitle.vtt"
	if u, err := url.Parse(rawURL); err == nil {
		if base := filepath.Base(u.Path); base != "" && base != "." && base != "/" {
			name = httputil.SanitizeFilename(base)
		}
	}
	return name
}
