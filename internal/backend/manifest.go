package backend

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"remora/internal/media"
)

// masterManifest is a parsed HLS master playlist: the rendition ladder plus
// alternative audio/text media entries.
type masterManifest struct {
	Renditions []media.Rendition
	Audio      []media.AudioTrack
	Text       []media.TextTrack
}

// parseMaster reads an #EXTM3U master playlist. Relative rendition URIs are
// resolved against base.
func parseMaster(r io.Reader, base string) (*masterManifest, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() || !strings.HasPrefix(strings.TrimSpace(scanner.Text()), "#EXTM3U") {
		return nil, fmt.Errorf("not an m3u8 playlist")
	}

	m := &masterManifest{}
	var pending *media.Rendition

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := parseAttrs(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			rend := media.Rendition{Index: len(m.Renditions)}
			if bw, err := strconv.Atoi(attrs["BANDWIDTH"]); err == nil {
				rend.Bandwidth = bw
			}
			if res := attrs["RESOLUTION"]; res != "" {
				if w, h, ok := parseResolution(res); ok {
					rend.Width, rend.Height = w, h
				}
			}
			pending = &rend
		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			attrs := parseAttrs(strings.TrimPrefix(line, "#EXT-X-MEDIA:"))
			switch attrs["TYPE"] {
			case "AUDIO":
				m.Audio = append(m.Audio, media.AudioTrack{
					Index:    len(m.Audio),
					Language: attrs["LANGUAGE"],
					Label:    attrs["NAME"],
				})
			case "SUBTITLES":
				m.Text = append(m.Text, media.TextTrack{
					Index:    len(m.Text),
					Language: attrs["LANGUAGE"],
					Label:    attrs["NAME"],
					URL:      resolveRef(base, attrs["URI"]),
				})
			}
		case line == "" || strings.HasPrefix(line, "#"):
			// other tags ignored
		default:
			if pending != nil {
				pending.URI = resolveRef(base, line)
				m.Renditions = append(m.Renditions, *pending)
				pending = nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading playlist: %w", err)
	}
	if len(m.Renditions) == 0 {
		return nil, fmt.Errorf("playlist has no renditions")
	}
	return m, nil
}

// parseMediaPlaylist sums segment durations of a media playlist.
// live reports a playlist without #EXT-X-ENDLIST.
func parseMediaPlaylist(r io.Reader) (duration float64, live bool, err error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() || !strings.HasPrefix(strings.TrimSpace(scanner.Text()), "#EXTM3U") {
		return 0, false, fmt.Errorf("not an m3u8 playlist")
	}

	live = true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#EXTINF:") {
			val := strings.TrimPrefix(line, "#EXTINF:")
			if idx := strings.IndexByte(val, ','); idx >= 0 {
				val = val[:idx]
			}
			if d, err := strconv.ParseFloat(val, 64); err == nil {
				duration += d
			}
		} else if line == "#EXT-X-ENDLIST" {
			live = false
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, false, fmt.Errorf("reading playlist: %w", err)
	}
	return duration, live, nil
}

// parseAttrs splits an m3u8 attribute list (KEY=VALUE,KEY="quoted,value").
func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	var key strings.Builder
	var val strings.Builder
	inKey, inQuote := true, false

	flush := func() {
		if key.Len() > 0 {
			attrs[key.String()] = val.String()
		}
		key.Reset()
		val.Reset()
		inKey = true
	}

	for _, r := range s {
		switch {
		case inKey && r == '=':
			inKey = false
		case !inKey && r == '"':
			inQuote = !inQuote
		case r == ',' && !inQuote:
			flush()
		case inKey:
			key.WriteRune(r)
		default:
			val.WriteRune(r)
		}
	}
	flush()
	return attrs
}

func parseResolution(s string) (w, h int, ok bool) {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	return w, h, err1 == nil && err2 == nil
}

// resolveRef resolves a possibly-relative playlist reference against base.
func resolveRef(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
