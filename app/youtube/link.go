// Package youtube rewrites the many shapes of a YouTube video link into the
// one canonical form the backend stores and de-duplicates on.
package youtube

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const canonicalPrefix = "https://www.youtube.com/watch?v="

var (
	ErrNotYouTube = errors.New("youtube: not a youtube video link")

	videoIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// Canonicalize returns https://www.youtube.com/watch?v=<ID> for any supported
// link form, dropping every other query parameter and the fragment.
func Canonicalize(raw string) (string, error) {
	id, err := VideoID(raw)
	if err != nil {
		return "", err
	}
	return canonicalPrefix + id, nil
}

// VideoID extracts the video id from watch?v=, youtu.be/, /v/, /embed/,
// /shorts/ and /live/ links on the www, m and music hosts.
func VideoID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrNotYouTube
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotYouTube, err)
	}

	host := strings.ToLower(u.Hostname())
	for _, p := range []string{"www.", "m.", "music."} {
		host = strings.TrimPrefix(host, p)
	}

	var id string
	switch host {
	case "youtu.be":
		id = firstSegment(u.Path)
	case "youtube.com", "youtube-nocookie.com":
		path := strings.TrimSuffix(u.Path, "/")
		switch {
		case path == "/watch":
			id = u.Query().Get("v")
		case strings.HasPrefix(path, "/v/"),
			strings.HasPrefix(path, "/embed/"),
			strings.HasPrefix(path, "/shorts/"),
			strings.HasPrefix(path, "/live/"):
			parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
			if len(parts) >= 2 {
				id = parts[1]
			}
		}
	default:
		return "", ErrNotYouTube
	}

	// Some share sheets glue parameters on with a second '?' or ';'.
	if i := strings.IndexAny(id, "?&#;"); i >= 0 {
		id = id[:i]
	}
	if !videoIDRe.MatchString(id) {
		return "", ErrNotYouTube
	}
	return id, nil
}

func firstSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.Index(path, "/"); i >= 0 {
		return path[:i]
	}
	return path
}
