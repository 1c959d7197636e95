package worker

import (
	"net/url"
	"regexp"
	"strings"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func IsYouTubeHost(host string) bool {
	host = strings.ToLower(host)
	return host == "youtu.be" || host == "youtube.com" || strings.HasSuffix(host, ".youtube.com")
}

// YouTubeVideoID extracts the video id from watch?v=, youtu.be/<id>,
// /embed/<id> and /v/<id> URLs. ok is false for any other shape.
func YouTubeVideoID(raw string) (id string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	if !IsYouTubeHost(u.Hostname()) {
		return "", false
	}

	if strings.EqualFold(u.Hostname(), "youtu.be") {
		id = strings.Trim(u.Path, "/")
	} else if v := u.Query().Get("v"); v != "" {
		id = v
	} else {
		for _, prefix := range []string{"/embed/", "/v/"} {
			if strings.HasPrefix(u.Path, prefix) {
				id = strings.TrimPrefix(u.Path, prefix)
				break
			}
		}
	}

	if i := strings.IndexByte(id, '/'); i >= 0 {
		id = id[:i]
	}
	if !videoIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}
