package dataset

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	titleStrip  = regexp.MustCompile(`[<>{}\[\]\\]`)
	whitespace  = regexp.MustCompile(`\s+`)
	doiPattern  = regexp.MustCompile(`(?i)^(doi:)?(10\.\d{4,}(?:\.\d+)*/\S+)$`)
	hostPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)*\.[a-zA-Z]{2,}(:\d+)?$`)
)

// SanitizeTitle trims, strips markup characters and collapses whitespace.
// The trimmed title must be 3 to 200 characters long.
func SanitizeTitle(title string) (string, error) {
	s := strings.TrimSpace(title)
	if s == "" {
		return "", errors.New("title cannot be empty")
	}
	n := utf8.RuneCountInString(s)
	if n < 3 {
		return "", errors.New("title must be at least 3 characters")
	}
	if n > 200 {
		return "", errors.New("title must be less than 200 characters")
	}

	s = titleStrip.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s), nil
}

// NormalizeProtocolLink accepts http(s) URLs, bare domains (https is
// assumed) and DOIs, which are rewritten to https://doi.org/ URLs
func NormalizeProtocolLink(link string) (string, error) {
	s := strings.TrimSpace(link)
	if s == "" {
		return "", errors.New("URL cannot be empty")
	}
	if len(s) < 5 {
		return "", errors.New("URL/DOI is too short")
	}
	if len(s) > 2000 {
		return "", errors.New("URL/DOI is too long")
	}

	if m := doiPattern.FindStringSubmatch(s); m != nil {
		return "https://doi.org/" + m[2], nil
	}

	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", errors.New("invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("URL must use http or https (or DOI format)")
	}
	if u.Host == "" {
		return "", errors.New("invalid URL format")
	}
	if !hostPattern.MatchString(u.Host) {
		return "", errors.New("invalid domain in URL")
	}
	return s, nil
}
