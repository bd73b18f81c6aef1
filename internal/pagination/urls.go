package pagination

import (
	"crypto/md5"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// NormalizeURL drops the fragment and a leading "www." so that two spellings
// of the same results page compare equal.
func NormalizeURL(urlStr string) string {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return urlStr
	}

	parsed.Fragment = ""
	parsed.Host = strings.ToLower(strings.TrimPrefix(parsed.Host, "www."))

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Path == "" {
		parsed.Path = "/"
	}

	return parsed.String()
}

// Resolve resolves href against the page it was found on.
func Resolve(pageURL, href string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url %q: %w", pageURL, err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse link %q: %w", href, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func ComputeContentHash(content []byte) string {
	hash := md5.Sum(content)
	return fmt.Sprintf("%x", hash)
}

// URLShouldBeFollowed applies exclude patterns first, then requires a match
// on one follow pattern when any are configured.
func URLShouldBeFollowed(urlStr string, followPatterns, excludePatterns []string) bool {
	for _, pattern := range excludePatterns {
		if URLMatchesPattern(urlStr, pattern) {
			return false
		}
	}

	if len(followPatterns) == 0 {
		return true
	}

	for _, pattern := range followPatterns {
		if URLMatchesPattern(urlStr, pattern) {
			return true
		}
	}

	return false
}

// URLMatchesPattern reports false for patterns that do not compile.
func URLMatchesPattern(urlStr string, pattern string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(urlStr)
}
