package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrRobotsDisallowed is wrapped in a FetchError when robots.txt
	// compliance is on and the page path is disallowed.
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")

	// ErrCaptchaDetected is wrapped in a FetchError when a page without
	// listing cards looks like a bot check.
	ErrCaptchaDetected = errors.New("captcha detected")

	// ErrConsumed is yielded when a crawl sequence is ranged over twice.
	ErrConsumed = errors.New("crawl sequence already consumed")
)

// FetchError reports a page that could not be retrieved. It ends the crawl.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
