// Package pagination holds the explicit state of one crawl's walk along a
// site's "next page" chain, plus the URL helpers it needs.
package pagination

// Cursor tracks the page being processed and the pending next page.
// A Cursor belongs to a single crawl and must not be shared.
//
// With the zero options it reproduces the plain behaviour of following next
// links until a page has none: there is no page cap and no cycle detection.
type Cursor struct {
	current string
	next    string
	pages   int

	maxPages      int
	stopOnRevisit bool
	visited       map[string]bool
}

// NewCursor starts a cursor at startURL. maxPages <= 0 means unlimited.
// stopOnRevisit ends the walk when a next link points at a page already seen.
func NewCursor(startURL string, maxPages int, stopOnRevisit bool) *Cursor {
	c := &Cursor{
		current:       startURL,
		maxPages:      maxPages,
		stopOnRevisit: stopOnRevisit,
	}
	if stopOnRevisit {
		c.visited = map[string]bool{NormalizeURL(startURL): true}
	}
	return c
}

// Current returns the URL of the page being processed.
func (c *Cursor) Current() string {
	return c.current
}

// Next returns the pending next-page URL, or "" if none was offered.
func (c *Cursor) Next() string {
	return c.next
}

// Pages returns the number of pages marked done so far.
func (c *Cursor) Pages() int {
	return c.pages
}

// Offer records the next-page URL found on the current page. An empty URL
// means the page had no next link.
func (c *Cursor) Offer(next string) {
	c.next = next
}

// Advance marks the current page done and moves to the pending next page.
// It returns false when the walk is over.
func (c *Cursor) Advance() bool {
	c.pages++
	next := c.next
	c.next = ""

	if next == "" {
		return false
	}
	if c.maxPages > 0 && c.pages >= c.maxPages {
		return false
	}
	if c.stopOnRevisit {
		key := NormalizeURL(next)
		if c.visited[key] {
			return false
		}
		c.visited[key] = true
	}

	c.current = next
	return true
}
