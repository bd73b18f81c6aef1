package crawler

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"fsbo_spider/internal/models"
)

// extractListing builds the record for one listing card. Each field is looked
// up on its own, so a miss on one never affects another.
func (c *Crawler) extractListing(card *goquery.Selection, pageURL string) models.Listing {
	sel := c.selectors
	return models.Listing{
		ID:          uuid.NewString(),
		Source:      c.name,
		PageURL:     pageURL,
		Address:     firstText(card, sel.Address),
		Price:       firstText(card, sel.Price),
		URL:         firstAttr(card, sel.Link, sel.LinkAttr),
		Description: firstText(card, sel.Description),
		ScrapedAt:   c.now().Format(models.TimestampLayout),
	}
}

// firstText returns the trimmed text of the first element matching selector
// under s, or nil when nothing matches or the text is blank. The text
// includes descendant elements, so <div>$1<b>00</b></div> gives "$100"
// where an own-text-nodes query would give "$1".
func firstText(s *goquery.Selection, selector string) *string {
	match := s.Find(selector).First()
	if match.Length() == 0 {
		return nil
	}
	text := strings.TrimSpace(match.Text())
	if text == "" {
		return nil
	}
	return &text
}

// firstAttr returns attr of the first matching element that carries it.
func firstAttr(s *goquery.Selection, selector, attr string) *string {
	var out *string
	s.Find(selector).EachWithBreak(func(_ int, el *goquery.Selection) bool {
		v, ok := el.Attr(attr)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return true
		}
		out = &v
		return false
	})
	return out
}
