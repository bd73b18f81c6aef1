package crawler

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func TestFirstText(t *testing.T) {
	t.Parallel()

	doc := mustDoc(t, `<div>
<span class="p">  </span>
<span class="a">  first </span><span class="a">second</span>
<b class="n"><i>nested</i> text</b>
</div>`)

	tests := []struct {
		name     string
		selector string
		want     *string
	}{
		{"first match wins", ".a", ptr("first")},
		{"nested text is included", ".n", ptr("nested text")},
		{"blank text is absent", ".p", nil},
		{"no match is absent", ".missing", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := firstText(doc.Selection, tt.selector)
			if !equalPtr(got, tt.want) {
				t.Errorf("firstText(%q) = %v, want %v", tt.selector, deref(got), deref(tt.want))
			}
		})
	}
}

func TestFirstAttr(t *testing.T) {
	t.Parallel()

	doc := mustDoc(t, `<div>
<a name="top">anchor</a>
<a href="">empty</a>
<a href="/homedetails/42">listing</a>
<a href="/homedetails/43">other</a>
</div>`)

	if got := firstAttr(doc.Selection, "a", "href"); deref(got) != "/homedetails/42" {
		t.Errorf("expected first non-empty href, got %q", deref(got))
	}
	if got := firstAttr(doc.Selection, "a", "data-zpid"); got != nil {
		t.Errorf("expected nil for missing attribute, got %q", *got)
	}
	if got := firstAttr(doc.Selection, "img", "src"); got != nil {
		t.Errorf("expected nil for missing element, got %q", *got)
	}
}

func TestExtractListingFieldsAreIndependent(t *testing.T) {
	t.Parallel()

	doc := mustDoc(t, `<div class="list-card"><div class="list-card-price">$1</div></div>`)
	c := newTestCrawler(&sleepRecorder{})

	l := c.extractListing(doc.Find(".list-card"), "https://www.zillow.com/fsbo/")
	if l.Address != nil || l.URL != nil || l.Description != nil {
		t.Errorf("missing fields should be nil: %+v", l)
	}
	if deref(l.Price) != "$1" {
		t.Errorf("price: got %q", deref(l.Price))
	}
	if l.PageURL != "https://www.zillow.com/fsbo/" {
		t.Errorf("page url: got %q", l.PageURL)
	}
}

func TestLooksLikeCaptcha(t *testing.T) {
	t.Parallel()

	if !looksLikeCaptcha([]byte(`<div id="px-CAPTCHA"></div>`)) {
		t.Error("expected captcha marker to match case-insensitively")
	}
	if looksLikeCaptcha([]byte(`<div class="list-card"></div>`)) {
		t.Error("plain page is not a captcha")
	}
}

func ptr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
