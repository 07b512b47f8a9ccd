package extract

import (
	"fmt"
	"strings"

	"github.com/spherical/pdf-ocr/internal/domain"
)

// PageSeparator joins consecutive pages in the final document.
const PageSeparator = "\n\n"

// Aggregator collects normalized pages in page order and joins them
type Aggregator struct {
	pages []string
}

// NewAggregator creates an empty aggregator
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Append adds the next pages. Pages must arrive in index order with no gaps;
// a rejected batch leaves the aggregator unchanged.
func (a *Aggregator) Append(pages ...domain.NormalizedPage) error {
	for i, p := range pages {
		if want := len(a.pages) + i; p.Index != want {
			return domain.ValidationError(fmt.Sprintf("page %d arrived out of order, expected page %d", p.Index+1, want+1), nil)
		}
	}
	for _, p := range pages {
		a.pages = append(a.pages, p.Markdown)
	}
	return nil
}

// Len returns the number of pages collected so far
func (a *Aggregator) Len() int {
	return len(a.pages)
}

// Document joins the collected pages with PageSeparator. Calling it again
// without further appends returns an identical document.
func (a *Aggregator) Document(name string) *domain.Document {
	return &domain.Document{
		Name:     name,
		Markdown: strings.Join(a.pages, PageSeparator),
		Pages:    len(a.pages),
	}
}
