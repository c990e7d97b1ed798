package ingest

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/apartment-sales-crawler/internal/planner"
)

// DefaultSearchURL is the sold-listings search endpoint.
const DefaultSearchURL = "https://www.booli.se/sok/slutpriser"

// SearchConfig describes the search query issued for every batch.
type SearchConfig struct {
	BaseURL string
	AreaIDs []string
}

// URL builds the search URL for a batch. Page 0 is the page-count probe and
// carries no page parameter.
func (c SearchConfig) URL(batch planner.Batch, page int) (string, error) {
	base := c.BaseURL
	if base == "" {
		base = DefaultSearchURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse search url: %w", err)
	}
	q := u.Query()
	if len(c.AreaIDs) > 0 {
		q.Set("areaIds", strings.Join(c.AreaIDs, ","))
	}
	q.Set("minSoldDate", batch.StartString())
	q.Set("maxSoldDate", batch.EndString())
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
