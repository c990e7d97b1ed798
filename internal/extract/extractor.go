// Package extract pulls sold-property records out of the structured data
// embedded in a search results page.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/apartment-sales-crawler/internal/attributes"
	"github.com/JakeFAU/apartment-sales-crawler/internal/ingest"
	"github.com/JakeFAU/apartment-sales-crawler/internal/planner"
)

const (
	payloadSelector       = "script#__NEXT_DATA__"
	pageIndicatorSelector = "div.search-page__content p.m-2"
	soldPropertyPrefix    = "SoldProperty:"
)

// Object type labels as they appear in the payload.
const (
	apartmentLabel = "Lägenhet"
	houseLabel     = "Villa"
	townhouseLabel = "Radhus"
)

// Config controls how record-level problems are treated.
type Config struct {
	// Strict turns a malformed listing node into a page error instead of
	// skipping it.
	Strict bool
}

// Extractor implements ingest.Extractor for the search results layout.
type Extractor struct {
	cfg    Config
	logger *zap.Logger
}

// New builds an Extractor.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, logger: logger}
}

// PageCount reads the "page X of N" indicator and returns N. A page without
// the indicator has no results and reports zero pages.
func (e *Extractor) PageCount(body []byte) (int, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("parse page: %w", err)
	}
	sel := doc.Find(pageIndicatorSelector).First()
	fields := strings.Fields(sel.Text())
	if len(fields) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, fmt.Errorf("parse page count from %q: %w", sel.Text(), err)
	}
	return n, nil
}

// Extract decodes the embedded payload and returns the apartment sales it
// contains, in payload order.
func (e *Extractor) Extract(body []byte) (ingest.PageResult, error) {
	state, err := apolloState(body)
	if err != nil {
		return ingest.PageResult{}, err
	}

	var result ingest.PageResult
	err = walkSoldProperties(state, func(key string, raw json.RawMessage) error {
		var head nodeHeader
		headErr := json.Unmarshal(raw, &head)
		if headErr == nil {
			if result.FirstSoldDate == "" {
				result.FirstSoldDate, _ = nonEmpty(head.SoldDate)
			}
			if classify(head.objectType()) != ingest.PropertyApartment {
				result.Filtered++
				return nil
			}
		}
		sale, err := decodeSale(raw, headErr)
		if err != nil {
			err = fmt.Errorf("%s: %w", key, err)
			if e.cfg.Strict {
				return err
			}
			e.logger.Warn("skipping listing", zap.String("key", key), zap.Error(err))
			result.Invalid = append(result.Invalid, err)
			return nil
		}
		result.Sales = append(result.Sales, sale)
		return nil
	})
	if err != nil {
		return ingest.PageResult{}, err
	}
	return result, nil
}

// decodeSale turns one apartment node into a sale. Mistyped fields make the
// listing invalid, not the page.
func decodeSale(raw json.RawMessage, headErr error) (ingest.ApartmentSale, error) {
	if headErr != nil {
		return ingest.ApartmentSale{}, fmt.Errorf("%w: %v", ingest.ErrInvalidListing, headErr)
	}
	var node soldPropertyNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return ingest.ApartmentSale{}, fmt.Errorf("%w: %v", ingest.ErrInvalidListing, err)
	}
	return normalize(node)
}

func apolloState(body []byte) (json.RawMessage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	script := doc.Find(payloadSelector).First()
	if script.Length() == 0 {
		return nil, fmt.Errorf("%w: no %s element", ingest.ErrPayloadNotFound, payloadSelector)
	}
	var data nextData
	if err := json.Unmarshal([]byte(script.Text()), &data); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	state := data.Props.PageProps.ApolloState
	if len(state) == 0 || string(state) == "null" {
		return nil, fmt.Errorf("%w: missing props.pageProps.__APOLLO_STATE__", ingest.ErrPayloadNotFound)
	}
	return state, nil
}

// walkSoldProperties streams the state object so nodes are visited in the
// order the page lists them. Matching nodes are handed over undecoded.
func walkSoldProperties(state json.RawMessage, visit func(string, json.RawMessage) error) error {
	dec := json.NewDecoder(bytes.NewReader(state))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("%w: state is not an object", ingest.ErrPayloadNotFound)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("read state key: %w", err)
		}
		key, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		if !strings.HasPrefix(key, soldPropertyPrefix) {
			continue
		}
		if err := visit(key, raw); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read state end: %w", err)
	}
	return nil
}

func classify(label string) ingest.PropertyType {
	switch label {
	case apartmentLabel:
		return ingest.PropertyApartment
	case houseLabel:
		return ingest.PropertyHouse
	case townhouseLabel:
		return ingest.PropertyTownhouse
	default:
		return ingest.PropertyOther
	}
}

func normalize(node soldPropertyNode) (ingest.ApartmentSale, error) {
	id, err := node.ID.Int64()
	if err != nil {
		return ingest.ApartmentSale{}, fmt.Errorf("%w: id %q", ingest.ErrInvalidListing, node.ID)
	}
	rawDate, ok := node.soldDate()
	if !ok {
		return ingest.ApartmentSale{}, fmt.Errorf("%w: missing soldDate", ingest.ErrInvalidListing)
	}
	saleDate, err := planner.ParseDate(rawDate)
	if err != nil {
		return ingest.ApartmentSale{}, fmt.Errorf("%w: %v", ingest.ErrInvalidListing, err)
	}
	price, err := parsePrice(node)
	if err != nil {
		return ingest.ApartmentSale{}, err
	}
	neighborhood, ok := node.neighborhood()
	if !ok {
		neighborhood = ingest.UnspecifiedNeighborhood
	}
	attrs := attributes.Parse(node.dataPoints())
	return ingest.ApartmentSale{
		ID:           id,
		PropertyType: ingest.PropertyApartment,
		SaleDate:     saleDate,
		Municipality: node.municipality(),
		Neighborhood: neighborhood,
		Address:      node.address(),
		Latitude:     node.Latitude,
		Longitude:    node.Longitude,
		SaleType:     node.saleType(),
		Price:        price,
		AreaSqm:      attrs.AreaSqm,
		Rooms:        attrs.Rooms,
		Floor:        attrs.Floor,
	}, nil
}

func parsePrice(node soldPropertyNode) (int64, error) {
	raw, ok := node.rawPrice()
	if !ok {
		return 0, fmt.Errorf("%w: missing soldPrice.raw", ingest.ErrInvalidListing)
	}
	price, err := raw.Int64()
	if err != nil {
		f, ferr := raw.Float64()
		if ferr != nil {
			return 0, fmt.Errorf("%w: price %q", ingest.ErrInvalidListing, raw)
		}
		price = int64(math.Round(f))
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: price %d", ingest.ErrInvalidListing, price)
	}
	return price, nil
}
