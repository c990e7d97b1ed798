// Package attributes converts the free-text data points attached to a listing
// ("46 + 5 m²", "3,5 rum", "vån 2") into numeric attributes.
package attributes

import (
	"strconv"
	"strings"
)

const (
	areaMarker     = "m²"
	currencyMarker = "kr"
	plotMarker     = "tomt"
	roomMarker     = "rum"
	floorMarker    = "vån"
)

// Attributes are the numeric fields recovered from a listing's data points.
// A nil field means no data point yielded a usable value.
type Attributes struct {
	AreaSqm *float64
	Rooms   *float64
	Floor   *float64
}

// Parse classifies each data point and extracts its number. Categories are
// checked in order area, rooms, floor; when several data points land in the
// same category the last parsable one wins. Parse never fails.
func Parse(dataPoints []string) Attributes {
	var attrs Attributes
	for _, raw := range dataPoints {
		dp := Normalize(raw)
		switch {
		case isArea(dp):
			if v, ok := parseArea(dp); ok {
				attrs.AreaSqm = &v
			}
		case strings.Contains(dp, roomMarker):
			if v, ok := fieldNumber(dp, 0); ok {
				attrs.Rooms = &v
			}
		case strings.Contains(dp, floorMarker):
			if v, ok := fieldNumber(dp, 1); ok {
				attrs.Floor = &v
			}
		}
	}
	return attrs
}

// Normalize replaces non-breaking spaces and lower-cases a data point.
func Normalize(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "\u00a0", " "))
}

func isArea(dp string) bool {
	return strings.Contains(dp, areaMarker) &&
		!strings.Contains(dp, currencyMarker) &&
		!strings.Contains(dp, plotMarker)
}

// parseArea sums "primary + supplementary" areas, or reads the single leading
// number when there is no plus sign.
func parseArea(dp string) (float64, bool) {
	if !strings.Contains(dp, "+") {
		return fieldNumber(dp, 0)
	}
	var total float64
	for _, part := range strings.Split(dp, "+") {
		v, ok := fieldNumber(part, 0)
		if !ok {
			return 0, false
		}
		total += v
	}
	return total, true
}

// fieldNumber parses the idx-th whitespace separated token, accepting a
// decimal comma.
func fieldNumber(s string, idx int) (float64, bool) {
	fields := strings.Fields(s)
	if idx >= len(fields) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(fields[idx], ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
