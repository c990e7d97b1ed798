package extract

import (
	"encoding/json"
	"strings"
)

// nextData is the slice of the __NEXT_DATA__ document the extractor reads.
type nextData struct {
	Props struct {
		PageProps struct {
			ApolloState json.RawMessage `json:"__APOLLO_STATE__"`
		} `json:"pageProps"`
	} `json:"props"`
}

// nodeHeader holds the fields needed to classify a node before the rest of
// it is decoded.
type nodeHeader struct {
	SoldDate   *string `json:"soldDate"`
	ObjectType *string `json:"objectType"`
}

func (h nodeHeader) objectType() string {
	v, _ := nonEmpty(h.ObjectType)
	return v
}

// soldPropertyNode is a typed view over one "SoldProperty:<id>" entry. Every
// field is optional; accessors report whether a value was present.
type soldPropertyNode struct {
	ID                  json.Number `json:"id"`
	SoldDate            *string     `json:"soldDate"`
	ObjectType          *string     `json:"objectType"`
	DescriptiveAreaName *string     `json:"descriptiveAreaName"`
	StreetAddress       *string     `json:"streetAddress"`
	Latitude            *float64    `json:"latitude"`
	Longitude           *float64    `json:"longitude"`
	SoldPriceType       *string     `json:"soldPriceType"`
	SoldPrice           *struct {
		Raw json.Number `json:"raw"`
	} `json:"soldPrice"`
	Location *struct {
		Region *struct {
			MunicipalityName *string `json:"municipalityName"`
		} `json:"region"`
	} `json:"location"`
	DisplayAttributes *struct {
		DataPoints []struct {
			Value *struct {
				PlainText *string `json:"plainText"`
			} `json:"value"`
		} `json:"dataPoints"`
	} `json:"displayAttributes"`
}

func (n soldPropertyNode) soldDate() (string, bool) {
	return nonEmpty(n.SoldDate)
}

func (n soldPropertyNode) municipality() string {
	if n.Location == nil || n.Location.Region == nil {
		return ""
	}
	v, _ := nonEmpty(n.Location.Region.MunicipalityName)
	return v
}

func (n soldPropertyNode) neighborhood() (string, bool) {
	return nonEmpty(n.DescriptiveAreaName)
}

func (n soldPropertyNode) address() string {
	v, _ := nonEmpty(n.StreetAddress)
	return v
}

func (n soldPropertyNode) saleType() string {
	v, _ := nonEmpty(n.SoldPriceType)
	return v
}

// rawPrice returns the numeric text of soldPrice.raw, if present.
func (n soldPropertyNode) rawPrice() (json.Number, bool) {
	if n.SoldPrice == nil || n.SoldPrice.Raw == "" {
		return "", false
	}
	return n.SoldPrice.Raw, true
}

func (n soldPropertyNode) dataPoints() []string {
	if n.DisplayAttributes == nil {
		return nil
	}
	out := make([]string, 0, len(n.DisplayAttributes.DataPoints))
	for _, dp := range n.DisplayAttributes.DataPoints {
		if dp.Value == nil || dp.Value.PlainText == nil {
			continue
		}
		out = append(out, *dp.Value.PlainText)
	}
	return out
}

func nonEmpty(s *string) (string, bool) {
	if s == nil {
		return "", false
	}
	v := strings.TrimSpace(*s)
	return v, v != ""
}
