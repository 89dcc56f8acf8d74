// Package carousel extracts product carousels embedded in bot message text.
//
// The markup is an XML-like block inside otherwise plain text:
//
//	Here are some options:
//	<carousel>
//	  <product>
//	    <id>123</id>
//	    <name>Running shoe</name>
//	    <price>R$ 199,90</price>
//	    <original_price>R$ 249,90</original_price>
//	    <discount_percentage>20</discount_percentage>
//	    <image_url>https://cdn.example.com/123.png</image_url>
//	    <product_link>https://shop.example.com/p/123</product_link>
//	  </product>
//	</carousel>
//
// Each field may also be given as an attribute of <product>.
package carousel

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Product is one card of a carousel.
type Product struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	Price              string   `json:"price"`
	OriginalPrice      string   `json:"originalPrice,omitempty"`
	DiscountPercentage *float64 `json:"discountPercentage,omitempty"`
	ImageURL           string   `json:"imageUrl"`
	ProductLink        string   `json:"productLink"`
}

var blockRe = regexp.MustCompile(`(?is)<carousel\b[^>]*>.*?</carousel\s*>`)

// Detect reports whether text contains a complete carousel block.
func Detect(text string) bool {
	return blockRe.MatchString(text)
}

// Parse returns the products of every carousel block in text, in document
// order. Products without a name are skipped; malformed markup yields an
// empty list.
func Parse(text string) []Product {
	var products []Product
	for _, block := range blockRe.FindAllString(text, -1) {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(block))
		if err != nil {
			continue
		}
		doc.Find("carousel product").Each(func(_ int, s *goquery.Selection) {
			p := Product{
				ID:            field(s, "id"),
				Name:          field(s, "name"),
				Description:   field(s, "description"),
				Price:         field(s, "price"),
				OriginalPrice: field(s, "original_price"),
				ImageURL:      field(s, "image_url"),
				ProductLink:   field(s, "product_link"),
			}
			if p.Name == "" {
				return
			}
			if d, ok := parsePercent(field(s, "discount_percentage")); ok {
				p.DiscountPercentage = &d
			}
			products = append(products, p)
		})
	}
	return products
}

// RemainingText returns text with every carousel block removed.
func RemainingText(text string) string {
	return strings.TrimSpace(blockRe.ReplaceAllString(text, ""))
}

// field reads a product field from a child element, falling back to an
// attribute of the same name.
func field(s *goquery.Selection, name string) string {
	if child := s.ChildrenFiltered(name).First(); child.Length() > 0 {
		return strings.TrimSpace(child.Text())
	}
	if v, ok := s.Attr(name); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func parsePercent(raw string) (float64, bool) {
	raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.Replace(raw, ",", ".", 1), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
