// Package goqueryextractor turns ranking page markup into product records.
package goqueryextractor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/rankwatch/rankwatch/internal/category"
	"github.com/rankwatch/rankwatch/internal/ranking"
)

// Selectors locate the product list and its fields. Field selectors are
// evaluated relative to each item.
type Selectors struct {
	Item          string `mapstructure:"item" yaml:"item"`
	Brand         string `mapstructure:"brand" yaml:"brand"`
	Name          string `mapstructure:"name" yaml:"name"`
	OriginalPrice string `mapstructure:"original_price" yaml:"original_price"`
	SalePrice     string `mapstructure:"sale_price" yaml:"sale_price"`
	Promotion     string `mapstructure:"promotion" yaml:"promotion"`
}

// DefaultSelectors matches the ranking page markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:          ".TabsConts .prd_info",
		Brand:         ".tx_brand",
		Name:          ".tx_name",
		OriginalPrice: ".tx_org",
		SalePrice:     ".tx_cur",
		Promotion:     ".icon_flag",
	}
}

// Extractor implements ranking.Extractor.
type Extractor struct {
	sel Selectors
}

// New builds an Extractor; empty selectors fall back to the defaults.
func New(sel Selectors) *Extractor {
	def := DefaultSelectors()
	fill := func(v *string, fallback string) {
		if strings.TrimSpace(*v) == "" {
			*v = fallback
		}
	}
	fill(&sel.Item, def.Item)
	fill(&sel.Brand, def.Brand)
	fill(&sel.Name, def.Name)
	fill(&sel.OriginalPrice, def.OriginalPrice)
	fill(&sel.SalePrice, def.SalePrice)
	fill(&sel.Promotion, def.Promotion)
	return &Extractor{sel: sel}
}

// Extract returns the listed products in page order, ranked from 1. Date and
// time are left for the caller to stamp.
func (e *Extractor) Extract(cat category.Category, page []byte) ([]ranking.ProductRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse %s page: %w", cat.ID, err)
	}

	items := doc.Find(e.sel.Item)
	records := make([]ranking.ProductRecord, 0, items.Length())
	items.Each(func(i int, item *goquery.Selection) {
		records = append(records, ranking.ProductRecord{
			Rank:          i + 1,
			Brand:         text(item, e.sel.Brand),
			Name:          text(item, e.sel.Name),
			OriginalPrice: textOrMissing(item, e.sel.OriginalPrice),
			SalePrice:     textOrMissing(item, e.sel.SalePrice),
			Promotion:     textOrMissing(item, e.sel.Promotion),
			Category:      cat.ID,
		})
	})
	return records, nil
}

func text(s *goquery.Selection, selector string) string {
	return strings.TrimSpace(s.Find(selector).Text())
}

func textOrMissing(s *goquery.Selection, selector string) string {
	if v := text(s, selector); v != "" {
		return v
	}
	return ranking.Missing
}
