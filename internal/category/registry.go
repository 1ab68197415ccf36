// Package category holds the fixed set of ranking categories crawled from the
// target site and the query parameters that select each one.
package category

import (
	"fmt"
	"net/url"
	"strings"
)

// Category is one entry of the registry.
type Category struct {
	// ID is the stable identifier used in records, the API and file names.
	ID string
	// DisplayName is the label shown on the site.
	DisplayName string
	// FilterCode is the site's fltDispCatNo value; empty selects the overall ranking.
	FilterCode string
}

// Default is the category served when a request names none.
const Default = "skincare"

// All is the overall ranking that spans every category.
const All = "all"

var categories = []Category{
	{ID: All, DisplayName: "전체", FilterCode: ""},
	{ID: "skincare", DisplayName: "스킨케어", FilterCode: "10000010001"},
	{ID: "mask_pack", DisplayName: "마스크팩", FilterCode: "10000010009"},
	{ID: "cleansing", DisplayName: "클렌징", FilterCode: "10000010010"},
	{ID: "suncare", DisplayName: "선케어", FilterCode: "10000010011"},
	{ID: "makeup", DisplayName: "메이크업", FilterCode: "10000010002"},
	{ID: "nail", DisplayName: "네일", FilterCode: "10000010012"},
	{ID: "beauty_tools", DisplayName: "뷰티소품", FilterCode: "10000010006"},
	{ID: "dermo_cosmetic", DisplayName: "더모 코스메틱", FilterCode: "10000010008"},
	{ID: "mens_care", DisplayName: "맨즈케어", FilterCode: "10000010007"},
	{ID: "fragrance", DisplayName: "향수 디퓨저", FilterCode: "10000010005"},
	{ID: "haircare", DisplayName: "헤어케어", FilterCode: "10000010004"},
	{ID: "bodycare", DisplayName: "바디케어", FilterCode: "10000010003"},
	{ID: "health_food", DisplayName: "건강식품", FilterCode: "10000020001"},
	{ID: "food", DisplayName: "푸드", FilterCode: "10000020002"},
	{ID: "oral_care", DisplayName: "구강용품", FilterCode: "10000020003"},
	{ID: "health_goods", DisplayName: "헬스 건강용품", FilterCode: "10000020005"},
	{ID: "feminine_care", DisplayName: "여성 위생용품", FilterCode: "10000020004"},
	{ID: "fashion", DisplayName: "패션", FilterCode: "10000030007"},
	{ID: "living", DisplayName: "리빙 가전", FilterCode: "10000030005"},
	{ID: "hobby", DisplayName: "취미 팬시", FilterCode: "10000030006"},
}

var byID = func() map[string]Category {
	m := make(map[string]Category, len(categories))
	for _, c := range categories {
		m[c.ID] = c
	}
	return m
}()

// List returns the categories in crawl order.
func List() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// IDs returns the category identifiers in crawl order.
func IDs() []string {
	ids := make([]string, len(categories))
	for i, c := range categories {
		ids[i] = c.ID
	}
	return ids
}

// Lookup returns the category with the given id.
func Lookup(id string) (Category, bool) {
	c, ok := byID[id]
	return c, ok
}

// Known reports whether id is in the registry.
func Known(id string) bool {
	_, ok := byID[id]
	return ok
}

// Banner is the heading injected into captured pages.
func (c Category) Banner() string {
	if c.ID == All {
		return "전체 랭킹"
	}
	return c.DisplayName + " 랭킹"
}

// URL builds the ranking page URL from a base URL carrying the fixed query
// parameters; the filter code is set on fltDispCatNo.
func (c Category) URL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse ranking url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("ranking url %q must be absolute", base)
	}
	q := u.Query()
	q.Set("fltDispCatNo", c.FilterCode)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
