package lianjia

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/project-tktt/house-tracker/internal/common/cleaner"
	"github.com/project-tktt/house-tracker/internal/domain"
)

// CommunityInfo holds the community figures shown next to page 1
type CommunityInfo struct {
	AveragePrice   int
	HouseAvailable int
	SoldLastSeason int
	ViewLastMonth  int
}

// HouseRow is one listing of a community search page
type HouseRow struct {
	OuterID   string
	Price     int
	Room      string
	Area      float64
	Floor     string
	BuildYear int
}

// SearchPage is the content of one community search page
type SearchPage struct {
	// Community is set on page 1 only
	Community *CommunityInfo
	Houses    []HouseRow
	TotalPage int
}

// HouseViews are the visit counters of a house detail page
type HouseViews struct {
	LastWeek  int
	LastMonth int
}

// Parser extracts records from lianjia pages
type Parser struct {
	cleaner *cleaner.Cleaner
}

// NewParser creates a parser
func NewParser() *Parser {
	return &Parser{cleaner: cleaner.NewCleaner()}
}

func (p *Parser) number(s *goquery.Selection) (int, error) {
	return strconv.Atoi(p.cleaner.Compact(s.Text()))
}

// ParseSearch parses page of a community search. perPage is the number of
// listings the site shows per page; a full first page is required when
// there is more than one page.
func (p *Parser) ParseSearch(body []byte, page, perPage int) (*SearchPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewParseError(page, "read search page: %v", err)
	}

	total, err := p.number(doc.Find("span.result-count").First())
	if err != nil {
		return nil, domain.NewParseError(page, "result count: %v", err)
	}
	result := &SearchPage{TotalPage: (total + perPage - 1) / perPage}

	current := doc.Find("span.current").First()
	if current.Length() > 0 || total > 0 {
		on, err := p.number(current)
		if err != nil {
			return nil, domain.NewParseError(page, "current page: %v", err)
		}
		if on != page {
			return nil, domain.NewParseError(page, "got page %d", on)
		}
	}

	if page == 1 {
		info, err := p.communityInfo(doc)
		if err != nil {
			return nil, domain.NewParseError(page, "community figures: %v", err)
		}
		result.Community = info
	}

	var rowErr error
	doc.Find("div.info").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		h, err := p.houseRow(s)
		if err != nil {
			rowErr = domain.NewParseError(page, "house %s: %v", h.OuterID, err)
			return false
		}
		result.Houses = append(result.Houses, h)
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}

	if result.TotalPage > 1 && page == 1 && len(result.Houses) != perPage {
		return nil, domain.NewParseError(page, "%d houses on a full page, expected %d per page", len(result.Houses), perPage)
	}
	return result, nil
}

func (p *Parser) communityInfo(doc *goquery.Document) (*CommunityInfo, error) {
	items := doc.Find("div.m-side-bar li")
	if items.Length() < 4 {
		return nil, strconv.ErrSyntax
	}
	var info CommunityInfo
	// a community without recent deals has no average price
	info.AveragePrice, _ = p.number(items.Eq(0).Find("span.num"))

	var err error
	if info.HouseAvailable, err = p.number(items.Eq(1).Find("span.num")); err != nil {
		return nil, err
	}
	if info.SoldLastSeason, err = p.number(items.Eq(2).Find("span.num")); err != nil {
		return nil, err
	}
	if info.ViewLastMonth, err = p.number(items.Eq(3).Find("span.num")); err != nil {
		return nil, err
	}
	return &info, nil
}

func (p *Parser) houseRow(s *goquery.Selection) (HouseRow, error) {
	var h HouseRow
	key, ok := s.Find("div.prop-title a").First().Attr("key")
	if !ok || key == "" {
		return h, strconv.ErrSyntax
	}
	h.OuterID = key

	var err error
	if h.Price, err = p.number(s.Find("span.total-price").First()); err != nil {
		return h, err
	}

	// 2室1厅 | 75.5平 | 中区/6层
	cols := strings.Split(p.cleaner.Text(s.Find("span.row1-text").First().Text()), "|")
	if len(cols) < 3 {
		return h, strconv.ErrSyntax
	}
	h.Room = strings.TrimSpace(cols[0])
	area := strings.TrimSuffix(strings.TrimSpace(cols[1]), "平")
	if h.Area, err = strconv.ParseFloat(strings.TrimSpace(area), 64); err != nil {
		return h, err
	}
	h.Floor = strings.TrimSpace(cols[2])

	// the build year is missing on some listings
	cols = strings.Split(p.cleaner.Text(s.Find("span.row2-text").First().Text()), "|")
	year := strings.TrimSuffix(strings.TrimSpace(cols[len(cols)-1]), "年建")
	h.BuildYear, _ = strconv.Atoi(year)
	return h, nil
}

// ParseHouse reads the view counters of the detail page of outerID
func (p *Parser) ParseHouse(body []byte, outerID string) (*HouseViews, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewParseError(0, "read house page: %v", err)
	}

	ref := p.cleaner.Compact(doc.Find("ul.maininfo-minor li").Last().Text())
	if !strings.Contains(ref, outerID) {
		return nil, domain.NewParseError(0, "requested house %s, got %q", outerID, ref)
	}

	look := doc.Find("look-list").First()
	week, err := strconv.Atoi(look.AttrOr("count7", ""))
	if err != nil {
		return nil, domain.NewParseError(0, "house %s: weekly views: %v", outerID, err)
	}
	month, err := strconv.Atoi(look.AttrOr("count90", ""))
	if err != nil {
		return nil, domain.NewParseError(0, "house %s: monthly views: %v", outerID, err)
	}
	return &HouseViews{LastWeek: week, LastMonth: month}, nil
}
