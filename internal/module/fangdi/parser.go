package fangdi

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/project-tktt/house-tracker/internal/common/cleaner"
	"github.com/project-tktt/house-tracker/internal/domain"
)

var pageIndexRe = regexp.MustCompile(`第(\d+)页/共(\d+)页`)

// CommunityRow is one project listed on a district search page
type CommunityRow struct {
	OuterID     string
	Name        string
	Location    string
	TotalNumber int
	TotalArea   float64
}

// SearchPage is the content of one district search page
type SearchPage struct {
	Communities []CommunityRow
	Page        int
	TotalPage   int
}

// Detail is what the project detail page adds to a community
type Detail struct {
	AreaName       string
	Company        string
	PresaleURLName string
}

// Parser extracts records from fangdi pages
type Parser struct {
	cleaner *cleaner.Cleaner
}

// NewParser creates a parser
func NewParser() *Parser {
	return &Parser{cleaner: cleaner.NewCleaner()}
}

// DecodeProjectID returns the outer id carried by a base64 "outer|date|n" project id
func DecodeProjectID(projectID string) (string, error) {
	// '+' turns into a space when the id is read from a query string
	raw := strings.ReplaceAll(strings.TrimSpace(projectID), " ", "+")
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decode project id %q: %w", projectID, err)
	}
	outer, _, _ := strings.Cut(string(data), "|")
	if outer == "" {
		return "", fmt.Errorf("decode project id %q: empty", projectID)
	}
	return outer, nil
}

// EncodeProjectID builds the project id the site expects for outerID
func EncodeProjectID(outerID, day string, tail int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s|%s|%d", outerID, day, tail)))
}

// ownRows returns the rows of table that do not belong to a nested table
func ownRows(table *goquery.Selection) *goquery.Selection {
	return table.Find("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
		return tr.Closest("table").IsSelection(table)
	})
}

func (p *Parser) cells(tr *goquery.Selection) []string {
	var cells []string
	tr.ChildrenFiltered("td").Each(func(_ int, td *goquery.Selection) {
		cells = append(cells, p.cleaner.Text(td.Text()))
	})
	return cells
}

func projectIDFrom(href string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", err
	}
	id := u.Query().Get("projectID")
	if id == "" {
		return "", fmt.Errorf("no projectID in %q", href)
	}
	return id, nil
}

// ParseSearch parses a district search page. The district name of every
// row and the page index must match what was requested.
func (p *Parser) ParseSearch(body []byte, district string, page int) (*SearchPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewParseError(page, "read district page: %v", err)
	}

	var table *goquery.Selection
	doc.Find("table").EachWithBreak(func(_ int, t *goquery.Selection) bool {
		header := p.cells(ownRows(t).First())
		if contains(header, "项目地址") && contains(header, "所在区县") {
			table = t
			return false
		}
		return true
	})
	if table == nil {
		return nil, domain.NewParseError(page, "district %s: listing table not found", district)
	}

	result := &SearchPage{}
	var rowErr error
	ownRows(table).EachWithBreak(func(_ int, tr *goquery.Selection) bool {
		if _, ok := tr.Attr("valign"); !ok {
			return true
		}
		row, err := p.searchRow(tr, district, page)
		if err != nil {
			rowErr = err
			return false
		}
		result.Communities = append(result.Communities, row)
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}

	pager := table.Find("table").First()
	if pager.Length() == 0 {
		pager = table
	}
	m := pageIndexRe.FindStringSubmatch(p.cleaner.Compact(pager.Text()))
	if m == nil {
		return nil, domain.NewParseError(page, "district %s: page index not found", district)
	}
	result.Page, _ = strconv.Atoi(m[1])
	result.TotalPage, _ = strconv.Atoi(m[2])
	if result.Page != page {
		return nil, domain.NewParseError(page, "district %s: got page %d", district, result.Page)
	}
	if len(result.Communities) == 0 {
		return nil, domain.NewParseError(page, "district %s: no community listed", district)
	}
	return result, nil
}

func (p *Parser) searchRow(tr *goquery.Selection, district string, page int) (CommunityRow, error) {
	tds := tr.ChildrenFiltered("td")
	if tds.Length() < 6 {
		return CommunityRow{}, domain.NewParseError(page, "district %s: row with %d cells", district, tds.Length())
	}
	if got := p.cleaner.Text(tds.Eq(5).Text()); got != district {
		return CommunityRow{}, domain.NewParseError(page, "requested district %s, got %s", district, got)
	}

	href, _ := tds.Eq(1).Find("a").Attr("href")
	projectID, err := projectIDFrom(href)
	if err != nil {
		return CommunityRow{}, domain.NewParseError(page, "district %s: %v", district, err)
	}
	outerID, err := DecodeProjectID(projectID)
	if err != nil {
		return CommunityRow{}, domain.NewParseError(page, "district %s: %v", district, err)
	}

	total, err := strconv.Atoi(p.cleaner.Compact(tds.Eq(3).Text()))
	if err != nil {
		return CommunityRow{}, domain.NewParseError(page, "project %s: total number: %v", outerID, err)
	}
	area, err := strconv.ParseFloat(p.cleaner.Compact(tds.Eq(4).Text()), 64)
	if err != nil {
		return CommunityRow{}, domain.NewParseError(page, "project %s: total area: %v", outerID, err)
	}

	return CommunityRow{
		OuterID:     outerID,
		Name:        p.cleaner.Text(tds.Eq(1).Text()),
		Location:    p.cleaner.Text(tds.Eq(2).Text()),
		TotalNumber: total,
		TotalArea:   area,
	}, nil
}

// ParseDetail parses a project detail page, which must reference outerID
func (p *Parser) ParseDetail(body []byte, outerID string) (*Detail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewParseError(0, "read detail page: %v", err)
	}

	var rows [][]string
	doc.Find("table").EachWithBreak(func(_ int, t *goquery.Selection) bool {
		trs := ownRows(t)
		first := p.cells(trs.First())
		if len(first) == 0 || strings.TrimRight(first[0], ":") != "项目名称" {
			return true
		}
		trs.Each(func(_ int, tr *goquery.Selection) {
			rows = append(rows, p.cells(tr))
		})
		return false
	})
	if len(rows) < 3 || len(rows[1]) < 4 || len(rows[2]) < 2 {
		return nil, domain.NewParseError(0, "project %s: detail table not found", outerID)
	}

	src, ok := doc.Find("iframe").First().Attr("src")
	if !ok {
		return nil, domain.NewParseError(0, "project %s: presale frame not found", outerID)
	}
	u, err := url.Parse(strings.TrimSpace(src))
	if err != nil {
		return nil, domain.NewParseError(0, "project %s: presale frame: %v", outerID, err)
	}
	got, err := DecodeProjectID(u.Query().Get("projectID"))
	if err != nil {
		return nil, domain.NewParseError(0, "project %s: %v", outerID, err)
	}
	if got != outerID {
		return nil, domain.NewParseError(0, "requested project %s, got %s", outerID, got)
	}
	name := strings.TrimSpace(u.Query().Get("projectname"))
	if name == "" {
		return nil, domain.NewParseError(0, "project %s: presale frame without project name", outerID)
	}

	return &Detail{
		AreaName:       rows[1][3],
		Company:        rows[2][1],
		PresaleURLName: name,
	}, nil
}

// ParsePresale parses the presale permit table of a project
func (p *Parser) ParsePresale(body []byte) ([]domain.PresalePermit, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewParseError(0, "read presale page: %v", err)
	}

	table := doc.Find("table").First()
	header := p.cells(ownRows(table).First())
	if !contains(header, "开盘日期") || !contains(header, "总套数") {
		return nil, domain.NewParseError(0, "presale table not found")
	}

	var (
		permits []domain.PresalePermit
		rowErr  error
	)
	ownRows(table).EachWithBreak(func(_ int, tr *goquery.Selection) bool {
		if _, ok := tr.Attr("onclick"); !ok {
			return true
		}
		permit, err := p.presaleRow(p.cells(tr))
		if err != nil {
			rowErr = err
			return false
		}
		permits = append(permits, permit)
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	if len(permits) == 0 {
		return nil, domain.NewParseError(0, "presale list is empty")
	}
	return permits, nil
}

func (p *Parser) presaleRow(cells []string) (domain.PresalePermit, error) {
	if len(cells) < 7 {
		return domain.PresalePermit{}, domain.NewParseError(0, "presale row with %d cells", len(cells))
	}
	permit := domain.PresalePermit{
		SerialNumber: cells[0],
		Description:  cells[1],
		// the sale date may be blank
		SaleDate: cells[2],
	}
	if len(cells) > 7 {
		permit.Status = cells[7]
	}

	var err error
	if permit.TotalNumber, err = atoi(cells[3]); err != nil {
		return permit, domain.NewParseError(0, "permit %s: total number: %v", permit.SerialNumber, err)
	}
	if permit.NormalNumber, err = atoi(cells[4]); err != nil {
		return permit, domain.NewParseError(0, "permit %s: normal number: %v", permit.SerialNumber, err)
	}
	if permit.TotalArea, err = parseArea(cells[5]); err != nil {
		return permit, domain.NewParseError(0, "permit %s: total area: %v", permit.SerialNumber, err)
	}
	if permit.NormalArea, err = parseArea(cells[6]); err != nil {
		return permit, domain.NewParseError(0, "permit %s: normal area: %v", permit.SerialNumber, err)
	}
	return permit, nil
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.ReplaceAll(s, " ", ""))
}

// parseArea reads "1234.5 平方米" style cells
func parseArea(s string) (float64, error) {
	num, _, _ := strings.Cut(strings.TrimSpace(s), " ")
	return strconv.ParseFloat(num, 64)
}

func contains(cells []string, want string) bool {
	for _, c := range cells {
		if c == want {
			return true
		}
	}
	return false
}
