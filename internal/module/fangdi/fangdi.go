// Package fangdi tracks the new-project listings and presale permits
// published on fangdi.com.cn.
package fangdi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/project-tktt/house-tracker/internal/batch"
	"github.com/project-tktt/house-tracker/internal/domain"
)

const (
	// KindDistrictPage reads one search page of a district
	KindDistrictPage domain.JobKind = "fd.district_page"
	// KindPresale refreshes the presale permits of a tracked community
	KindPresale domain.JobKind = "fd.presale"
)

// Config holds the fangdi source settings
type Config struct {
	BaseURL string `mapstructure:"base_url"`
	// Encoding of the site pages and of the project name in presale queries
	Encoding string `mapstructure:"encoding"`
	// DistrictIDs restricts the batch to these district rows
	DistrictIDs []int64 `mapstructure:"district_ids"`
}

// DefaultConfig returns the production settings
func DefaultConfig() Config {
	return Config{
		BaseURL:  "http://www.fangdi.com.cn",
		Encoding: "gbk",
	}
}

// Source enumerates the fangdi jobs of a batch
type Source struct {
	config Config
	parser *Parser
	now    func() time.Time
}

// Register adds the fangdi source and its job handlers to reg
func Register(reg *batch.Registry, cfg Config) *Source {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	s := &Source{config: cfg, parser: NewParser(), now: time.Now}
	reg.AddSource(s)
	reg.Handle(KindDistrictPage, batch.HandlerFunc(s.districtPage))
	reg.Handle(KindPresale, batch.HandlerFunc(s.presale))
	return s
}

// Type implements batch.Source
func (s *Source) Type() domain.BatchType {
	return domain.BatchFD
}

// Start walks the search pages of every district one job per page, then
// refreshes the presale permits of the tracked communities.
func (s *Source) Start(ctx context.Context, run *batch.Run) (domain.BatchStatus, error) {
	districts, err := s.districts(ctx, run)
	if err != nil {
		return domain.BatchFailed, err
	}
	if len(districts) == 0 {
		return domain.BatchFailed, &domain.BatchJobError{BatchJobID: run.Batch.ID, Err: errors.New("no fangdi district configured")}
	}

	failed := 0
	ids := make([]int64, 0, len(districts))
	for _, d := range districts {
		ids = append(ids, d.ID)
		ok, err := s.walkDistrict(ctx, run, d)
		if err != nil {
			return domain.BatchFailed, err
		}
		if !ok {
			failed++
		}
	}

	communities, err := run.Session.ListCommunities(ctx, domain.BatchFD, ids, true)
	if err != nil {
		return domain.BatchFailed, err
	}
	jobs := make([]*domain.Job, 0, len(communities))
	for _, c := range communities {
		job, err := run.Job(ctx, domain.JobSpec{Kind: KindPresale, RefID: c.ID})
		if err != nil {
			return domain.BatchFailed, err
		}
		jobs = append(jobs, job)
	}
	log.Printf("[FD] %s: %d tracked communities", run.Batch, len(jobs))

	n, err := run.StartAll(ctx, jobs)
	if err != nil {
		return domain.BatchFailed, err
	}
	if failed+n > 0 {
		log.Printf("[FD] %s: %d districts and %d communities failed", run.Batch, failed, n)
		return domain.BatchFailed, nil
	}
	return domain.BatchFinished, nil
}

func (s *Source) districts(ctx context.Context, run *batch.Run) ([]*domain.District, error) {
	all, err := run.Session.ListDistricts(ctx, domain.BatchFD)
	if err != nil {
		return nil, err
	}
	if len(s.config.DistrictIDs) == 0 {
		return all, nil
	}
	allowed := make(map[int64]bool, len(s.config.DistrictIDs))
	for _, id := range s.config.DistrictIDs {
		allowed[id] = true
	}
	var districts []*domain.District
	for _, d := range all {
		if allowed[d.ID] {
			districts = append(districts, d)
		}
	}
	return districts, nil
}

// walkDistrict creates the page jobs of d lazily: page k+1 exists only
// once page k has reported the page count. It stops at the first failed page.
func (s *Source) walkDistrict(ctx context.Context, run *batch.Run, d *domain.District) (bool, error) {
	for page := 1; ; page++ {
		job, err := run.Job(ctx, domain.JobSpec{Kind: KindDistrictPage, RefID: d.ID, Page: page})
		if err != nil {
			return false, err
		}
		ok, err := run.StartJob(ctx, job)
		if err != nil || !ok {
			return false, err
		}
		if job.Params.Listing == nil || page >= job.Params.Listing.TotalPage {
			return true, nil
		}
	}
}

func (s *Source) searchURL(districtID string, page int) string {
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	q.Set("districtID", districtID)
	q.Set("Region_ID", "")
	q.Set("projectAdr", "")
	q.Set("projectName", "")
	q.Set("startCod", "")
	q.Set("buildingType", "1")
	q.Set("houseArea", "0")
	q.Set("averagePrice", "0")
	q.Set("selState", "")
	q.Set("selCircle", "0")
	return s.config.BaseURL + "/complexpro.asp?" + q.Encode()
}

// projectID is valid for the current day only
func (s *Source) projectID(outerID string) string {
	now := s.now()
	day := fmt.Sprintf("%d-%d-%d", now.Year(), now.Month(), now.Day())
	return EncodeProjectID(outerID, day, rand.IntN(99)+1)
}

func (s *Source) detailURL(c *domain.Community) string {
	return s.config.BaseURL + "/proDetail.asp?projectID=" + url.QueryEscape(s.projectID(c.OuterID))
}

func (s *Source) presaleURL(c *domain.Community) (string, error) {
	name, err := encodeQueryValue(c.PresaleURLName, s.config.Encoding)
	if err != nil {
		return "", err
	}
	return s.config.BaseURL + "/Presell.asp?projectID=" + url.QueryEscape(s.projectID(c.OuterID)) +
		"&projectname=" + name, nil
}

// encodeQueryValue escapes s in the given charset, UTF-8 when empty
func encodeQueryValue(s, charset string) (string, error) {
	if charset == "" {
		return url.QueryEscape(s), nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return "", fmt.Errorf("charset %s: %w", charset, err)
	}
	encoded, err := enc.NewEncoder().String(s)
	if err != nil {
		return "", fmt.Errorf("encode %q as %s: %w", s, charset, err)
	}
	return url.QueryEscape(encoded), nil
}

func (s *Source) districtPage(ctx context.Context, x *batch.Execution) error {
	job := x.Job
	d, err := x.Session.GetDistrict(ctx, job.RefID)
	if err != nil {
		return err
	}

	body, err := x.GetWebPage(ctx, batch.Target{
		URL:      s.searchURL(d.OuterID, job.Page),
		DiskURI:  fmt.Sprintf("%d-%s-%d.html", d.ID, d.OuterID, job.Page),
		Encoding: s.config.Encoding,
	}, true)
	if err != nil {
		return err
	}
	page, err := s.parser.ParseSearch(body, d.Name, job.Page)
	if err != nil {
		return err
	}

	created := 0
	for _, row := range page.Communities {
		c, err := x.Session.FindCommunity(ctx, domain.BatchFD, row.OuterID)
		if err != nil {
			return err
		}
		if c == nil {
			c = &domain.Community{
				Source:       domain.BatchFD,
				DistrictID:   d.ID,
				OuterID:      row.OuterID,
				Name:         row.Name,
				Location:     row.Location,
				TotalNumber:  row.TotalNumber,
				TotalArea:    row.TotalArea,
				TrackPresale: true,
			}
			if err := x.Session.InsertCommunity(ctx, c); err != nil {
				return err
			}
			created++
			continue
		}
		c.Location, c.TotalNumber, c.TotalArea = row.Location, row.TotalNumber, row.TotalArea
		if err := x.Session.UpdateCommunity(ctx, c); err != nil {
			return err
		}
	}

	job.Params.Listing = &domain.ListingPage{TotalPage: page.TotalPage}
	log.Printf("[FD] %s page %d/%d: %d communities, %d new", d.Name, job.Page, page.TotalPage, len(page.Communities), created)
	return nil
}

func (s *Source) presale(ctx context.Context, x *batch.Execution) error {
	c, err := x.Session.GetCommunity(ctx, x.Job.RefID)
	if err != nil {
		return err
	}

	if c.PresaleURLName == "" {
		body, err := x.GetWebPage(ctx, batch.Target{
			URL:      s.detailURL(c),
			DiskURI:  fmt.Sprintf("c-%d-detail.html", c.ID),
			Encoding: s.config.Encoding,
		}, true)
		if err != nil {
			return err
		}
		detail, err := s.parser.ParseDetail(body, c.OuterID)
		if err != nil {
			return err
		}
		c.AreaName, c.Company, c.PresaleURLName = detail.AreaName, detail.Company, detail.PresaleURLName
		if err := x.Session.UpdateCommunity(ctx, c); err != nil {
			return err
		}
	}

	target, err := s.presaleURL(c)
	if err != nil {
		return err
	}
	body, err := x.GetWebPage(ctx, batch.Target{
		URL:      target,
		DiskURI:  fmt.Sprintf("c-%d-presale.html", c.ID),
		Encoding: s.config.Encoding,
	}, true)
	if err != nil {
		return err
	}
	permits, err := s.parser.ParsePresale(body)
	if err != nil {
		return err
	}

	known, err := x.Session.PresaleSerials(ctx, c.ID)
	if err != nil {
		return err
	}
	added := 0
	for i := range permits {
		p := &permits[i]
		if known[p.SerialNumber] {
			continue
		}
		p.CommunityID = c.ID
		p.BatchNumber = x.Batch.BatchNumber
		if err := x.Session.InsertPresalePermit(ctx, p); err != nil {
			return err
		}
		known[p.SerialNumber] = true
		added++
	}
	if added > 0 {
		log.Printf("[FD] %s: %d new presale permits", c.Name, added)
	}
	return nil
}
