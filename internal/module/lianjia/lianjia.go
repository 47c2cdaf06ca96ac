// Package lianjia tracks the second-hand listings of lianjia.com communities
// house by house: price changes, new listings and listings that went away.
package lianjia

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/project-tktt/house-tracker/internal/aggregate"
	"github.com/project-tktt/house-tracker/internal/batch"
	"github.com/project-tktt/house-tracker/internal/domain"
)

// KindCommunity walks every search page of one community
const KindCommunity domain.JobKind = "lj.community"

// Config holds the lianjia source settings
type Config struct {
	BaseURL string `mapstructure:"base_url"`
	// PerPage is the number of listings the site shows per search page
	PerPage int `mapstructure:"per_page"`
	// CommunityIDs restricts the batch to these site ids
	CommunityIDs []string `mapstructure:"community_ids"`
	// LoadDetail fetches the detail page of every house for its view counts
	LoadDetail bool `mapstructure:"load_detail"`
}

// DefaultConfig returns the production settings
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://sh.lianjia.com",
		PerPage: 30,
	}
}

// Source enumerates the lianjia jobs of a batch
type Source struct {
	config Config
	parser *Parser
}

// Register adds the lianjia source and its job handler to reg
func Register(reg *batch.Registry, cfg Config) *Source {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = def.PerPage
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	s := &Source{config: cfg, parser: NewParser()}
	reg.AddSource(s)
	reg.Handle(KindCommunity, batch.HandlerFunc(s.community))
	return s
}

// Type implements batch.Source
func (s *Source) Type() domain.BatchType {
	return domain.BatchLJ
}

// Start runs one job per community, then derives the new and missing
// counts of the batch from the house rows.
func (s *Source) Start(ctx context.Context, run *batch.Run) (domain.BatchStatus, error) {
	communities, err := s.communities(ctx, run)
	if err != nil {
		return domain.BatchFailed, err
	}
	if len(communities) == 0 {
		return domain.BatchFailed, &domain.BatchJobError{BatchJobID: run.Batch.ID, Err: errors.New("no lianjia community configured")}
	}

	jobs := make([]*domain.Job, 0, len(communities))
	for _, c := range communities {
		job, err := run.Job(ctx, domain.JobSpec{Kind: KindCommunity, RefID: c.ID})
		if err != nil {
			return domain.BatchFailed, err
		}
		jobs = append(jobs, job)
	}
	log.Printf("[LJ] %s: %d communities", run.Batch, len(jobs))

	failed, err := run.StartAll(ctx, jobs)
	if err != nil {
		return domain.BatchFailed, err
	}

	if err := aggregate.Recompute(ctx, run.Session, run.Batch); err != nil {
		return domain.BatchFailed, err
	}
	if err := run.Session.Commit(); err != nil {
		return domain.BatchFailed, err
	}

	if failed > 0 {
		log.Printf("[LJ] %s: %d communities failed", run.Batch, failed)
		return domain.BatchFailed, nil
	}
	return domain.BatchFinished, nil
}

// Verify implements batch.Verifier
func (s *Source) Verify(ctx context.Context, run *batch.Run) error {
	return aggregate.CheckResult(ctx, run.Session, run.Batch)
}

func (s *Source) communities(ctx context.Context, run *batch.Run) ([]*domain.Community, error) {
	all, err := run.Session.ListCommunities(ctx, domain.BatchLJ, nil, false)
	if err != nil {
		return nil, err
	}
	if len(s.config.CommunityIDs) == 0 {
		return all, nil
	}
	allowed := make(map[string]bool, len(s.config.CommunityIDs))
	for _, id := range s.config.CommunityIDs {
		allowed[id] = true
	}
	var communities []*domain.Community
	for _, c := range all {
		if allowed[c.OuterID] {
			communities = append(communities, c)
		}
	}
	return communities, nil
}

func (s *Source) searchURL(outerID string, page int) string {
	return fmt.Sprintf("%s/ershoufang/d%dq%ss20", s.config.BaseURL, page, outerID)
}

func (s *Source) houseURL(outerID string) string {
	return fmt.Sprintf("%s/ershoufang/%s.html", s.config.BaseURL, outerID)
}

func (s *Source) community(ctx context.Context, x *batch.Execution) error {
	c, err := x.Session.GetCommunity(ctx, x.Job.RefID)
	if err != nil {
		return err
	}
	houses, err := x.Session.HousesByOuterID(ctx, c.ID)
	if err != nil {
		return err
	}

	it := batch.IteratePages(x, func(ctx context.Context, page int) (*SearchPage, int, error) {
		body, err := x.GetWebPage(ctx, batch.Target{
			URL:     s.searchURL(c.OuterID, page),
			DiskURI: fmt.Sprintf("%d-%s-%d.html", c.ID, c.OuterID, page),
		}, true)
		if err != nil {
			return nil, 0, err
		}
		p, err := s.parser.ParseSearch(body, page, s.config.PerPage)
		if err != nil {
			return nil, 0, err
		}
		return p, p.TotalPage, nil
	})

	seen := 0
	for it.Next(ctx) {
		p := it.Value()
		if p.Community != nil {
			if err := s.recordCommunity(ctx, x, c, p.Community); err != nil {
				return err
			}
		}
		for _, row := range p.Houses {
			tracked, err := s.trackHouse(ctx, x, c, houses, row)
			if err != nil {
				return err
			}
			if tracked {
				seen++
			}
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	missing, err := x.Session.MarkMissingHouses(ctx, c.ID, x.Batch.BatchNumber-1)
	if err != nil {
		return err
	}
	log.Printf("[LJ] %s: %d houses seen, %d gone", c.Name, seen, missing)
	return nil
}

func (s *Source) recordCommunity(ctx context.Context, x *batch.Execution, c *domain.Community, info *CommunityInfo) error {
	c.AveragePrice = info.AveragePrice
	c.HouseAvailable = info.HouseAvailable
	c.SoldLastSeason = info.SoldLastSeason
	c.ViewLastMonth = info.ViewLastMonth
	if err := x.Session.UpdateCommunity(ctx, c); err != nil {
		return err
	}
	return x.Session.UpsertCommunityRecord(ctx, &domain.CommunityRecord{
		CommunityID:    c.ID,
		BatchJobID:     x.Batch.ID,
		BatchNumber:    x.Batch.BatchNumber,
		AveragePrice:   info.AveragePrice,
		HouseAvailable: info.HouseAvailable,
		SoldLastSeason: info.SoldLastSeason,
		ViewLastMonth:  info.ViewLastMonth,
	})
}

// trackHouse records one listing. A house already seen in this batch, on
// an earlier page or by an earlier attempt, is skipped.
func (s *Source) trackHouse(ctx context.Context, x *batch.Execution, c *domain.Community, houses map[string]*domain.House, row HouseRow) (bool, error) {
	cur := x.Batch.BatchNumber
	h, known := houses[row.OuterID]
	if known && h.LastBatchNumber == cur {
		return false, nil
	}

	record := &domain.HouseRecord{
		CommunityID: c.ID,
		BatchJobID:  x.Batch.ID,
		BatchNumber: cur,
		Price:       row.Price,
	}
	if known {
		record.PriceChange = sql.NullInt64{Int64: int64(row.Price - h.Price), Valid: true}
		h.IsNew = false
		if !h.Available {
			h.Available = true
			h.AvailableChangeTimes++
		}
	} else {
		h = &domain.House{
			CommunityID: c.ID,
			OuterID:     row.OuterID,
			PriceOrigin: row.Price,
			IsNew:       true,
			Available:   true,
		}
	}
	h.Price = row.Price
	h.Area, h.Room, h.Floor, h.BuildYear = row.Area, row.Room, row.Floor, row.BuildYear
	h.LastBatchNumber = cur

	if s.config.LoadDetail {
		views, err := s.houseViews(ctx, x, row.OuterID)
		if err != nil {
			return false, err
		}
		h.ViewLastWeek, h.ViewLastMonth = views.LastWeek, views.LastMonth
		record.ViewLastWeek, record.ViewLastMonth = views.LastWeek, views.LastMonth
	}

	if known {
		if err := x.Session.UpdateHouse(ctx, h); err != nil {
			return false, err
		}
	} else if err := x.Session.InsertHouse(ctx, h); err != nil {
		return false, err
	}
	record.HouseID = h.ID
	if err := x.Session.InsertHouseRecord(ctx, record); err != nil {
		return false, err
	}
	houses[row.OuterID] = h
	return true, nil
}

func (s *Source) houseViews(ctx context.Context, x *batch.Execution, outerID string) (*HouseViews, error) {
	body, err := x.GetWebPage(ctx, batch.Target{
		URL:     s.houseURL(outerID),
		DiskURI: fmt.Sprintf("h-%s.html", outerID),
	}, true)
	if err != nil {
		return nil, err
	}
	return s.parser.ParseHouse(body, outerID)
}
