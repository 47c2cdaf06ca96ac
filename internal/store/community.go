package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/project-tktt/house-tracker/internal/domain"
)

const communityColumns = `id, source, district_id, outer_id, name, location, area_name, company,
	total_number, total_area, track_presale, presale_url_name,
	average_price, house_available, sold_last_season, view_last_month`

func scanCommunity(row interface{ Scan(...any) error }) (*domain.Community, error) {
	var c domain.Community
	var source string
	if err := row.Scan(&c.ID, &source, &c.DistrictID, &c.OuterID, &c.Name, &c.Location, &c.AreaName, &c.Company,
		&c.TotalNumber, &c.TotalArea, &c.TrackPresale, &c.PresaleURLName,
		&c.AveragePrice, &c.HouseAvailable, &c.SoldLastSeason, &c.ViewLastMonth); err != nil {
		return nil, err
	}
	c.Source = domain.BatchType(source)
	return &c, nil
}

// UpsertDistrict inserts or renames a district keyed by (source, outer_id) and loads its id
func (s *Session) UpsertDistrict(ctx context.Context, d *domain.District) error {
	if _, err := s.ExecContext(ctx,
		`INSERT INTO district (source, outer_id, name) VALUES ($1, $2, $3)
		 ON CONFLICT (source, outer_id) DO UPDATE SET name = excluded.name`,
		string(d.Source), d.OuterID, d.Name); err != nil {
		return fmt.Errorf("upsert district %s: %w", d.OuterID, err)
	}
	if err := s.QueryRowContext(ctx,
		`SELECT id FROM district WHERE source = $1 AND outer_id = $2`,
		string(d.Source), d.OuterID).Scan(&d.ID); err != nil {
		return fmt.Errorf("load district %s: %w", d.OuterID, err)
	}
	return nil
}

// ListDistricts returns the districts of a source ordered by outer id
func (s *Session) ListDistricts(ctx context.Context, source domain.BatchType) ([]*domain.District, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT id, source, outer_id, name FROM district WHERE source = $1 ORDER BY outer_id`,
		string(source))
	if err != nil {
		return nil, fmt.Errorf("query districts: %w", err)
	}
	defer rows.Close()

	var districts []*domain.District
	for rows.Next() {
		var d domain.District
		var src string
		if err := rows.Scan(&d.ID, &src, &d.OuterID, &d.Name); err != nil {
			return nil, fmt.Errorf("scan district: %w", err)
		}
		d.Source = domain.BatchType(src)
		districts = append(districts, &d)
	}
	return districts, rows.Err()
}

// GetDistrict loads a district by id
func (s *Session) GetDistrict(ctx context.Context, id int64) (*domain.District, error) {
	var d domain.District
	var src string
	if err := s.QueryRowContext(ctx,
		`SELECT id, source, outer_id, name FROM district WHERE id = $1`, id,
	).Scan(&d.ID, &src, &d.OuterID, &d.Name); err != nil {
		return nil, fmt.Errorf("query district %d: %w", id, err)
	}
	d.Source = domain.BatchType(src)
	return &d, nil
}

// GetCommunity loads a community by id
func (s *Session) GetCommunity(ctx context.Context, id int64) (*domain.Community, error) {
	c, err := scanCommunity(s.QueryRowContext(ctx,
		`SELECT `+communityColumns+` FROM community WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("query community %d: %w", id, err)
	}
	return c, nil
}

// FindCommunity loads a community by its site id, or nil
func (s *Session) FindCommunity(ctx context.Context, source domain.BatchType, outerID string) (*domain.Community, error) {
	c, err := scanCommunity(s.QueryRowContext(ctx,
		`SELECT `+communityColumns+` FROM community WHERE source = $1 AND outer_id = $2`,
		string(source), outerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query community %s: %w", outerID, err)
	}
	return c, nil
}

// ListCommunities returns the communities of a source. A non-empty
// districtIDs restricts the result, trackedOnly keeps presale-tracked ones.
func (s *Session) ListCommunities(ctx context.Context, source domain.BatchType, districtIDs []int64, trackedOnly bool) ([]*domain.Community, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT `+communityColumns+` FROM community WHERE source = $1 ORDER BY id`, string(source))
	if err != nil {
		return nil, fmt.Errorf("query communities: %w", err)
	}
	defer rows.Close()

	allowed := make(map[int64]bool, len(districtIDs))
	for _, id := range districtIDs {
		allowed[id] = true
	}

	var communities []*domain.Community
	for rows.Next() {
		c, err := scanCommunity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan community: %w", err)
		}
		if len(allowed) > 0 && !allowed[c.DistrictID] {
			continue
		}
		if trackedOnly && !c.TrackPresale {
			continue
		}
		communities = append(communities, c)
	}
	return communities, rows.Err()
}

// InsertCommunity creates a community row
func (s *Session) InsertCommunity(ctx context.Context, c *domain.Community) error {
	err := s.QueryRowContext(ctx,
		`INSERT INTO community (source, district_id, outer_id, name, location, area_name, company,
			total_number, total_area, track_presale, presale_url_name,
			average_price, house_available, sold_last_season, view_last_month)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15) RETURNING id`,
		string(c.Source), c.DistrictID, c.OuterID, c.Name, c.Location, c.AreaName, c.Company,
		c.TotalNumber, c.TotalArea, c.TrackPresale, c.PresaleURLName,
		c.AveragePrice, c.HouseAvailable, c.SoldLastSeason, c.ViewLastMonth,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert community %s: %w", c.OuterID, err)
	}
	return nil
}

// UpdateCommunity persists every mutable column of a community
func (s *Session) UpdateCommunity(ctx context.Context, c *domain.Community) error {
	if _, err := s.ExecContext(ctx,
		`UPDATE community SET district_id = $1, name = $2, location = $3, area_name = $4, company = $5,
			total_number = $6, total_area = $7, track_presale = $8, presale_url_name = $9,
			average_price = $10, house_available = $11, sold_last_season = $12, view_last_month = $13
		 WHERE id = $14`,
		c.DistrictID, c.Name, c.Location, c.AreaName, c.Company,
		c.TotalNumber, c.TotalArea, c.TrackPresale, c.PresaleURLName,
		c.AveragePrice, c.HouseAvailable, c.SoldLastSeason, c.ViewLastMonth, c.ID,
	); err != nil {
		return fmt.Errorf("update community %d: %w", c.ID, err)
	}
	return nil
}

// PresaleSerials returns the known permit serial numbers of a community
func (s *Session) PresaleSerials(ctx context.Context, communityID int64) (map[string]bool, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT serial_number FROM presale_permit WHERE community_id = $1`, communityID)
	if err != nil {
		return nil, fmt.Errorf("query presale permits: %w", err)
	}
	defer rows.Close()

	serials := make(map[string]bool)
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return nil, fmt.Errorf("scan presale permit: %w", err)
		}
		serials[serial] = true
	}
	return serials, rows.Err()
}

// InsertPresalePermit creates a permit row
func (s *Session) InsertPresalePermit(ctx context.Context, p *domain.PresalePermit) error {
	err := s.QueryRowContext(ctx,
		`INSERT INTO presale_permit (community_id, serial_number, description, sale_date,
			total_number, normal_number, total_area, normal_area, status, batch_number)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		p.CommunityID, p.SerialNumber, p.Description, p.SaleDate,
		p.TotalNumber, p.NormalNumber, p.TotalArea, p.NormalArea, p.Status, p.BatchNumber,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert presale permit %s: %w", p.SerialNumber, err)
	}
	return nil
}

// CountPresalePermits returns the number of permits of a community
func (s *Session) CountPresalePermits(ctx context.Context, communityID int64) (int, error) {
	var n int
	if err := s.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM presale_permit WHERE community_id = $1`, communityID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count presale permits: %w", err)
	}
	return n, nil
}
