package store

import (
	"context"
	"fmt"

	"github.com/project-tktt/house-tracker/internal/domain"
)

const houseColumns = `id, community_id, outer_id, area, room, floor, build_year, price_origin, price,
	last_batch_number, is_new, available, available_change_times, view_last_month, view_last_week`

// HousesByOuterID returns the houses of a community keyed by site id
func (s *Session) HousesByOuterID(ctx context.Context, communityID int64) (map[string]*domain.House, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT `+houseColumns+` FROM house WHERE community_id = $1`, communityID)
	if err != nil {
		return nil, fmt.Errorf("query houses: %w", err)
	}
	defer rows.Close()

	houses := make(map[string]*domain.House)
	for rows.Next() {
		var h domain.House
		if err := rows.Scan(&h.ID, &h.CommunityID, &h.OuterID, &h.Area, &h.Room, &h.Floor, &h.BuildYear,
			&h.PriceOrigin, &h.Price, &h.LastBatchNumber, &h.IsNew, &h.Available,
			&h.AvailableChangeTimes, &h.ViewLastMonth, &h.ViewLastWeek); err != nil {
			return nil, fmt.Errorf("scan house: %w", err)
		}
		houses[h.OuterID] = &h
	}
	return houses, rows.Err()
}

// InsertHouse creates a house row
func (s *Session) InsertHouse(ctx context.Context, h *domain.House) error {
	err := s.QueryRowContext(ctx,
		`INSERT INTO house (community_id, outer_id, area, room, floor, build_year, price_origin, price,
			last_batch_number, is_new, available, available_change_times, view_last_month, view_last_week)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING id`,
		h.CommunityID, h.OuterID, h.Area, h.Room, h.Floor, h.BuildYear, h.PriceOrigin, h.Price,
		h.LastBatchNumber, h.IsNew, h.Available, h.AvailableChangeTimes, h.ViewLastMonth, h.ViewLastWeek,
	).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("insert house %s: %w", h.OuterID, err)
	}
	return nil
}

// UpdateHouse persists the mutable columns of a house
func (s *Session) UpdateHouse(ctx context.Context, h *domain.House) error {
	if _, err := s.ExecContext(ctx,
		`UPDATE house SET area = $1, room = $2, floor = $3, build_year = $4, price = $5,
			last_batch_number = $6, is_new = $7, available = $8, available_change_times = $9,
			view_last_month = $10, view_last_week = $11
		 WHERE id = $12`,
		h.Area, h.Room, h.Floor, h.BuildYear, h.Price,
		h.LastBatchNumber, h.IsNew, h.Available, h.AvailableChangeTimes,
		h.ViewLastMonth, h.ViewLastWeek, h.ID,
	); err != nil {
		return fmt.Errorf("update house %d: %w", h.ID, err)
	}
	return nil
}

// MarkMissingHouses flags the houses of a community last seen in
// previousBatch as gone. Only available houses are touched so that a
// rerun of the same batch does not count a house twice.
func (s *Session) MarkMissingHouses(ctx context.Context, communityID int64, previousBatch int) (int64, error) {
	res, err := s.ExecContext(ctx,
		`UPDATE house SET is_new = $1, available = $2, available_change_times = available_change_times + 1
		 WHERE community_id = $3 AND last_batch_number = $4 AND available = $5`,
		false, false, communityID, previousBatch, true)
	if err != nil {
		return 0, fmt.Errorf("mark missing houses: %w", err)
	}
	return res.RowsAffected()
}

// UpsertCommunityRecord creates or refreshes the per-batch community row.
// NewNumber and MissingNumber are left to the aggregator.
func (s *Session) UpsertCommunityRecord(ctx context.Context, r *domain.CommunityRecord) error {
	if _, err := s.ExecContext(ctx,
		`INSERT INTO community_record (community_id, batch_job_id, batch_number,
			average_price, house_available, sold_last_season, view_last_month)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (community_id, batch_job_id) DO UPDATE SET
			average_price = excluded.average_price,
			house_available = excluded.house_available,
			sold_last_season = excluded.sold_last_season,
			view_last_month = excluded.view_last_month`,
		r.CommunityID, r.BatchJobID, r.BatchNumber,
		r.AveragePrice, r.HouseAvailable, r.SoldLastSeason, r.ViewLastMonth,
	); err != nil {
		return fmt.Errorf("upsert community record %d: %w", r.CommunityID, err)
	}
	return nil
}

// ListCommunityRecords returns the community rows of a batch
func (s *Session) ListCommunityRecords(ctx context.Context, batchJobID int64) ([]*domain.CommunityRecord, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT id, community_id, batch_job_id, batch_number, average_price, house_available,
			sold_last_season, view_last_month, new_number, missing_number
		 FROM community_record WHERE batch_job_id = $1 ORDER BY community_id`, batchJobID)
	if err != nil {
		return nil, fmt.Errorf("query community records: %w", err)
	}
	defer rows.Close()

	var records []*domain.CommunityRecord
	for rows.Next() {
		var r domain.CommunityRecord
		if err := rows.Scan(&r.ID, &r.CommunityID, &r.BatchJobID, &r.BatchNumber, &r.AveragePrice,
			&r.HouseAvailable, &r.SoldLastSeason, &r.ViewLastMonth, &r.NewNumber, &r.MissingNumber); err != nil {
			return nil, fmt.Errorf("scan community record: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// InsertHouseRecord creates the per-batch observation of a house
func (s *Session) InsertHouseRecord(ctx context.Context, r *domain.HouseRecord) error {
	err := s.QueryRowContext(ctx,
		`INSERT INTO house_record (house_id, community_id, batch_job_id, batch_number,
			price, price_change, view_last_month, view_last_week)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		r.HouseID, r.CommunityID, r.BatchJobID, r.BatchNumber,
		r.Price, r.PriceChange, r.ViewLastMonth, r.ViewLastWeek,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert house record %d: %w", r.HouseID, err)
	}
	return nil
}
