// Package aggregate derives the per-batch community summary from house rows
// and cross-checks the summary against the underlying tables.
package aggregate

import (
	"context"
	"fmt"
	"log"

	"github.com/hashicorp/go-multierror"

	"github.com/project-tktt/house-tracker/internal/domain"
	"github.com/project-tktt/house-tracker/internal/store"
)

// Recompute sets new_number and missing_number of every community record
// of b in one statement. A house is new when it was first seen in b and
// missing when it was last seen in the previous generation and has been
// marked unavailable since.
func Recompute(ctx context.Context, s *store.Session, b *domain.BatchJob) error {
	res, err := s.ExecContext(ctx,
		`UPDATE community_record SET
			new_number = (SELECT COUNT(*) FROM house h
				WHERE h.community_id = community_record.community_id
				AND h.is_new = $1 AND h.last_batch_number = $2),
			missing_number = (SELECT COUNT(*) FROM house h
				WHERE h.community_id = community_record.community_id
				AND h.available = $3 AND h.last_batch_number = $4)
		 WHERE batch_job_id = $5`,
		true, b.BatchNumber, false, b.BatchNumber-1, b.ID)
	if err != nil {
		return fmt.Errorf("recompute %s: %w", b, err)
	}
	n, _ := res.RowsAffected()
	log.Printf("[Aggregate] %s: recomputed %d community records", b, n)
	return nil
}

// VerificationError lists every mismatch found in a batch summary
type VerificationError struct {
	Batch  *domain.BatchJob
	Errors *multierror.Error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verify %s: %v", e.Batch, e.Errors)
}

func (e *VerificationError) Unwrap() error { return e.Errors }

// CheckResult recounts the houses behind every community record of b and
// compares them with the stored figures:
//   - new_number and missing_number against a fresh scan of house
//   - house records without a price change against the new houses
//   - house records against the houses seen available in b
func CheckResult(ctx context.Context, s *store.Session, b *domain.BatchJob) error {
	records, err := s.ListCommunityRecords(ctx, b.ID)
	if err != nil {
		return err
	}

	var merged *multierror.Error
	for _, r := range records {
		scan, err := scanCommunity(ctx, s, b, r.CommunityID)
		if err != nil {
			return err
		}
		if r.NewNumber != scan.newHouses {
			merged = multierror.Append(merged, fmt.Errorf("community %d: new_number %d, scanned %d", r.CommunityID, r.NewNumber, scan.newHouses))
		}
		if r.MissingNumber != scan.missingHouses {
			merged = multierror.Append(merged, fmt.Errorf("community %d: missing_number %d, scanned %d", r.CommunityID, r.MissingNumber, scan.missingHouses))
		}
		if scan.firstRecords != scan.newHouses {
			merged = multierror.Append(merged, fmt.Errorf("community %d: %d house records without price change, %d new houses", r.CommunityID, scan.firstRecords, scan.newHouses))
		}
		if scan.records != scan.seenHouses {
			merged = multierror.Append(merged, fmt.Errorf("community %d: %d house records, %d houses seen", r.CommunityID, scan.records, scan.seenHouses))
		}
	}
	if merged.ErrorOrNil() == nil {
		log.Printf("[Aggregate] %s: %d community records verified", b, len(records))
		return nil
	}
	return &VerificationError{Batch: b, Errors: merged}
}

type communityScan struct {
	newHouses     int
	missingHouses int
	seenHouses    int
	records       int
	firstRecords  int
}

func scanCommunity(ctx context.Context, s *store.Session, b *domain.BatchJob, communityID int64) (communityScan, error) {
	var sc communityScan
	err := s.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN is_new = $1 AND last_batch_number = $2 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN available = $3 AND last_batch_number = $4 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN available = $5 AND last_batch_number = $6 THEN 1 ELSE 0 END), 0)
		 FROM house WHERE community_id = $7`,
		true, b.BatchNumber, false, b.BatchNumber-1, true, b.BatchNumber, communityID,
	).Scan(&sc.newHouses, &sc.missingHouses, &sc.seenHouses)
	if err != nil {
		return sc, fmt.Errorf("scan houses of community %d: %w", communityID, err)
	}

	err = s.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN price_change IS NULL THEN 1 ELSE 0 END), 0)
		 FROM house_record WHERE community_id = $1 AND batch_job_id = $2`,
		communityID, b.ID,
	).Scan(&sc.records, &sc.firstRecords)
	if err != nil {
		return sc, fmt.Errorf("scan house records of community %d: %w", communityID, err)
	}
	return sc, nil
}
