package domain

import "database/sql"

// District is a region whose listing search is paginated by the FD source
type District struct {
	ID      int64
	Source  BatchType
	OuterID string
	Name    string
}

// Community is a residential project or compound tracked by a source
type Community struct {
	ID         int64
	Source     BatchType
	DistrictID int64
	OuterID    string
	Name       string
	Location   string
	AreaName   string
	Company    string

	TotalNumber int
	TotalArea   float64

	// FD only
	TrackPresale   bool
	PresaleURLName string

	// LJ only
	AveragePrice   int
	HouseAvailable int
	SoldLastSeason int
	ViewLastMonth  int
}

// PresalePermit is a presale licence published for an FD community
type PresalePermit struct {
	ID           int64
	CommunityID  int64
	SerialNumber string
	Description  string
	SaleDate     string
	TotalNumber  int
	NormalNumber int
	TotalArea    float64
	NormalArea   float64
	Status       string
	BatchNumber  int
}

// House is a single LJ listing within a community
type House struct {
	ID          int64
	CommunityID int64
	OuterID     string
	Area        float64
	Room        string
	Floor       string
	BuildYear   int

	PriceOrigin     int
	Price           int
	LastBatchNumber int

	IsNew                bool
	Available            bool
	AvailableChangeTimes int

	ViewLastMonth int
	ViewLastWeek  int
}

// CommunityRecord holds per-batch community figures. NewNumber and
// MissingNumber are recomputed from house rows after the batch settles.
type CommunityRecord struct {
	ID             int64
	CommunityID    int64
	BatchJobID     int64
	BatchNumber    int
	AveragePrice   int
	HouseAvailable int
	SoldLastSeason int
	ViewLastMonth  int
	NewNumber      int
	MissingNumber  int
}

// HouseRecord holds the per-batch observation of a house
type HouseRecord struct {
	ID            int64
	HouseID       int64
	CommunityID   int64
	BatchJobID    int64
	BatchNumber   int
	Price         int
	PriceChange   sql.NullInt64
	ViewLastMonth int
	ViewLastWeek  int
}
