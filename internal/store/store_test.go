package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/project-tktt/house-tracker/internal/domain"
	"github.com/project-tktt/house-tracker/internal/store"
	"github.com/project-tktt/house-tracker/internal/store/storetest"
)

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := store.Open(context.Background(), "mysql", "root@/tracker")
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestMigrate_IsIdempotent(t *testing.T) {
	st := storetest.New(t)
	path := t.TempDir() + "/again.db"
	require.NoError(t, store.Migrate(store.DriverSQLite, path))
	require.NoError(t, store.Migrate(store.DriverSQLite, path))
	assert.Equal(t, store.DriverSQLite, st.Driver())
}

func TestBatchJob_LatestAndUniqueGeneration(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	s := st.NewSession()
	defer s.Close()

	latest, err := s.LatestBatchJob(ctx, domain.BatchLJ)
	require.NoError(t, err)
	assert.Nil(t, latest)

	for _, n := range []int{1, 2} {
		require.NoError(t, s.InsertBatchJob(ctx, &domain.BatchJob{Type: domain.BatchLJ, BatchNumber: n, Status: domain.BatchFinished}))
	}
	require.NoError(t, s.InsertBatchJob(ctx, &domain.BatchJob{Type: domain.BatchFD, BatchNumber: 5, Status: domain.BatchReady}))
	require.NoError(t, s.Commit())

	latest, err = s.LatestBatchJob(ctx, domain.BatchLJ)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.BatchNumber)
	assert.Equal(t, domain.BatchFinished, latest.Status)

	err = s.InsertBatchJob(ctx, &domain.BatchJob{Type: domain.BatchLJ, BatchNumber: 2, Status: domain.BatchReady})
	assert.Error(t, err, "a generation number is taken once per type")
	require.NoError(t, s.Rollback())

	latest.Status = domain.BatchRunning
	require.NoError(t, s.UpdateBatchJobStatus(ctx, latest))
	got, err := s.GetBatchJob(ctx, latest.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchRunning, got.Status)
	require.NoError(t, s.Commit())
}

func TestJob_Lifecycle(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	b := storetest.Batch(t, st, domain.BatchLJ, 1, domain.BatchRunning)
	s := st.NewSession()
	defer s.Close()

	spec := domain.JobSpec{Kind: "lj.community", RefID: 42}
	missing, err := s.FindJob(ctx, b.ID, spec)
	require.NoError(t, err)
	assert.Nil(t, missing)

	job := &domain.Job{Kind: spec.Kind, RefID: spec.RefID}
	require.NoError(t, s.InsertJob(ctx, b, job))
	assert.Equal(t, domain.JobReady, job.Status)
	assert.Equal(t, b.BatchNumber, job.BatchNumber)

	job.Status = domain.JobRunning
	job.TargetURI = "http://sh.lianjia.com/ershoufang/d2q42s20"
	job.Params.EnsureCursor().NextPage = 3
	job.Params.Cursor.TotalPage = 5
	require.NoError(t, s.SaveJob(ctx, job))

	found, err := s.FindJob(ctx, b.ID, spec)
	require.NoError(t, err)
	assert.Equal(t, job.ID, found.ID)
	assert.Equal(t, &domain.PageCursor{NextPage: 3, TotalPage: 5}, found.Params.Cursor)
	assert.Nil(t, found.Params.Listing)

	// a failed attempt keeps the parameters of its last checkpoint
	job.Params.Cursor.NextPage = 4
	job.TargetURI = "http://sh.lianjia.com/ershoufang/d4q42s20"
	require.NoError(t, s.MarkJobFailed(ctx, job))
	failed, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, failed.Status)
	assert.Equal(t, 3, failed.Params.Cursor.NextPage)
	assert.Equal(t, job.TargetURI, failed.TargetURI)

	for ref, status := range map[int64]domain.JobStatus{
		43: domain.JobFinished,
		44: domain.JobRunning, // left behind by a crashed process
		45: domain.JobReady,
	} {
		require.NoError(t, s.InsertJob(ctx, b, &domain.Job{Kind: spec.Kind, RefID: ref, Status: status}))
	}

	n, err := s.PromoteStaleJobs(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	counts, err := s.CountJobsByStatus(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"retry": 2, "finished": 1, "ready": 1}, counts)

	jobs, err := s.ListJobs(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	assert.Equal(t, job.ID, jobs[0].ID)

	err = s.InsertJob(ctx, b, &domain.Job{Kind: spec.Kind, RefID: spec.RefID})
	assert.Error(t, err, "a unit of work exists once per batch")

	bogus := &domain.Job{Kind: spec.Kind, RefID: 46, Status: "paused"}
	require.NoError(t, s.InsertJob(ctx, b, bogus))
	_, err = s.GetJob(ctx, bogus.ID)
	assert.ErrorContains(t, err, `unknown status "paused"`)
}

func TestCommunity_Repository(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	s := st.NewSession()
	defer s.Close()

	d := &domain.District{Source: domain.BatchFD, OuterID: "7", Name: "杨浦"}
	require.NoError(t, s.UpsertDistrict(ctx, d))
	d.Name = "杨浦区"
	require.NoError(t, s.UpsertDistrict(ctx, d))
	districts, err := s.ListDistricts(ctx, domain.BatchFD)
	require.NoError(t, err)
	require.Len(t, districts, 1)
	assert.Equal(t, "杨浦区", districts[0].Name)

	none, err := s.FindCommunity(ctx, domain.BatchFD, "8629")
	require.NoError(t, err)
	assert.Nil(t, none)

	tracked := &domain.Community{Source: domain.BatchFD, DistrictID: districts[0].ID, OuterID: "8629", Name: "嘉誉都汇广场", TrackPresale: true}
	untracked := &domain.Community{Source: domain.BatchFD, DistrictID: districts[0].ID, OuterID: "8630", Name: "新江湾城"}
	require.NoError(t, s.InsertCommunity(ctx, tracked))
	require.NoError(t, s.InsertCommunity(ctx, untracked))

	list, err := s.ListCommunities(ctx, domain.BatchFD, []int64{districts[0].ID}, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "8629", list[0].OuterID)

	list, err = s.ListCommunities(ctx, domain.BatchFD, []int64{districts[0].ID + 1}, false)
	require.NoError(t, err)
	assert.Empty(t, list)

	tracked.PresaleURLName = "嘉誉都汇广场"
	require.NoError(t, s.UpdateCommunity(ctx, tracked))
	got, err := s.GetCommunity(ctx, tracked.ID)
	require.NoError(t, err)
	assert.Equal(t, tracked, got)

	serials, err := s.PresaleSerials(ctx, tracked.ID)
	require.NoError(t, err)
	assert.NotNil(t, serials)
	assert.Empty(t, serials)

	require.NoError(t, s.InsertPresalePermit(ctx, &domain.PresalePermit{CommunityID: tracked.ID, SerialNumber: "2017-001", BatchNumber: 1}))
	serials, err = s.PresaleSerials(ctx, tracked.ID)
	require.NoError(t, err)
	assert.True(t, serials["2017-001"])
	n, err := s.CountPresalePermits(ctx, tracked.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, s.Commit())
}

func TestHouse_MarkMissing(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	s := st.NewSession()
	defer s.Close()

	c := &domain.Community{Source: domain.BatchLJ, OuterID: "5011", Name: "鹏欣一品"}
	require.NoError(t, s.InsertCommunity(ctx, c))

	seen := &domain.House{CommunityID: c.ID, OuterID: "sh1", Price: 400, LastBatchNumber: 2, Available: true}
	gone := &domain.House{CommunityID: c.ID, OuterID: "sh2", Price: 300, LastBatchNumber: 1, Available: true, IsNew: true}
	old := &domain.House{CommunityID: c.ID, OuterID: "sh3", Price: 200, LastBatchNumber: 1, AvailableChangeTimes: 1}
	for _, h := range []*domain.House{seen, gone, old} {
		require.NoError(t, s.InsertHouse(ctx, h))
	}

	n, err := s.MarkMissingHouses(ctx, c.ID, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// a rerun does not count the same house again
	n, err = s.MarkMissingHouses(ctx, c.ID, 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	houses, err := s.HousesByOuterID(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, houses["sh2"].Available)
	assert.False(t, houses["sh2"].IsNew)
	assert.Equal(t, 1, houses["sh2"].AvailableChangeTimes)
	assert.True(t, houses["sh1"].Available)
	assert.Equal(t, 1, houses["sh3"].AvailableChangeTimes)
	require.NoError(t, s.Commit())
}
