package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/treeherder-ingest/pkg/core"
	"github.com/jdziat/treeherder-ingest/pkg/pushlog"
	"github.com/jdziat/treeherder-ingest/pkg/storage"
	"github.com/jdziat/treeherder-ingest/pkg/transform"
	"github.com/jdziat/treeherder-ingest/pkg/treeherder"
	"github.com/jdziat/treeherder-ingest/pkg/treeherder/treeherdertest"
)

var (
	testNow  = time.Date(2015, 12, 1, 15, 0, 0, 0, time.UTC)
	pushTime = testNow.Add(-2 * time.Hour)
	clock    = func() time.Time { return testNow }
)

type harness struct {
	server   *treeherdertest.Server
	storage  *storage.GormStorage
	branches core.BranchTable
	pushes   *pushlog.Reader
	results  *treeherder.Client
}

func newHarness(t *testing.T, branches ...string) *harness {
	t.Helper()
	srv := treeherdertest.NewServer()
	t.Cleanup(srv.Close)

	db, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	store := storage.NewGormStorage(db, storage.WithClock(clock))
	require.NoError(t, store.Migrate(context.Background()))

	table := treeherdertest.Branches(branches...)
	return &harness{
		server:   srv,
		storage:  store,
		branches: table,
		pushes:   pushlog.NewReader(table, pushlog.WithBaseURL(srv.URL)),
		results:  treeherder.NewClient(treeherder.WithBaseURL(srv.URL)),
	}
}

func (h *harness) dispatcher(opts ...Option) *Dispatcher {
	opts = append([]Option{WithClock(clock)}, opts...)
	return New(h.branches, h.pushes, h.results, h.storage, opts...)
}

func successJob(id int64) treeherdertest.Job {
	return treeherdertest.Job{
		ID:                    id,
		Result:                "success",
		Platform:              "linux64",
		PlatformOption:        "opt",
		RefDataName:           "Ubuntu VM 12.04 x64 try opt test mochitest-1",
		Start:                 1448974800,
		End:                   1448975400,
		FailureClassification: 1,
		Machine:               "tst-linux64-spot-001",
		LogURL:                "https://example.org/log/1",
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "INIT", StateInit.String())
	assert.Equal(t, "CLEARING", StateClearing.String())
	assert.Equal(t, "ENQUEUEING", StateEnqueueing.String())
	assert.Equal(t, "DRAINING", StateDraining.String())
	assert.Equal(t, "DONE", StateDone.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestRun_SuccessfulJob(t *testing.T) {
	h := newHarness(t, "try")
	h.server.AddPush("try", "abc123def456", pushTime)
	job := successJob(101)
	job.FailureClassification = 0
	h.server.AddRevision("try", "abc123def456", 9001, job)

	d := h.dispatcher()
	summary, err := d.Run(context.Background(), []string{"try"}, 12*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, StateDone, d.State())
	assert.Equal(t, 1, summary.RevisionsQueued)
	assert.Equal(t, 1, summary.RevisionsCompleted)
	assert.Equal(t, 1, summary.RowsInserted)
	assert.NotEmpty(t, summary.RunID)

	rows, err := h.storage.ListRevision(context.Background(), "try", "abc123def456")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, int64(101), row.JobID)
	assert.Equal(t, "", row.BugID)
	assert.Equal(t, 0, row.FailureClassification)
	assert.Equal(t, "success", row.Result)
	assert.Equal(t, "linux64", row.Platform)
	assert.Equal(t, "opt", row.BuildType)
	assert.Equal(t, "mochitest-1", row.TestType)
	assert.Equal(t, int64(600), row.DurationSeconds)
	assert.Equal(t, "tst-linux64-spot-001", row.WorkerName)
	assert.Equal(t, "https://example.org/log/1", row.LogURL)
	assert.True(t, pushTime.Equal(row.PushDate))
}

func TestRun_FailedJobGetsBugFromLastNote(t *testing.T) {
	h := newHarness(t, "try")
	h.server.AddPush("try", "abc123def456", pushTime)
	job := successJob(102)
	job.Result = "testfailed"
	job.Notes = []string{"bug 123"}
	h.server.AddRevision("try", "abc123def456", 9002, job)

	_, err := h.dispatcher().Run(context.Background(), []string{"try"}, 12*time.Hour)
	require.NoError(t, err)

	rows, err := h.storage.ListRevision(context.Background(), "try", "abc123def456")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bug 123", rows[0].BugID)
	assert.Equal(t, "testfailed", rows[0].Result)
}

func TestRun_RerunIsIdempotent(t *testing.T) {
	h := newHarness(t, "try")
	h.server.AddPush("try", "abc123def456", pushTime)
	h.server.AddPush("try", "0123456789ab", pushTime.Add(30*time.Minute))
	h.server.AddRevision("try", "abc123def456", 1, successJob(1), successJob(2))
	h.server.AddRevision("try", "0123456789ab", 2, successJob(3))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		summary, err := h.dispatcher(Threads(3)).Run(ctx, []string{"try"}, 12*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 3, summary.RowsInserted, "pass %d", i+1)
		assert.Zero(t, summary.Duplicates)
	}

	n, err := h.storage.Count(context.Background(), "try")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRun_SkipsUnknownAndPlatformless(t *testing.T) {
	h := newHarness(t, "try")
	h.server.AddPush("try", "abc123def456", pushTime)
	unknown := successJob(2)
	unknown.Result = "unknown"
	noPlatform := successJob(3)
	noPlatform.Platform = ""
	h.server.AddRevision("try", "abc123def456", 1, successJob(1), unknown, noPlatform)

	summary, err := h.dispatcher().Run(context.Background(), []string{"try"}, 12*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, 1, summary.RowsInserted)
	assert.Equal(t, 2, summary.RecordsSkipped)
}

func TestRun_FailingPushLogSkipsBranch(t *testing.T) {
	h := newHarness(t, "try", "fx-team")
	h.server.FailPath("/fx-team/pushlog", http.StatusInternalServerError)
	h.server.AddPush("try", "abc123def456", pushTime)
	h.server.AddRevision("try", "abc123def456", 1, successJob(1))

	var mu sync.Mutex
	var branchFailures []string
	observer := ObserverFunc(func(e core.Event) {
		if bf, ok := e.(*core.BranchFailed); ok {
			mu.Lock()
			branchFailures = append(branchFailures, bf.Branch)
			mu.Unlock()
		}
	})

	summary, err := h.dispatcher(WithObserver(observer)).
		Run(context.Background(), []string{"fx-team", "try"}, 12*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, []string{"fx-team"}, summary.FailedBranches)
	assert.Equal(t, 1, summary.RowsInserted)
	assert.Equal(t, []string{"fx-team"}, branchFailures)
}

func TestRun_FailingRevisionIsCounted(t *testing.T) {
	h := newHarness(t, "try")
	h.server.AddPush("try", "abc123def456", pushTime)
	h.server.AddPush("try", "0123456789ab", pushTime)
	h.server.AddRevision("try", "abc123def456", 1, successJob(1))
	// 0123456789ab has no result set.

	var completed, failed int
	var mu sync.Mutex
	observer := ObserverFunc(func(e core.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev := e.(type) {
		case *core.RevisionCompleted:
			completed++
			assert.Equal(t, 1, ev.Stats.Inserted)
		case *core.RevisionFailed:
			failed++
			assert.ErrorIs(t, ev.Error, core.ErrNoResultSet)
		}
	})

	summary, err := h.dispatcher(WithObserver(observer), Threads(2)).
		Run(context.Background(), []string{"try"}, 12*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, 2, summary.RevisionsQueued)
	assert.Equal(t, 1, summary.RevisionsCompleted)
	assert.Equal(t, 1, summary.RevisionsFailed)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
}

func TestRun_ClearsWindowBeforeReinsert(t *testing.T) {
	h := newHarness(t, "try")
	ctx := context.Background()
	stale := &core.JobResult{JobID: 500, Result: "success", Platform: "linux64",
		Branch: "try", Revision: "ffffffffffff", PushDate: testNow.Add(-time.Hour)}
	kept := &core.JobResult{JobID: 501, Result: "success", Platform: "linux64",
		Branch: "try", Revision: "eeeeeeeeeeee", PushDate: testNow.Add(-48 * time.Hour)}
	require.NoError(t, h.storage.Insert(ctx, stale))
	require.NoError(t, h.storage.Insert(ctx, kept))

	summary, err := h.dispatcher().Run(ctx, []string{"try"}, 12*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.RowsCleared)
	n, err := h.storage.Count(ctx, "try")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRun_DryRunLeavesStoreAlone(t *testing.T) {
	h := newHarness(t, "try")
	ctx := context.Background()
	existing := &core.JobResult{JobID: 500, Result: "success", Platform: "linux64",
		Branch: "try", Revision: "ffffffffffff", PushDate: testNow.Add(-time.Hour)}
	require.NoError(t, h.storage.Insert(ctx, existing))
	h.server.AddPush("try", "abc123def456", pushTime)
	h.server.AddRevision("try", "abc123def456", 1, successJob(1))

	summary, err := h.dispatcher(DryRun(true)).Run(ctx, []string{"try"}, 12*time.Hour)

	require.NoError(t, err)
	assert.Zero(t, summary.RowsCleared)
	assert.Zero(t, summary.RowsInserted)
	assert.Equal(t, 1, summary.RevisionsCompleted)
	n, err := h.storage.Count(ctx, "try")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRun_UnknownBranchMakesNoRequests(t *testing.T) {
	h := newHarness(t, "try")

	_, err := h.dispatcher().Run(context.Background(), []string{"nope"}, 12*time.Hour)

	assert.ErrorIs(t, err, core.ErrUnknownBranch)
	assert.Zero(t, h.server.Requests())
}

type failingStore struct {
	core.Storage
	err error
}

func (f failingStore) ClearWindow(context.Context, string, time.Time) (int64, error) {
	return 0, f.err
}

func TestRun_ClearFailureIsFatal(t *testing.T) {
	h := newHarness(t, "try")
	h.server.AddPush("try", "abc123def456", pushTime)
	boom := errors.New("database is locked")

	d := New(h.branches, h.pushes, h.results, failingStore{Storage: h.storage, err: boom}, WithClock(clock))
	_, err := d.Run(context.Background(), []string{"try"}, 12*time.Hour)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateDone, d.State())
	assert.Zero(t, h.server.Requests(), "no push log is read after a failed clear")
}

type blockingResults struct {
	ResultSource
	started chan struct{}
	once    sync.Once
}

func (b *blockingResults) FetchRevision(ctx context.Context, _, _ string) (*core.JobList, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_CancelDropsQueuedRevisions(t *testing.T) {
	h := newHarness(t, "try")
	for _, rev := range []string{"aaaaaaaaaaaa", "bbbbbbbbbbbb", "cccccccccccc"} {
		h.server.AddPush("try", rev, pushTime)
	}
	results := &blockingResults{ResultSource: h.results, started: make(chan struct{})}
	d := New(h.branches, h.pushes, results, h.storage, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-results.started
		cancel()
	}()

	summary, err := d.Run(ctx, []string{"try"}, 12*time.Hour)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, summary.RevisionsQueued)
	assert.Equal(t, 1, summary.RevisionsFailed+summary.RevisionsCompleted)
	assert.Equal(t, 2, summary.RevisionsDropped)
}

func TestProcessRevision_MissingColumnFails(t *testing.T) {
	h := newHarness(t, "try")
	results := staticResults{list: &core.JobList{
		PropertyNames: []string{"id", "result"},
		Results:       [][]any{{1, "success"}},
	}}
	d := New(h.branches, h.pushes, results, h.storage)

	_, err := d.ProcessRevision(context.Background(), core.JobSpec{Branch: "try", Revision: "abc123def456", PushDate: pushTime})

	assert.ErrorIs(t, err, core.ErrMissingColumn)
}

func TestProcessRevision_EmptyListStoresNothing(t *testing.T) {
	h := newHarness(t, "try")
	d := New(h.branches, h.pushes, staticResults{list: &core.JobList{}}, h.storage)

	report, err := d.ProcessRevision(context.Background(), core.JobSpec{Branch: "try", Revision: "abc123def456", PushDate: pushTime})

	require.NoError(t, err)
	assert.Equal(t, core.InsertStats{}, report.Stats)
	assert.Nil(t, report.RecordErrors)
}

type staticResults struct {
	transform.Annotator
	list *core.JobList
}

func (s staticResults) FetchRevision(context.Context, string, string) (*core.JobList, error) {
	return s.list, nil
}

func TestRun_ManyRevisionsManyWorkers(t *testing.T) {
	h := newHarness(t, "try")
	const revisions = 40
	for i := range revisions {
		rev := fmt.Sprintf("%012x", 0xa00000000000+i)
		h.server.AddPush("try", rev, pushTime.Add(time.Duration(i)*time.Minute))
		h.server.AddRevision("try", rev, int64(1000+i), successJob(int64(2*i+1)), successJob(int64(2*i+2)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for pass := 1; pass <= 2; pass++ {
		summary, err := h.dispatcher(Threads(8)).Run(ctx, []string{"try"}, 12*time.Hour)
		require.NoError(t, err, "pass %d", pass)
		assert.Equal(t, revisions, summary.RevisionsQueued)
		assert.Equal(t, revisions, summary.RevisionsStarted)
		assert.Equal(t, revisions, summary.RevisionsCompleted)
		assert.Equal(t, 2*revisions, summary.RowsInserted, "pass %d", pass)
		assert.Zero(t, summary.Duplicates)
	}

	n, err := h.storage.Count(ctx, "try")
	require.NoError(t, err)
	assert.Equal(t, int64(2*revisions), n)
}

type staticPushes []core.PushRecord

func (s staticPushes) FetchPushes(context.Context, string, time.Time) ([]core.PushRecord, error) {
	return s, nil
}

func TestRun_MalformedRevisionIsNotQueued(t *testing.T) {
	h := newHarness(t, "try")
	h.server.AddRevision("try", "abc123def456", 1, successJob(1))
	pushes := staticPushes{
		{Revision: "abc123def456", PushDate: pushTime},
		{Revision: "../../etc", PushDate: pushTime},
	}

	d := New(h.branches, pushes, h.results, h.storage, WithClock(clock))
	summary, err := d.Run(context.Background(), []string{"try"}, 12*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, 1, summary.RevisionsQueued)
	assert.Equal(t, 1, summary.RevisionsRejected)
	assert.Equal(t, 1, summary.RowsInserted)
}

// partialStore stores the first row of each revision and then fails.
type partialStore struct {
	core.Storage
	err error
}

func (p partialStore) InsertRevision(ctx context.Context, spec core.JobSpec, rows []*core.JobResult, total int) (core.InsertStats, error) {
	stats, err := p.Storage.InsertRevision(ctx, spec, rows[:1], total)
	if err != nil {
		return stats, err
	}
	return stats, p.err
}

func TestRun_StoreFailureKeepsPartialCounts(t *testing.T) {
	h := newHarness(t, "try")
	h.server.AddPush("try", "abc123def456", pushTime)
	h.server.AddRevision("try", "abc123def456", 1, successJob(1), successJob(2))
	boom := errors.New("connection reset")

	d := New(h.branches, h.pushes, h.results, partialStore{Storage: h.storage, err: boom}, WithClock(clock))
	summary, err := d.Run(context.Background(), []string{"try"}, 12*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, 1, summary.RevisionsFailed)
	assert.Equal(t, 1, summary.RowsInserted)
	n, err := h.storage.Count(context.Background(), "try")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
