package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/jdziat/treeherder-ingest/pkg/core"
)

// Skip reasons reported in Batch.Skipped.
const (
	SkipUnknownResult = "unknown_result"
	SkipNoPlatform    = "no_platform"
	SkipError         = "error"
)

// Columns every job listing must carry.
var requiredColumns = []string{
	"id", "result", "platform", "platform_option", "ref_data_name",
	"start_timestamp", "end_timestamp", "failure_classification_id",
}

// Annotator fetches the per-job data missing from the listing.
type Annotator interface {
	Notes(ctx context.Context, branch string, jobID int64) ([]core.Note, error)
	JobDetail(ctx context.Context, branch string, jobID int64) (*core.JobDetail, error)
}

// Batch is the outcome of transforming one revision's job list.
type Batch struct {
	Rows    []*core.JobResult
	Total   int            // raw records in the listing
	Skipped map[string]int // skip reason -> count

	errs *multierror.Error
}

// Err returns the aggregated per-record failures, or nil.
func (b *Batch) Err() error {
	return b.errs.ErrorOrNil()
}

// Transformer maps raw job records to rows.
type Transformer struct {
	annotator Annotator
	logger    *slog.Logger
}

// New creates a Transformer. A nil logger uses slog.Default().
func New(a Annotator, logger *slog.Logger) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transformer{annotator: a, logger: logger}
}

// Transform converts every record of list. A failing record is skipped and
// its error collected in the batch; the remaining records are still
// converted. Only a listing that lacks a required column fails as a whole.
func (t *Transformer) Transform(ctx context.Context, spec core.JobSpec, list *core.JobList) (*Batch, error) {
	batch := &Batch{Total: len(list.Results), Skipped: make(map[string]int)}
	if len(list.Results) == 0 {
		return batch, nil
	}

	idx := list.Index()
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%w: %q", core.ErrMissingColumn, col)
		}
	}

	for _, rec := range list.Results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, reason, err := t.record(ctx, spec, record{values: rec, idx: idx})
		switch {
		case err != nil:
			batch.Skipped[SkipError]++
			batch.errs = multierror.Append(batch.errs, err)
		case reason != "":
			batch.Skipped[reason]++
		default:
			batch.Rows = append(batch.Rows, row)
		}
	}
	return batch, nil
}

func (t *Transformer) record(ctx context.Context, spec core.JobSpec, r record) (*core.JobResult, string, error) {
	jobID, err := asInt64(r.get("id"))
	if err != nil {
		return nil, "", &core.RecordError{Err: fmt.Errorf("job id: %w", err)}
	}
	fail := func(err error) (*core.JobResult, string, error) {
		return nil, "", &core.RecordError{JobID: jobID, Err: err}
	}

	result := asString(r.get("result"))
	if result == core.ResultUnknown {
		return nil, SkipUnknownResult, nil
	}

	platform := asString(r.get("platform"))
	if platform == "" {
		return nil, SkipNoPlatform, nil
	}

	end, err := asInt64(r.get("end_timestamp"))
	if err != nil {
		return fail(fmt.Errorf("end_timestamp: %w", err))
	}
	start, err := asInt64(r.get("start_timestamp"))
	if err != nil {
		return fail(fmt.Errorf("start_timestamp: %w", err))
	}

	row := &core.JobResult{
		JobID:           jobID,
		Result:          result,
		DurationSeconds: end - start,
		Platform:        platform,
		BuildType:       asString(r.get("platform_option")),
		TestType:        lastField(asString(r.get("ref_data_name"))),
		Branch:          spec.Branch,
		Revision:        spec.Revision,
		PushDate:        spec.PushDate.UTC(),
	}

	fc, err := asInt64(r.get("failure_classification_id"))
	if err != nil {
		t.logger.Warn("failure classification is not an integer, using 0",
			"job_id", jobID, "value", r.get("failure_classification_id"))
		fc = 0
	}
	row.FailureClassification = int(fc)

	if result != core.ResultSuccess {
		notes, err := t.annotator.Notes(ctx, spec.Branch, jobID)
		if err != nil {
			return fail(fmt.Errorf("notes: %w", err))
		}
		if len(notes) > 0 {
			row.BugID = notes[len(notes)-1].Note
		}
	}

	detail, err := t.annotator.JobDetail(ctx, spec.Branch, jobID)
	if err != nil {
		return fail(fmt.Errorf("detail: %w", err))
	}
	row.WorkerName = detail.MachineName
	if len(detail.Logs) > 0 {
		row.LogURL = detail.Logs[0].URL
	}

	return row, "", nil
}

type record struct {
	values []any
	idx    map[string]int
}

func (r record) get(col string) any {
	i := r.idx[col]
	if i >= len(r.values) {
		return nil
	}
	return r.values[i]
}

func lastField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func asInt64(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	case float64:
		return int64(x), nil
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}
