package pushlog

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/jdziat/treeherder-ingest/pkg/core"
	"github.com/jdziat/treeherder-ingest/pkg/internal/fetch"
)

// DefaultBaseURL is the Mercurial host serving push logs.
const DefaultBaseURL = "https://hg.mozilla.org"

var (
	changesetLine = regexp.MustCompile(`Changeset ([0-9a-f]{12})`)
	dateLine      = regexp.MustCompile(`([0-9]{4}-[0-9]{2}-[0-9]{2})T([0-9]{2}:[0-9]{2}:[0-9]{2})Z`)
)

// Option configures a Reader.
type Option interface {
	apply(*Reader)
}

type optionFunc func(*Reader)

func (f optionFunc) apply(r *Reader) { f(r) }

// WithBaseURL overrides the push-log host.
func WithBaseURL(url string) Option {
	return optionFunc(func(r *Reader) {
		r.baseURL = strings.TrimRight(url, "/")
	})
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return optionFunc(func(r *Reader) {
		r.client = c
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(r *Reader) {
		r.logger = l
	})
}

// Reader fetches push logs for the branches of a branch table.
type Reader struct {
	branches core.BranchTable
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
}

// NewReader creates a Reader for the given branch table.
func NewReader(branches core.BranchTable, opts ...Option) *Reader {
	r := &Reader{
		branches: branches,
		baseURL:  DefaultBaseURL,
		client:   fetch.NewClient(fetch.DefaultTimeout),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(r)
	}
	return r
}

// URL returns the push-log URL for branch, filtered to start's UTC day.
func (r *Reader) URL(branch string, start time.Time) (string, error) {
	path, err := r.branches.Path(branch)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/pushlog?startdate=%s&tipsonly=1",
		r.baseURL, path, start.UTC().Format(time.DateOnly)), nil
}

// FetchPushes returns the pushes to branch dated at or after start.
func (r *Reader) FetchPushes(ctx context.Context, branch string, start time.Time) ([]core.PushRecord, error) {
	url, err := r.URL(branch, start)
	if err != nil {
		return nil, err
	}

	body, err := fetch.Get(ctx, r.client, url, "")
	if err != nil {
		return nil, fmt.Errorf("pushlog %s: %w", branch, err)
	}

	pushes, err := Parse(bytes.NewReader(body), start)
	if err != nil {
		return nil, fmt.Errorf("pushlog %s: %w", branch, err)
	}
	r.logger.Debug("read push log", "branch", branch, "pushes", len(pushes), "url", url)
	return pushes, nil
}

// Parse scans a push-log body and pairs revision markers with date markers.
//
// A second revision marker replaces an unpaired one. A date seen while no
// revision is pending is dropped, as is a date before start (the pending
// revision is kept for the next date). A revision never followed by a
// qualifying date is not emitted.
func Parse(body io.Reader, start time.Time) ([]core.PushRecord, error) {
	start = start.UTC()

	var (
		pushes  []core.PushRecord
		pending string
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if m := changesetLine.FindStringSubmatch(line); m != nil {
			pending = m[1]
		}

		m := dateLine.FindStringSubmatch(line)
		if m == nil || pending == "" {
			continue
		}
		date, err := time.Parse(time.DateOnly+"T"+time.TimeOnly, m[1]+"T"+m[2])
		if err != nil || date.Before(start) {
			continue
		}

		pushes = append(pushes, core.PushRecord{Revision: pending, PushDate: date})
		pending = ""
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan push log: %w", err)
	}
	return pushes, nil
}
