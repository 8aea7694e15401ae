package treeherder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jdziat/treeherder-ingest/pkg/core"
	"github.com/jdziat/treeherder-ingest/pkg/internal/fetch"
)

// DefaultBaseURL is the public Treeherder instance.
const DefaultBaseURL = "https://treeherder.mozilla.org"

// JobListLimit is the page size requested from the jobs endpoint.
const JobListLimit = 2000

// Option configures a Client.
type Option interface {
	apply(*Client)
}

type optionFunc func(*Client)

func (f optionFunc) apply(c *Client) { f(c) }

// WithBaseURL overrides the Treeherder host.
func WithBaseURL(u string) Option {
	return optionFunc(func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	})
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(h *http.Client) Option {
	return optionFunc(func(c *Client) {
		c.http = h
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Client) {
		c.logger = l
	})
}

// SuppressTLSErrors makes result-set and job-list lookups return no data,
// with a warning, when certificate verification fails.
func SuppressTLSErrors(enabled bool) Option {
	return optionFunc(func(c *Client) {
		c.suppressTLS = enabled
	})
}

// Client talks to the Treeherder API.
type Client struct {
	baseURL     string
	http        *http.Client
	logger      *slog.Logger
	suppressTLS bool
}

// NewClient creates a Treeherder client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    fetch.NewClient(fetch.DefaultTimeout),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

func (c *Client) projectURL(branch string, format string, args ...any) string {
	return c.baseURL + "/api/project/" + url.PathEscape(branch) + fmt.Sprintf(format, args...)
}

type resultSetResponse struct {
	Results []struct {
		ID json.Number `json:"id"`
	} `json:"results"`
}

// ResultSetID resolves a revision to its result set.
func (c *Client) ResultSetID(ctx context.Context, branch, revision string) (core.ResultSetID, error) {
	u := c.projectURL(branch, "/resultset/?format=json&full=true&revision=%s&with_jobs=true", url.QueryEscape(revision))

	var resp resultSetResponse
	if err := fetch.GetJSON(ctx, c.http, u, &resp); err != nil {
		return 0, err
	}
	if len(resp.Results) == 0 {
		return 0, fmt.Errorf("%w: %s %s", core.ErrNoResultSet, branch, revision)
	}
	id, err := resp.Results[0].ID.Int64()
	if err != nil {
		return 0, fmt.Errorf("result set id %q: %w", resp.Results[0].ID, err)
	}
	return core.ResultSetID(id), nil
}

// Jobs lists the jobs of a result set. A response without
// job_property_names yields an empty list.
func (c *Client) Jobs(ctx context.Context, branch string, id core.ResultSetID) (*core.JobList, error) {
	u := c.projectURL(branch, "/jobs/?count=%d&result_set_id=%d&return_type=list", JobListLimit, id)

	var list core.JobList
	if err := fetch.GetJSON(ctx, c.http, u, &list); err != nil {
		return nil, err
	}
	if list.PropertyNames == nil {
		c.logger.Warn("job list has no property names", "branch", branch, "result_set_id", id)
		return &core.JobList{}, nil
	}
	return &list, nil
}

// FetchRevision resolves revision and lists its jobs. When TLS suppression
// is enabled a certificate failure returns an empty list and no error.
func (c *Client) FetchRevision(ctx context.Context, branch, revision string) (*core.JobList, error) {
	id, err := c.ResultSetID(ctx, branch, revision)
	if err != nil {
		return c.suppress(branch, revision, err)
	}
	list, err := c.Jobs(ctx, branch, id)
	if err != nil {
		return c.suppress(branch, revision, err)
	}
	return list, nil
}

func (c *Client) suppress(branch, revision string, err error) (*core.JobList, error) {
	if c.suppressTLS && errors.Is(err, core.ErrTLS) {
		c.logger.Warn("tls failure suppressed, revision yields no jobs",
			"branch", branch, "revision", revision, "error", err)
		return &core.JobList{}, nil
	}
	return nil, err
}

// Notes returns the annotations of a job, oldest first.
func (c *Client) Notes(ctx context.Context, branch string, jobID int64) ([]core.Note, error) {
	u := c.projectURL(branch, "/note/?job_id=%d", jobID)

	var notes []core.Note
	if err := fetch.GetJSON(ctx, c.http, u, &notes); err != nil {
		return nil, err
	}
	return notes, nil
}

// JobDetail returns the detail record of a job.
func (c *Client) JobDetail(ctx context.Context, branch string, jobID int64) (*core.JobDetail, error) {
	u := c.projectURL(branch, "/jobs/%d/", jobID)

	var detail core.JobDetail
	if err := fetch.GetJSON(ctx, c.http, u, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}
