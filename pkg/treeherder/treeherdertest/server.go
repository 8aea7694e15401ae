// Package treeherdertest provides an in-process fake of the Treeherder API
// and the Mercurial push log for tests.
package treeherdertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jdziat/treeherder-ingest/pkg/core"
)

// DefaultColumns is the property-name order served by the fake jobs endpoint.
var DefaultColumns = []string{
	"id", "result", "platform", "platform_option", "ref_data_name",
	"start_timestamp", "end_timestamp", "failure_classification_id",
}

// Job describes one job served by the fake.
type Job struct {
	ID                    int64
	Result                string
	Platform              string
	PlatformOption        string
	RefDataName           string
	Start, End            int64
	FailureClassification any
	Machine               string
	LogURL                string
	Notes                 []string
}

// Server is a fake Treeherder + push-log host.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	pushlogs   map[string]string           // branch path -> body
	resultsets map[string]map[string]int64 // branch -> revision -> id
	jobs       map[string]map[int64][]Job  // branch -> result set -> jobs
	failures   map[string]int              // url path -> forced status

	requests atomic.Int64
}

// NewServer starts a fake server. Call Close when done.
func NewServer() *Server {
	s := &Server{
		pushlogs:   make(map[string]string),
		resultsets: make(map[string]map[string]int64),
		jobs:       make(map[string]map[int64][]Job),
		failures:   make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Requests returns the number of requests served so far.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// AddPush appends a push to the push log served for branchPath.
func (s *Server) AddPush(branchPath, revision string, date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushlogs[branchPath] += fmt.Sprintf("<entry>\n<title>Changeset %s</title>\n<updated>%s</updated>\n</entry>\n",
		revision, date.UTC().Format("2006-01-02T15:04:05Z"))
}

// AddRevision registers a revision with its result set and jobs.
func (s *Server) AddRevision(branch, revision string, resultSetID int64, jobs ...Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resultsets[branch] == nil {
		s.resultsets[branch] = make(map[string]int64)
		s.jobs[branch] = make(map[int64][]Job)
	}
	s.resultsets[branch][revision] = resultSetID
	s.jobs[branch][resultSetID] = append(s.jobs[branch][resultSetID], jobs...)
}

// FailPath makes requests to path answer with status.
func (s *Server) FailPath(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = status
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	if status, ok := s.failures[r.URL.Path]; ok {
		w.WriteHeader(status)
		return
	}

	path := r.URL.Path
	if strings.HasSuffix(path, "/pushlog") {
		fmt.Fprint(w, s.pushlogs[strings.Trim(strings.TrimSuffix(path, "/pushlog"), "/")])
		return
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	// api/project/{branch}/{resource}[/{id}]
	if len(parts) < 4 || parts[0] != "api" || parts[1] != "project" {
		http.NotFound(w, r)
		return
	}
	branch, resource := parts[2], parts[3]
	q := r.URL.Query()

	switch {
	case resource == "resultset":
		results := []map[string]any{}
		if id, ok := s.resultsets[branch][q.Get("revision")]; ok {
			results = append(results, map[string]any{"id": id})
		}
		writeJSON(w, map[string]any{"results": results})
	case resource == "jobs" && len(parts) == 4:
		id, _ := strconv.ParseInt(q.Get("result_set_id"), 10, 64)
		rows := [][]any{}
		for _, j := range s.jobs[branch][id] {
			rows = append(rows, []any{j.ID, j.Result, j.Platform, j.PlatformOption, j.RefDataName,
				j.Start, j.End, j.FailureClassification})
		}
		writeJSON(w, map[string]any{"job_property_names": DefaultColumns, "results": rows})
	case resource == "jobs" && len(parts) == 5:
		j, ok := s.findJob(branch, parts[4])
		if !ok {
			http.NotFound(w, r)
			return
		}
		logs := []map[string]string{}
		if j.LogURL != "" {
			logs = append(logs, map[string]string{"name": "buildbot_text", "url": j.LogURL})
		}
		writeJSON(w, map[string]any{"machine_name": j.Machine, "logs": logs})
	case resource == "note":
		notes := []map[string]string{}
		if j, ok := s.findJob(branch, q.Get("job_id")); ok {
			for _, n := range j.Notes {
				notes = append(notes, map[string]string{"note": n})
			}
		}
		writeJSON(w, notes)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) findJob(branch, rawID string) (Job, bool) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return Job{}, false
	}
	for _, jobs := range s.jobs[branch] {
		for _, j := range jobs {
			if j.ID == id {
				return j, true
			}
		}
	}
	return Job{}, false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Branches returns a branch table whose paths match the branch names,
// convenient for pointing a push-log reader at the fake.
func Branches(names ...string) core.BranchTable {
	t := make(core.BranchTable, len(names))
	for _, n := range names {
		t[n] = n
	}
	return t
}
