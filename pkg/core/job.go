package core

import (
	"fmt"
	"time"
)

// ResultUnknown marks a job that has not finished; such jobs are never stored.
const ResultUnknown = "unknown"

// ResultSuccess is the result string of a green job.
const ResultSuccess = "success"

// PushRecord is one push found in a branch's push log.
type PushRecord struct {
	Revision string
	PushDate time.Time
}

// JobSpec identifies one revision to download. It is the unit of work
// moved through the work queue.
type JobSpec struct {
	Branch   string
	Revision string
	PushDate time.Time
}

func (s JobSpec) String() string {
	return fmt.Sprintf("%s@%s (%s)", s.Branch, s.Revision, s.PushDate.UTC().Format(time.DateTime))
}

// ResultSetID is the remote identifier grouping all jobs of one push.
type ResultSetID int64

// JobList is the columnar job listing of a result set. Each entry of
// Results is positional and ordered like PropertyNames.
type JobList struct {
	PropertyNames []string `json:"job_property_names"`
	Results       [][]any  `json:"results"`
}

// Index returns a column-name to position lookup for the list.
func (l *JobList) Index() map[string]int {
	idx := make(map[string]int, len(l.PropertyNames))
	for i, name := range l.PropertyNames {
		idx[name] = i
	}
	return idx
}

// Note is a job annotation, usually a bug reference added by a sheriff.
type Note struct {
	Note string `json:"note"`
}

// JobLog is one log artifact attached to a job.
type JobLog struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// JobDetail holds the per-job fields that the list endpoint does not return.
type JobDetail struct {
	MachineName string   `json:"machine_name"`
	Logs        []JobLog `json:"logs"`
}

// JobResult is one normalized job row of the testjobs table.
// Branch, Revision and JobID form the natural key; inserting the same
// job twice fails on the unique index.
type JobResult struct {
	ID                    uint      `gorm:"column:id;primaryKey;autoIncrement"`
	JobID                 int64     `gorm:"column:job_id;not null;uniqueIndex:idx_testjobs_natural_key,priority:3"`
	LogURL                string    `gorm:"column:log;size:1024"`
	WorkerName            string    `gorm:"column:slave;size:255"`
	Result                string    `gorm:"column:result;size:64;index"`
	DurationSeconds       int64     `gorm:"column:duration"`
	Platform              string    `gorm:"column:platform;size:255;not null"`
	BuildType             string    `gorm:"column:buildtype;size:64"`
	TestType              string    `gorm:"column:testtype;size:255"`
	BugID                 string    `gorm:"column:bugid;size:1024"`
	Branch                string    `gorm:"column:branch;size:128;not null;uniqueIndex:idx_testjobs_natural_key,priority:1;index:idx_testjobs_branch_date,priority:1"`
	Revision              string    `gorm:"column:revision;size:40;not null;uniqueIndex:idx_testjobs_natural_key,priority:2"`
	PushDate              time.Time `gorm:"column:date;not null;index:idx_testjobs_branch_date,priority:2"`
	FailureClassification int       `gorm:"column:failure_classification;default:0"`
}

// TableName keeps the historical table name.
func (JobResult) TableName() string {
	return "testjobs"
}
