// Package transform turns a result set's columnar job listing into
// normalized testjobs rows, fetching each job's notes and detail on the way.
package transform
