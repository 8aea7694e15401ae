// Package treeherder is a small client for the Treeherder REST API.
//
// It resolves a revision to its result set, lists the result set's jobs in
// the columnar "list" return type, and fetches the per-job notes and detail
// that the listing omits.
package treeherder
