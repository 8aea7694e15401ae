// Package pushlog reads a branch's Mercurial push log and extracts the
// revisions pushed since a point in time.
//
// The push log is scraped line by line: a line carrying a
// "Changeset <12 hex>" marker names a revision, and a line carrying an
// ISO-8601 "YYYY-MM-DDTHH:MM:SSZ" stamp dates it. A revision is paired with
// the first qualifying date that follows it.
package pushlog
