// Package fetch provides the HTTP GET helpers shared by the push-log reader
// and the Treeherder client.
//
// This is an internal package and should not be imported directly by users.
package fetch
