// Package store defines the data model exchanged with a store daemon and
// the interfaces a store implementation plugs into the dispatch engine.
//
// Memory is a self-contained implementation used by the daemon binary
// and by tests.
package store
