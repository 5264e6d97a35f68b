// Package store persists deployment records and their status history.
//
// Two drivers are available: a SQLite database file and an in-memory map.
// Setting the driver to "none" disables persistence entirely; callers must
// treat a nil Store as valid.
package store
