// Package storage persists template stores and a firing history.
//
// Drivers:
//   - "file": JSON snapshot + journal files, no dependencies
//   - "sqlite": modernc.org/sqlite database file
//   - "mongodb": MongoDB collections
package storage
