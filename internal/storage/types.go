package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (json snapshot + journal)
//   - "sqlite": SQLite database file
//   - "mongodb": MongoDB (URI required)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	URI        string // mongodb
	Database   string // mongodb; default "schedcore"
	Collection string // mongodb; default "templates"
}

// TemplateDoc is the persisted form of one template store.
// Records is the JSON produced by template.Store.Records.
type TemplateDoc struct {
	Name      string          `json:"name"`
	Records   json.RawMessage `json:"records"`
	Revision  uint64          `json:"revision"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FiringEntry records one delivered firing.
// Keep it compact and schema-stable.
type FiringEntry struct {
	At        time.Time `json:"at"`
	Scheduler string    `json:"scheduler"`
	Kind      string    `json:"kind"`
	Target    time.Time `json:"target"`
	Value     string    `json:"value,omitempty"`
	CatchUp   bool      `json:"catch_up,omitempty"`
}
