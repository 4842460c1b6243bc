// Package node holds the identity of one remindq process.
//
// Several remindq instances usually write to the same Redis sorted sets. Each
// one gets a persistent ULID, minted on first start and recorded in
// instance.yaml under the data directory, so logs and /health can say which
// instance wrote what.
package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"
)

const recordFile = "instance.yaml"

// ID is a ULID string, stable across restarts within one data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Time returns the millisecond timestamp embedded in the ULID, or the zero
// time for an invalid id.
func (id ID) Time() time.Time {
	u, err := ulid.ParseStrict(string(id))
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(u.Time()).UTC()
}

// record is the on-disk form of instance.yaml.
type record struct {
	ID        string    `yaml:"id"`
	CreatedAt time.Time `yaml:"created_at"`
	Hostname  string    `yaml:"hostname,omitempty"`
}

// Instance is this process's identity plus its start time.
type Instance struct {
	id        ID
	createdAt time.Time
	startedAt time.Time
}

// New reads dataDir/instance.yaml, minting and writing a record when the file
// is absent. An override other than "" or "auto" is used as-is after
// validation; nothing is read or written in that case.
func New(dataDir string, override string) (*Instance, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}
	now := time.Now()

	if override != "" && override != "auto" {
		id := ID(override)
		if id.Time().IsZero() {
			return nil, fmt.Errorf("node: instance_id override %q is not a ULID", override)
		}
		return &Instance{id: id, createdAt: id.Time(), startedAt: now}, nil
	}

	rec, err := loadRecord(dataDir)
	if errors.Is(err, os.ErrNotExist) {
		rec, err = mintRecord(dataDir, now)
	}
	if err != nil {
		return nil, err
	}
	return &Instance{id: ID(rec.ID), createdAt: rec.CreatedAt, startedAt: now}, nil
}

// ID returns the instance's ULID.
func (n *Instance) ID() ID { return n.id }

// CreatedAt returns when the identity was first minted.
func (n *Instance) CreatedAt() time.Time { return n.createdAt }

// StartedAt returns when New was called.
func (n *Instance) StartedAt() time.Time { return n.startedAt }

// Uptime returns the time since start, truncated to whole seconds.
func (n *Instance) Uptime() time.Duration {
	return time.Since(n.startedAt).Truncate(time.Second)
}

func loadRecord(dataDir string) (record, error) {
	var rec record
	data, err := os.ReadFile(filepath.Join(dataDir, recordFile))
	if err != nil {
		return rec, err
	}
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("node: parse %s: %w", recordFile, err)
	}
	if ID(rec.ID).Time().IsZero() {
		return rec, fmt.Errorf("node: %s holds invalid id %q", recordFile, rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = ID(rec.ID).Time()
	}
	return rec, nil
}

func mintRecord(dataDir string, now time.Time) (record, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return record{}, fmt.Errorf("node: create data dir: %w", err)
	}
	host, _ := os.Hostname()
	rec := record{ID: NewID(), CreatedAt: now.UTC().Truncate(time.Millisecond), Hostname: host}

	data, err := yaml.Marshal(rec)
	if err != nil {
		return record{}, fmt.Errorf("node: encode %s: %w", recordFile, err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, recordFile), data, 0o640); err != nil {
		return record{}, fmt.Errorf("node: write %s: %w", recordFile, err)
	}
	return rec, nil
}

// NewID returns a fresh ULID from the process-wide monotonic source. The HTTP
// layer uses it for request ids.
func NewID() string { return ulid.Make().String() }
