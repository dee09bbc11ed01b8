package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atp-project/routecore/internal/clock"
	"github.com/atp-project/routecore/internal/events"
)

// ErrRegistryCorruption is returned when a registry file contains records
// whose manifest hash does not match their contents.
var ErrRegistryCorruption = errors.New("registry corruption")

// Registry publishes copy-on-write snapshots of the model catalog. Readers
// call Snapshot and never block writers; writers build a new snapshot and
// swap it in atomically.
type Registry struct {
	clk clock.Clock
	bus *events.Bus

	rejected prometheus.Counter // records isolated on lenient reload

	current atomic.Pointer[Snapshot]
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithEventBus publishes a registry_reloaded event after each swap.
func WithEventBus(bus *events.Bus) RegistryOption {
	return func(r *Registry) { r.bus = bus }
}

// WithRejectedCounter counts records isolated during lenient reloads.
func WithRejectedCounter(c prometheus.Counter) RegistryOption {
	return func(r *Registry) { r.rejected = c }
}

// NewRegistry creates an empty registry.
func NewRegistry(clk clock.Clock, opts ...RegistryOption) *Registry {
	r := &Registry{clk: clk}
	for _, o := range opts {
		o(r)
	}
	empty := &Snapshot{Records: map[string]Record{}, LoadedAt: clk.Now()}
	r.current.Store(empty)
	return r
}

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// LoadFile reads a JSON registry file and publishes a new snapshot.
//
// In strict mode (startup), any record whose manifest hash mismatches fails
// the whole load with ErrRegistryCorruption. In lenient mode (hot reload),
// corrupt records are isolated, counted, and the rest are published.
func (r *Registry) LoadFile(path string, strict bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read registry %s: %w", path, err)
	}
	return r.LoadJSON(data, strict)
}

// LoadJSON parses a JSON array of records and publishes a new snapshot.
func (r *Registry) LoadJSON(data []byte, strict bool) error {
	var raw []Record
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse registry: %w", err)
	}

	records := make(map[string]Record, len(raw))
	for _, rec := range raw {
		if err := validateRecord(rec); err != nil {
			if strict {
				return fmt.Errorf("%w: record %q: %v", ErrRegistryCorruption, rec.Name, err)
			}
			if r.rejected != nil {
				r.rejected.Inc()
			}
			slog.Warn("registry record isolated",
				slog.String("model", rec.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		records[rec.Name] = rec
	}

	r.Publish(records)
	return nil
}

// Publish installs a new snapshot built from records.
func (r *Registry) Publish(records map[string]Record) {
	snap := &Snapshot{Records: records, LoadedAt: r.clk.Now()}
	r.current.Store(snap)
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:    events.EventRegistryReloaded,
			Payload: len(records),
		})
	}
	slog.Info("registry snapshot published", slog.Int("records", len(records)))
}

// SaveFile writes the current snapshot as a JSON array, recomputing each
// record's manifest hash so a load/save/load round trip is stable.
func (r *Registry) SaveFile(path string) error {
	snap := r.Snapshot()
	out := make([]Record, 0, len(snap.Records))
	for _, rec := range snap.Records {
		rec.ManifestHash = ManifestHash(rec)
		out = append(out, rec)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write registry %s: %w", path, err)
	}
	return nil
}

func validateRecord(rec Record) error {
	if rec.Name == "" {
		return errors.New("empty name")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("unknown status %q", rec.Status)
	}
	if !rec.SafetyGrade.Valid() {
		return fmt.Errorf("unknown safety grade %q", rec.SafetyGrade)
	}
	if !VerifyManifest(rec) {
		return errors.New("manifest hash mismatch")
	}
	return nil
}
