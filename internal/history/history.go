// Package history tracks the last observed login attributes of each subject
// and reports what changed since the previous observation.
package history

import (
	"context"
	"errors"
	"time"
)

// FirstObservationSentinel is reported as HoursSinceLast when a subject has
// never been seen before.
const FirstObservationSentinel = -1.0

// ErrConflict is returned when a shared store could not apply an update after
// repeated concurrent modifications of the same subject.
var ErrConflict = errors.New("history: concurrent update conflict")

// Attributes are the per-login values compared across observations.
type Attributes struct {
	IP      string `json:"ip"`
	Country string `json:"country"`
	Browser string `json:"browser"`
	OS      string `json:"os"`
	Device  string `json:"device"`
}

// Snapshot is the latest observation stored for a subject.
type Snapshot struct {
	Attributes
	ObservedAt time.Time `json:"observed_at"`
}

// Equal reports whether two snapshots record the same observation.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Attributes == o.Attributes && s.ObservedAt.Equal(o.ObservedAt)
}

// ChangeIndicators describe how an observation differs from the snapshot it
// replaced. On a first observation every flag is false, HoursSinceLast is
// FirstObservationSentinel and Previous is nil.
type ChangeIndicators struct {
	First          bool
	IPChanged      bool
	CountryChanged bool
	BrowserChanged bool
	DeviceChanged  bool
	OSChanged      bool
	HoursSinceLast float64
	Previous       *Snapshot
}

// Store is a keyed behavioral history. Observe must be atomic per subject:
// two concurrent observations of one subject never compute indicators
// against the same previous snapshot.
//
// Restore undoes an Observe that stored written: prev is put back, or the
// subject is dropped when prev is nil. When the stored snapshot is no longer
// written, a later observation has replaced it and Restore leaves it alone.
type Store interface {
	Observe(ctx context.Context, subject string, attrs Attributes, at time.Time) (ChangeIndicators, error)
	Restore(ctx context.Context, subject string, written Snapshot, prev *Snapshot) error
	Peek(ctx context.Context, subject string) (Snapshot, bool, error)
	Backend() string
	Close() error
}

// Compare computes the indicators for attrs observed at `at` relative to prev.
// A negative elapsed time (out-of-order timestamps) is clamped to zero.
func Compare(prev *Snapshot, attrs Attributes, at time.Time) ChangeIndicators {
	if prev == nil {
		return ChangeIndicators{First: true, HoursSinceLast: FirstObservationSentinel}
	}

	elapsed := at.Sub(prev.ObservedAt).Hours()
	if elapsed < 0 {
		elapsed = 0
	}

	p := *prev
	return ChangeIndicators{
		IPChanged:      attrs.IP != prev.IP,
		CountryChanged: attrs.Country != prev.Country,
		BrowserChanged: attrs.Browser != prev.Browser,
		DeviceChanged:  attrs.Device != prev.Device,
		OSChanged:      attrs.OS != prev.OS,
		HoursSinceLast: elapsed,
		Previous:       &p,
	}
}
