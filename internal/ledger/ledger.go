// Package ledger is the durable record of in-flight runners used for
// crash recovery.  One entry per runner; the entry is removed once its
// provider handle has been released.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/terrpan/runnerfleet/internal/runner"
)

// ErrStaleState is returned by Put when the stored entry is already
// further along the lifecycle than the one being written.
var ErrStaleState = errors.New("stale state")

// Entry is the persisted record of one runner.
type Entry struct {
	ID             string         `cbor:"1,keyasint"`
	Kind           runner.Kind    `cbor:"2,keyasint"`
	State          runner.State   `cbor:"3,keyasint"`
	Outcome        runner.Outcome `cbor:"4,keyasint,omitempty"`
	Reason         string         `cbor:"5,keyasint,omitempty"`
	Image          string         `cbor:"6,keyasint"`
	Capabilities   []string       `cbor:"7,keyasint"`
	Handle         runner.Handle  `cbor:"8,keyasint"`
	HandleReleased bool           `cbor:"9,keyasint,omitempty"`
	CreatedAt      time.Time      `cbor:"10,keyasint"`
	Deadline       time.Time      `cbor:"11,keyasint"`
	UpdatedAt      time.Time      `cbor:"12,keyasint"`
}

// NeedsRelease reports whether the entry may still own a provider
// resource.
func (e Entry) NeedsRelease() bool {
	return !e.Handle.IsZero() && !e.HandleReleased
}

// Ledger stores entries.  Implementations are safe for concurrent use.
type Ledger interface {
	// Put inserts or replaces an entry in one transaction.  Writing a
	// state that ranks below the stored one fails with ErrStaleState.
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, bool, error)
	// List returns all entries ordered by creation time.
	List(ctx context.Context) ([]Entry, error)
	// Delete removes an entry.  Deleting a missing entry succeeds.
	Delete(ctx context.Context, id string) error
	Close() error
}

func checkForward(prev, next Entry) error {
	if next.State.Rank() < prev.State.Rank() {
		return fmt.Errorf("%w: runner %s is %s, cannot record %s", ErrStaleState, next.ID, prev.State, next.State)
	}
	return nil
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic("ledger: CBOR encoder: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("ledger: CBOR decoder: " + err.Error())
	}
}

func encode(e Entry) ([]byte, error) {
	return encMode.Marshal(e)
}

func decode(b []byte) (Entry, error) {
	var e Entry
	if err := decMode.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("decode ledger entry: %w", err)
	}
	return e, nil
}
