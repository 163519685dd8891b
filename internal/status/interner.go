// Package status interns sample status strings as small integer codes.
package status

import (
	"errors"
	"math"

	"github.com/sirupsen/logrus"

	"ravenhub/internal/database"
)

const (
	// NotAvailable is returned for codes the table does not know.
	NotAvailable = "N/A"

	// TableFullCode is reserved for statuses that arrive after the code
	// space is exhausted.
	TableFullCode uint16 = math.MaxUint16

	TableFullStatus = "Status table full"
)

// ErrCapacity is logged when the code space is exhausted. Interning keeps
// working in degraded mode.
var ErrCapacity = errors.New("status code space exhausted")

// Interner is a per-batch view of the status mapping table. It is not safe
// for concurrent use and must be reloaded for every batch, because new codes
// are allocated from the maximum observed at load time.
type Interner struct {
	byCode   map[uint16]string
	byStatus map[string]uint16
	max      uint16
	limit    uint16
	pending  []database.StatusItem
	degraded bool
}

// Load reads the mapping table inside tx.
func Load(tx database.Tx) (*Interner, error) {
	items, err := tx.StatusItems()
	if err != nil {
		return nil, err
	}
	return newInterner(items, TableFullCode), nil
}

func newInterner(items []database.StatusItem, limit uint16) *Interner {
	in := &Interner{
		byCode:   make(map[uint16]string, len(items)),
		byStatus: make(map[string]uint16, len(items)),
		limit:    limit,
	}

	for _, item := range items {
		in.byCode[item.Code] = item.Status
		if item.Code == TableFullCode {
			continue
		}
		in.byStatus[item.Status] = item.Code
		if item.Code > in.max {
			in.max = item.Code
		}
	}

	return in
}

// Lookup returns the status for code, or NotAvailable.
func (in *Interner) Lookup(code uint16) string {
	if s, ok := in.byCode[code]; ok {
		return s
	}
	return NotAvailable
}

// Code returns the code for status, allocating max+1 for unseen strings.
// The empty status stays unassigned.
func (in *Interner) Code(status string) uint16 {
	if status == "" {
		return 0
	}
	if code, ok := in.byStatus[status]; ok {
		return code
	}

	if in.max >= in.limit-1 {
		return in.overflow(status)
	}

	in.max++
	code := in.max
	in.byCode[code] = status
	in.byStatus[status] = code
	in.pending = append(in.pending, database.StatusItem{Code: code, Status: status})

	return code
}

func (in *Interner) overflow(status string) uint16 {
	if _, ok := in.byCode[TableFullCode]; !ok {
		in.byCode[TableFullCode] = TableFullStatus
		in.pending = append(in.pending, database.StatusItem{Code: TableFullCode, Status: TableFullStatus})
	}

	if !in.degraded {
		in.degraded = true
		logrus.WithError(ErrCapacity).WithFields(logrus.Fields{
			"max_code": in.max,
			"status":   status,
		}).Error("Status table full, routing new statuses to reserved code")
	}

	return TableFullCode
}

// Degraded reports whether this session hit the end of the code space.
func (in *Interner) Degraded() bool {
	return in.degraded
}

// Pending returns the allocations not yet written.
func (in *Interner) Pending() []database.StatusItem {
	return in.pending
}

// Flush writes pending allocations in the caller's unit of work.
func (in *Interner) Flush(tx database.Tx) error {
	if len(in.pending) == 0 {
		return nil
	}
	if err := tx.AddStatusItems(in.pending); err != nil {
		return err
	}
	in.pending = nil
	return nil
}
