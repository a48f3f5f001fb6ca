package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDailyCapExceeded is returned when a reservation would take the ledger
// past its daily limit.
var ErrDailyCapExceeded = errors.New("daily risk cap exceeded")

// Reservation is risk capital held against one approved trade until it is
// confirmed or released.
type Reservation struct {
	ID     uint64  `json:"id"`
	Amount float64 `json:"amount"`
	Day    string  `json:"day"`
}

// Ledger tracks risk capital committed within the current UTC day.
// Check-and-reserve is a single critical section.
type Ledger struct {
	mu      sync.Mutex
	used    float64
	day     string
	nextID  uint64
	pending map[uint64]Reservation
}

// NewLedger creates an empty ledger for the given day.
func NewLedger(now time.Time) *Ledger {
	return &Ledger{
		day:     dayKey(now),
		pending: make(map[uint64]Reservation),
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Used returns the risk committed today, pending reservations included.
func (l *Ledger) Used() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// Day returns the UTC date the ledger is tracking.
func (l *Ledger) Day() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.day
}

// Reserve checks used+required against limit and, if it fits, holds amount.
// required may exceed amount when the cap is checked against a wider set of
// trades than the one actually reserved.
func (l *Ledger) Reserve(required, amount, limit float64) (Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.used+required > limit {
		return Reservation{}, fmt.Errorf("%w: %.2f > %.2f", ErrDailyCapExceeded, l.used+required, limit)
	}

	l.nextID++
	r := Reservation{ID: l.nextID, Amount: amount, Day: l.day}
	l.used += amount
	l.pending[r.ID] = r
	return r, nil
}

// Confirm makes a reservation permanent for the day.
func (l *Ledger) Confirm(r Reservation) {
	l.mu.Lock()
	delete(l.pending, r.ID)
	l.mu.Unlock()
}

// Release returns a pending reservation's amount to the budget. Releasing a
// confirmed, unknown or previous-day reservation is a no-op.
func (l *Ledger) Release(r Reservation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[r.ID]; !ok || r.Day != l.day {
		return false
	}
	delete(l.pending, r.ID)
	l.used -= r.Amount
	if l.used < 0 {
		l.used = 0
	}
	return true
}

// Reset zeroes the ledger and moves it to now's day.
func (l *Ledger) Reset(now time.Time) {
	l.mu.Lock()
	l.used = 0
	l.day = dayKey(now)
	l.pending = make(map[uint64]Reservation)
	l.mu.Unlock()
}

// ResetIfNewDay resets the ledger when now falls on a later UTC date.
func (l *Ledger) ResetIfNewDay(now time.Time) bool {
	key := dayKey(now)

	l.mu.Lock()
	defer l.mu.Unlock()
	if key == l.day {
		return false
	}
	l.used = 0
	l.day = key
	l.pending = make(map[uint64]Reservation)
	return true
}
