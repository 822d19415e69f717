// Package quota implements QuotaMeter (spec §4.1): a sliding-window byte
// budget enforced over ApiCallLog rows, so that multiple worker processes
// sharing one store see an accurate rolling bill.
package quota

import (
	"context"
	"database/sql"
	"time"

	"github.com/transitops/ingestd/errors"
)

// ErrQuotaExhausted is raised when Precheck fails; callers do not retry
// inline (spec §7).
var ErrQuotaExhausted = errors.New("quota exhausted")

// Meter tracks bytes consumed against a sliding window.
type Meter struct {
	db     *sql.DB
	window time.Duration
	budget int64
	now    func() time.Time
}

// New constructs a Meter backed by db, enforcing budget bytes over window.
func New(db *sql.DB, window time.Duration, budget int64) *Meter {
	return &Meter{db: db, window: window, budget: budget, now: time.Now}
}

// Remaining returns max(0, budget - sum of ApiCallLog.size for rows whose
// time >= now-window).
func (m *Meter) Remaining(ctx context.Context) (int64, error) {
	cutoff := m.now().Add(-m.window)

	var spent sql.NullInt64
	err := m.db.QueryRowContext(ctx,
		`SELECT SUM(size) FROM api_call_log WHERE time >= ? AND size IS NOT NULL`,
		cutoff,
	).Scan(&spent)
	if err != nil {
		return 0, errors.Wrap(err, "sum quota window")
	}

	remaining := m.budget - spent.Int64
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// Precheck reports whether the meter currently has any headroom at all. The
// meter is advisory: it is consulted before a request is sent, and the
// request's own size — once known — is recorded as a new ApiCallLog row
// that future calls will see.
func (m *Meter) Precheck(ctx context.Context) (bool, error) {
	remaining, err := m.Remaining(ctx)
	if err != nil {
		return false, err
	}
	return remaining > 0, nil
}
