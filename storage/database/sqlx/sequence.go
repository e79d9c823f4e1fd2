package sqlxrepos

import (
	"context"

	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
)

// sequencer allocates invoice sequences with a single atomic upsert per call.
type sequencer struct {
	exec core.DBExecutor
}

var _ billing.Sequencer = (*sequencer)(nil) // interface compliance check

func NewSequencer(exec core.DBExecutor) *sequencer {
	return &sequencer{exec: exec}
}

func (seq sequencer) NextSequence(ctx context.Context, prefix string, year int) (int64, error) {
	q := seq.exec.Rebind("INSERT INTO invoice_sequences (prefix, seq_year, last_value) VALUES (?, ?, 1) " +
		"ON CONFLICT (prefix, seq_year) DO UPDATE SET last_value = invoice_sequences.last_value + 1 " +
		"RETURNING last_value")

	var next int64
	if err := seq.exec.GetContext(ctx, &next, q, prefix, year); err != nil {
		return 0, storeErr(err, "allocating invoice sequence")
	}
	return next, nil
}

var _ billing.SequenceRebaser = (*sequencer)(nil) // interface compliance check

func (seq sequencer) RebaseSequence(ctx context.Context, prefix string, year int, floor int64) error {
	q := seq.exec.Rebind("INSERT INTO invoice_sequences (prefix, seq_year, last_value) VALUES (?, ?, ?) " +
		"ON CONFLICT (prefix, seq_year) DO UPDATE SET last_value = excluded.last_value " +
		"WHERE invoice_sequences.last_value < excluded.last_value")

	if _, err := seq.exec.ExecContext(ctx, q, prefix, year, floor); err != nil {
		return storeErr(err, "rebasing invoice sequence")
	}
	return nil
}
