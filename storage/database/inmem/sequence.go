package inmemdb

import (
	"context"
	"strconv"

	"github.com/trezcool/masomo-billing/core/billing"
)

type sequencer struct {
	db *sequenceTable
}

var _ billing.Sequencer = (*sequencer)(nil) // interface compliance check

func NewSequencer(db *DB) *sequencer {
	return &sequencer{db: db.sequences}
}

func (seq *sequencer) NextSequence(ctx context.Context, prefix string, year int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	key := prefix + ":" + strconv.Itoa(year)

	seq.db.mutex.Lock()
	defer seq.db.mutex.Unlock()
	seq.db.table[key]++
	return seq.db.table[key], nil
}

var _ billing.SequenceRebaser = (*sequencer)(nil) // interface compliance check

func (seq *sequencer) RebaseSequence(ctx context.Context, prefix string, year int, floor int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := prefix + ":" + strconv.Itoa(year)

	seq.db.mutex.Lock()
	defer seq.db.mutex.Unlock()
	if seq.db.table[key] < floor {
		seq.db.table[key] = floor
	}
	return nil
}
