package billing

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

var typePrefixes = map[Type]string{
	TypeSetupFee:        "SETUP",
	TypeSubscriptionFee: "SUB",
}

// Sequencer hands out invoice sequence numbers.
// NextSequence must be atomic: concurrent callers never receive the same value for a (prefix, year).
type Sequencer interface {
	NextSequence(ctx context.Context, prefix string, year int) (int64, error)
}

// SequenceRebaser is implemented by sequencers that can be moved forward after falling behind the store.
// RebaseSequence never moves a counter backwards.
type SequenceRebaser interface {
	RebaseSequence(ctx context.Context, prefix string, year int, floor int64) error
}

// InvoicePrefix returns the invoice number prefix of billing type t.
func InvoicePrefix(t Type) string {
	return typePrefixes[t]
}

// FormatInvoiceNumber renders "{PREFIX}-{YEAR}-{SEQUENCE}", the sequence zero-padded to 6 digits.
func FormatInvoiceNumber(prefix string, year int, seq int64) string {
	return fmt.Sprintf("%s-%04d-%06d", prefix, year, seq)
}

// ParseInvoiceNumber splits an invoice number rendered by FormatInvoiceNumber.
func ParseInvoiceNumber(number string) (prefix string, year int, seq int64, err error) {
	parts := strings.Split(number, "-")
	if len(parts) != 3 || parts[0] == "" || len(parts[1]) != 4 || len(parts[2]) < 6 {
		return "", 0, 0, errors.Errorf("malformed invoice number %q", number)
	}
	if year, err = strconv.Atoi(parts[1]); err != nil {
		return "", 0, 0, errors.Wrapf(err, "malformed invoice number %q", number)
	}
	if seq, err = strconv.ParseInt(parts[2], 10, 64); err != nil || seq < 1 {
		return "", 0, 0, errors.Errorf("malformed invoice number %q", number)
	}
	return parts[0], year, seq, nil
}

// InvoiceYear is the year an invoice is numbered under: the period start for subscriptions, today otherwise.
func InvoiceYear(t Type, period *Period, now time.Time) int {
	if t == TypeSubscriptionFee && period != nil {
		return period.Start.UTC().Year()
	}
	return now.UTC().Year()
}

// InvoiceNumberer assigns invoice numbers backed by a Sequencer.
type InvoiceNumberer struct {
	seq Sequencer
	now func() time.Time
}

func NewInvoiceNumberer(seq Sequencer) *InvoiceNumberer {
	return &InvoiceNumberer{seq: seq, now: time.Now}
}

// Next returns the next invoice number for a record of type t billed to schoolID.
func (n *InvoiceNumberer) Next(ctx context.Context, schoolID string, t Type, period *Period) (string, error) {
	prefix := InvoicePrefix(t)
	if prefix == "" {
		return "", errors.Errorf("no invoice prefix for billing type %q", t)
	}
	year := InvoiceYear(t, period, n.now())
	seq, err := n.seq.NextSequence(ctx, prefix, year)
	if err != nil {
		return "", StoreError(err, fmt.Sprintf("allocating %s-%d invoice number for school %s", prefix, year, schoolID))
	}
	return FormatInvoiceNumber(prefix, year, seq), nil
}

// Rebase moves the (prefix, year) counter up to floor when the sequencer supports it.
// It reports whether the counter could be moved.
func (n *InvoiceNumberer) Rebase(ctx context.Context, prefix string, year int, floor int64) (bool, error) {
	r, ok := n.seq.(SequenceRebaser)
	if !ok {
		return false, nil
	}
	if err := r.RebaseSequence(ctx, prefix, year, floor); err != nil {
		return false, StoreError(err, fmt.Sprintf("rebasing %s-%d invoice sequence", prefix, year))
	}
	return true, nil
}

// IdempotencyKey identifies "this charge for this school": (school, type, period) for subscriptions
// and (school, type) for setup fees. It is a hex BLAKE2b-256 digest.
func IdempotencyKey(schoolID string, t Type, period *Period) string {
	parts := []string{schoolID, string(t)}
	if t == TypeSubscriptionFee && period != nil {
		parts = append(parts,
			period.Start.UTC().Format("2006-01-02"),
			period.End.UTC().Format("2006-01-02"),
		)
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
