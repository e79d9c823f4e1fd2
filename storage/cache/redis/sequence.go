package rediscache

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
)

const keyPrefix = "masomo:billing:invoice_seq"

// sequencer allocates invoice sequences with INCR, which is atomic across every API instance.
type sequencer struct {
	client redis.Cmdable
}

var _ billing.Sequencer = (*sequencer)(nil) // interface compliance check

func NewSequencer(client redis.Cmdable) *sequencer {
	return &sequencer{client: client}
}

func sequenceKey(prefix string, year int) string {
	return fmt.Sprintf("%s:%s:%d", keyPrefix, prefix, year)
}

func (seq sequencer) NextSequence(ctx context.Context, prefix string, year int) (int64, error) {
	next, err := seq.client.Incr(ctx, sequenceKey(prefix, year)).Result()
	if err != nil {
		return 0, billing.StoreError(err, "incrementing invoice sequence")
	}
	return next, nil
}

var _ billing.SequenceRebaser = (*sequencer)(nil) // interface compliance check

// rebaseScript raises KEYS[1] to ARGV[1] and never lowers it.
var rebaseScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if current < floor then
	redis.call("SET", KEYS[1], floor)
	return floor
end
return current
`)

// RebaseSequence moves a counter that restarted (flush, failover, fresh instance) past the stored invoices.
func (seq sequencer) RebaseSequence(ctx context.Context, prefix string, year int, floor int64) error {
	if err := rebaseScript.Run(ctx, seq.client, []string{sequenceKey(prefix, year)}, floor).Err(); err != nil {
		return billing.StoreError(err, "rebasing invoice sequence")
	}
	return nil
}

// NewClient opens a redis client from the config and checks it is reachable.
func NewClient(ctx context.Context, conf *core.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "pinging redis")
	}
	return client, nil
}
