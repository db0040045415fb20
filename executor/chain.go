package executor

import (
	"context"

	"github.com/cockroachdb/errors"

	"dragonfabric/df"
)

// chain runs the follow-up generated for an increment that already
// committed as n. The follow-up's failure is returned, not raised: the
// increment stays applied either way.
func (e *Executor) chain(ctx context.Context, op Increment, n int64, depth int) (*Result, error) {
	next := op.Then(n)
	if next == nil {
		return nil, nil
	}
	if depth+1 > e.maxChain {
		err := errors.Wrapf(df.ErrChainTooDeep, "limit %d", e.maxChain)
		e.log.Warn().Err(err).Hex("key", op.Key).Int64("counter", n).Msg("chained operation dropped")
		return nil, err
	}
	res, err := e.execute(ctx, next, depth+1)
	if err != nil {
		e.log.Warn().Err(err).
			Hex("key", op.Key).
			Int64("counter", n).
			Stringer("chained", next.Kind()).
			Msg("chained operation failed")
		return nil, err
	}
	return &res, nil
}
