package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PylonLabs/pylon/redis"
	"github.com/PylonLabs/pylon/resp"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

/*
	The bridge between the ledger and the server-side scripts. Every
	call here is one EVAL round trip on the command connection; the
	cross-process atomicity guarantees live in the scripts themselves
	(see scripts.go).
*/

type creditResult struct {
	applied bool
	balance int64
	spent   int64
	calls   int64
}

// evalCreditAdjust runs the credit script. A connection-level failure
// is returned as-is so the caller can take the local fallback path.
func (l *Ledger) evalCreditAdjust(ctx context.Context, keyID string, amount, callsDelta int64) (creditResult, error) {
	reply, err := l.conn.Do(ctx, "EVAL", creditAdjustScript, "1",
		l.keyName(keyID),
		strconv.FormatInt(amount, 10),
		strconv.FormatInt(callsDelta, 10),
	)
	if err != nil {
		var cmdErr *redis.CommandError
		if errors.As(err, &cmdErr) && strings.HasPrefix(cmdErr.Message, "NOKEY") {
			return creditResult{}, &ErrKeyNotFound{Key: keyID}
		}
		return creditResult{}, err
	}

	if reply.Kind != resp.KindArray || len(reply.Array) < 2 {
		return creditResult{}, fmt.Errorf("ledger: malformed credit script reply: %#v", reply)
	}
	applied, err := reply.Array[0].AsInt()
	if err != nil {
		return creditResult{}, err
	}
	balance, err := reply.Array[1].AsInt()
	if err != nil {
		return creditResult{}, err
	}
	if applied == 0 {
		return creditResult{applied: false, balance: balance}, nil
	}
	if len(reply.Array) < 4 {
		return creditResult{}, fmt.Errorf("ledger: malformed credit script reply: %#v", reply)
	}
	spent, err := reply.Array[2].AsInt()
	if err != nil {
		return creditResult{}, err
	}
	calls, err := reply.Array[3].AsInt()
	if err != nil {
		return creditResult{}, err
	}
	return creditResult{applied: true, balance: balance, spent: spent, calls: calls}, nil
}

type rateResult struct {
	allowed bool
	count   int64
	retry   time.Duration
}

// evalRateWindow runs the sliding-window script: trim, count, and
// conditional add in one round trip.
func (l *Ledger) evalRateWindow(ctx context.Context, keyID, tool string, limit int64, window time.Duration) (rateResult, error) {
	reply, err := l.conn.Do(ctx, "EVAL", rateWindowScript, "1",
		l.rateName(keyID, tool),
		strconv.FormatInt(limit, 10),
		strconv.FormatInt(window.Milliseconds(), 10),
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		uuid.NewString(),
	)
	if err != nil {
		return rateResult{}, err
	}
	if reply.Kind != resp.KindArray || len(reply.Array) < 3 {
		return rateResult{}, fmt.Errorf("ledger: malformed rate script reply: %#v", reply)
	}
	allowed, err := reply.Array[0].AsInt()
	if err != nil {
		return rateResult{}, err
	}
	count, err := reply.Array[1].AsInt()
	if err != nil {
		return rateResult{}, err
	}
	retryMs, err := reply.Array[2].AsInt()
	if err != nil {
		return rateResult{}, err
	}
	return rateResult{
		allowed: allowed == 1,
		count:   count,
		retry:   time.Duration(retryMs) * time.Millisecond,
	}, nil
}
