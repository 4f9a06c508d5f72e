// Package weights maps kline batch sizes to their API weight cost and
// plans how to split large requests to minimize total weight.
package weights

import (
	"errors"
	"fmt"
)

// MaxLimit is the largest batch size a single klines call accepts.
const MaxLimit = 1500

// ErrInvalidLimit is returned for batch sizes outside [1, MaxLimit].
var ErrInvalidLimit = errors.New("invalid klines limit")

// Cost returns the weight the exchange charges for a klines call with the
// given limit. The tiers mirror the published futures API schedule:
// 1-99 costs 1, 100-499 costs 2, 500-1000 costs 5, 1001-1500 costs 10.
func Cost(limit int) (int, error) {
	switch {
	case limit < 1 || limit > MaxLimit:
		return 0, fmt.Errorf("%w: %d (want 1..%d)", ErrInvalidLimit, limit, MaxLimit)
	case limit < 100:
		return 1, nil
	case limit < 500:
		return 2, nil
	case limit <= 1000:
		return 5, nil
	default:
		return 10, nil
	}
}
