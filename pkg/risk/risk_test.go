package risk

import (
	"sync"
	"testing"

	"github.com/argentumfx/core/pkg/fixedpoint"
	"github.com/stretchr/testify/require"
)

// scale converts a price × quantity amount, the unit of Limits, into the
// notional units that CheckOrder, OnFill and Committed work in.
const scale = fixedpoint.NotionalScale

func testLimits() Limits {
	return Limits{MaxOrderValue: 1_000_000, MaxPositionExposure: 2_000_000, MaxDailyLoss: 500_000}
}

func TestCheckOrderRejectsOverSingleOrderLimit(t *testing.T) {
	m := NewManager(testLimits())
	err := m.CheckOrder(1_500_000 * scale)
	require.ErrorIs(t, err, ErrLimitExceeded)
	require.Equal(t, int64(0), m.Committed())
}

func TestCheckOrderAccumulatesCommitted(t *testing.T) {
	m := NewManager(testLimits())
	require.NoError(t, m.CheckOrder(900_000*scale))
	require.NoError(t, m.CheckOrder(900_000*scale))
	require.Equal(t, int64(1_800_000*scale), m.Committed())

	err := m.CheckOrder(900_000 * scale)
	require.ErrorIs(t, err, ErrLimitExceeded)
	require.Equal(t, int64(1_800_000*scale), m.Committed(), "rejected order must not change committed")
}

func TestOnFillMovesCommittedToFilled(t *testing.T) {
	m := NewManager(testLimits())
	require.NoError(t, m.CheckOrder(900_000*scale))
	m.OnFill(900_000 * scale)
	require.Equal(t, int64(0), m.Committed())
	require.Equal(t, int64(900_000*scale), m.Filled())
}

func TestOnCancelReleasesWithoutTouchingFilled(t *testing.T) {
	m := NewManager(testLimits())
	require.NoError(t, m.CheckOrder(900_000*scale))
	m.OnCancel(900_000 * scale)
	require.Equal(t, int64(0), m.Committed())
	require.Equal(t, int64(0), m.Filled())
}

func TestPartialFillLeavesResidualCommitted(t *testing.T) {
	m := NewManager(testLimits())
	require.NoError(t, m.CheckOrder(1_000_000*scale))
	m.OnFill(400_000 * scale)
	require.Equal(t, int64(600_000*scale), m.Committed())
	require.Equal(t, int64(400_000*scale), m.Filled())
	m.OnCancel(600_000 * scale)
	require.Equal(t, int64(0), m.Committed())
}

func TestSellSideIsNegativeNotional(t *testing.T) {
	m := NewManager(testLimits())
	require.NoError(t, m.CheckOrder(-900_000*scale))
	require.Equal(t, int64(-900_000*scale), m.Committed())
	m.OnFill(-900_000 * scale)
	require.Equal(t, int64(0), m.Committed())
	require.Equal(t, int64(-900_000*scale), m.Filled())
}

func TestCheckReplaceSwapsReservationAtomically(t *testing.T) {
	m := NewManager(testLimits())
	require.NoError(t, m.CheckOrder(900_000*scale))
	require.NoError(t, m.CheckReplace(900_000*scale, 500_000*scale))
	require.Equal(t, int64(500_000*scale), m.Committed())
}

func TestCheckReplaceRejectionLeavesOriginalReservationIntact(t *testing.T) {
	m := NewManager(testLimits())
	require.NoError(t, m.CheckOrder(900_000*scale))
	require.NoError(t, m.CheckOrder(900_000*scale))
	// committed is now 1,800,000; the 1,500,000 replacement is over the
	// 1,000,000 single-order limit, and swapping it for the first 900,000
	// reservation would also push committed to 2,400,000, over the 2,000,000 cap.
	err := m.CheckReplace(900_000*scale, 1_500_000*scale)
	require.ErrorIs(t, err, ErrLimitExceeded)
	require.Equal(t, int64(1_800_000*scale), m.Committed(), "rejected replace must not disturb the original reservation")
}

func TestConcurrentCheckOrderNeverExceedsLimit(t *testing.T) {
	m := NewManager(Limits{MaxOrderValue: 100, MaxPositionExposure: 1000, MaxDailyLoss: 1000})
	var wg sync.WaitGroup
	accepted := make(chan int64, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.CheckOrder(100 * scale); err == nil {
				accepted <- 100 * scale
			}
		}()
	}
	wg.Wait()
	close(accepted)

	var total int64
	for v := range accepted {
		total += v
	}
	require.Equal(t, total, m.Committed())
	require.LessOrEqual(t, m.Committed(), int64(1000*scale))
}
