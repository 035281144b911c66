package fsevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOracle derives answers from a fixed issue log: ids[i] was issued at
// times[i], both strictly increasing.
type fakeOracle struct {
	ids   []uint64
	times []int64
	calls int
}

func (o *fakeOracle) LastEventIDBefore(_ DeviceID, ts int64) (uint64, error) {
	o.calls++
	last := uint64(0)
	for i, t := range o.times {
		if t < ts {
			last = o.ids[i]
		}
	}
	return last, nil
}

func TestClock(t *testing.T) {
	newClock := func(t *testing.T, o *fakeOracle, now int64) *Clock {
		t.Helper()
		c, err := NewClock(DeviceID(7), o)
		require.NoError(t, err)
		c.now = func() int64 { return now }
		return c
	}

	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{
			name: "ResolvesIssueWindow",
			test: func(t *testing.T) {
				oracle := &fakeOracle{
					ids:   []uint64{10, 20, 30, 40},
					times: []int64{100, 2000, 30000, 400000},
				}
				c := newClock(t, oracle, 500000)
				for i, id := range oracle.ids {
					ts, err := c.IDToTimestamp(id)
					require.NoError(t, err)
					// id was the newest event anywhere between its
					// issue second and the next id's.
					assert.Greater(t, ts, oracle.times[i], "id %d", id)
					if i+1 < len(oracle.times) {
						assert.LessOrEqual(t, ts, oracle.times[i+1], "id %d", id)
					}
				}
			},
		},
		{
			name: "MonotoneOverIssueOrder",
			test: func(t *testing.T) {
				oracle := &fakeOracle{
					ids:   []uint64{1, 2, 3, 4, 5},
					times: []int64{50, 900, 7000, 80000, 200000},
				}
				c := newClock(t, oracle, 1 << 20)
				var prev int64 = -1
				for _, id := range oracle.ids {
					ts, err := c.IDToTimestamp(id)
					require.NoError(t, err)
					assert.GreaterOrEqual(t, ts, prev)
					prev = ts
				}
			},
		},
		{
			name: "MemoizesOracleAnswers",
			test: func(t *testing.T) {
				oracle := &fakeOracle{
					ids:   []uint64{5},
					times: []int64{12345},
				}
				c := newClock(t, oracle, 100000)
				_, err := c.IDToTimestamp(5)
				require.NoError(t, err)
				first := oracle.calls
				_, err = c.IDToTimestamp(5)
				require.NoError(t, err)
				assert.Equal(t, first, oracle.calls, "repeat query must be served from the memo")
			},
		},
		{
			name: "BoundCollisionTerminates",
			test: func(t *testing.T) {
				// id 2 is never the oracle's answer, so the search
				// can only finish by running out of range. It must
				// still land between its neighbours.
				oracle := &fakeOracle{
					ids:   []uint64{1, 3},
					times: []int64{10, 11},
				}
				c := newClock(t, oracle, 3600)
				ts, err := c.IDToTimestamp(2)
				require.NoError(t, err)
				assert.InDelta(t, 11, ts, 1)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}
