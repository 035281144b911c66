package fsevent

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DeviceID identifies the filesystem a stream of event ids belongs to.
// Event ids are only ordered within one device.
type DeviceID uint64

// Oracle answers "what was the last event id issued on dev strictly before
// timestamp". Implementations are expected to be expensive; the Clock
// memoizes around them.
type Oracle interface {
	LastEventIDBefore(dev DeviceID, timestamp int64) (uint64, error)
}

// deviceTimeCacheSize bounds the memo of oracle answers per clock.
const deviceTimeCacheSize = 1024

// Clock maps event ids back to wall-clock seconds for a single device.
// Binding the device at construction makes mixing id streams from different
// filesystems a type-level impossibility rather than a runtime hazard.
type Clock struct {
	dev    DeviceID
	oracle Oracle
	memo   *lru.Cache[int64, uint64]
	now    func() int64
}

func NewClock(dev DeviceID, oracle Oracle) (*Clock, error) {
	memo, err := lru.New[int64, uint64](deviceTimeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle memo: %w", err)
	}
	return &Clock{
		dev:    dev,
		oracle: oracle,
		memo:   memo,
		now:    func() int64 { return time.Now().Unix() },
	}, nil
}

// Device returns the device this clock is bound to.
func (c *Clock) Device() DeviceID {
	return c.dev
}

// IDToTimestamp binary-searches [0, now] for the second during which id was
// issued. The answer is approximate to one second, which is all the oracle
// itself can resolve.
func (c *Clock) IDToTimestamp(id uint64) (int64, error) {
	begin, end := int64(0), c.now()
	for {
		mid := begin + (end-begin)/2
		midID, err := c.lastIDBefore(mid)
		if err != nil {
			return 0, err
		}
		if mid == begin || mid == end {
			return mid, nil
		}
		switch {
		case midID < id:
			begin = mid
		case midID > id:
			end = mid
		default:
			return mid, nil
		}
	}
}

func (c *Clock) lastIDBefore(ts int64) (uint64, error) {
	if id, ok := c.memo.Get(ts); ok {
		return id, nil
	}
	id, err := c.oracle.LastEventIDBefore(c.dev, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve last event id before %d: %w", ts, err)
	}
	c.memo.Add(ts, id)
	return id, nil
}
