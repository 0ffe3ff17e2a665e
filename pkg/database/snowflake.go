package database

import (
	"sync/atomic"
	"time"
)

// snowflakeEpoch is 2024-01-01 UTC in milliseconds.
var snowflakeEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// Snowflake hands out time-ordered 64-bit message ids:
// 41 bits of milliseconds since epoch | 10 bits worker | 12 bits sequence.
type Snowflake struct {
	epoch    int64
	workerID int64
	state    atomic.Int64 // last timestamp << sequenceBits | sequence
}

// NewSnowflake creates a generator. Out-of-range worker ids fall back to 0.
func NewSnowflake(epoch, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{epoch: epoch, workerID: workerID}
}

// NextID returns the next id. It never blocks on a lock; concurrent callers
// retry the compare-and-swap until one wins.
func (s *Snowflake) NextID() int64 {
	for {
		old := s.state.Load()
		lastTime := old >> sequenceBits
		seq := old & sequenceMask

		now := time.Now().UnixMilli()
		// A clock that moved backwards keeps counting on the last timestamp.
		if now < lastTime {
			now = lastTime
		}

		if now == lastTime {
			seq = (seq + 1) & sequenceMask
			if seq == 0 {
				// 4096 ids this millisecond; move on to the next one.
				now = waitUntilAfter(lastTime)
			}
		} else {
			seq = 0
		}

		if s.state.CompareAndSwap(old, now<<sequenceBits|seq) {
			return (now-s.epoch)<<timestampShift | s.workerID<<workerIDShift | seq
		}
	}
}

// Time extracts the creation time encoded in an id.
func (s *Snowflake) Time(id int64) time.Time {
	return time.UnixMilli((id >> timestampShift) + s.epoch).UTC()
}

func waitUntilAfter(ms int64) int64 {
	for {
		now := time.Now().UnixMilli()
		if now > ms {
			return now
		}
		time.Sleep(50 * time.Microsecond)
	}
}
