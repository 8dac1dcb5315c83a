package ecat

import "time"

// EtherCatSystemTime is a 64-bit nanosecond timestamp with a master-chosen
// monotonic origin, used for Distributed Clocks drift compensation and for
// every cyclic task's timeout bookkeeping (spec.md §3).
type EtherCatSystemTime uint64

// Now returns the current EtherCatSystemTime, using the process monotonic
// clock with an origin fixed at first call. The master's own driver loop
// is the only caller on the hot path; tasks only ever receive a time value,
// they never read the clock themselves (spec.md §5: suspension points are
// only at cycle boundaries).
var systemTimeOrigin = time.Now()

func Now() EtherCatSystemTime {
	return EtherCatSystemTime(time.Since(systemTimeOrigin).Nanoseconds())
}

// Add returns t+d.
func (t EtherCatSystemTime) Add(d time.Duration) EtherCatSystemTime {
	return t + EtherCatSystemTime(d.Nanoseconds())
}

// Sub returns the signed duration from u to t (t-u).
func (t EtherCatSystemTime) Sub(u EtherCatSystemTime) time.Duration {
	return time.Duration(int64(t) - int64(u))
}
