package telemetry

import (
	"math"
	"sync"
	"time"
)

type sample struct {
	at   time.Duration // since the session origin
	x    float64
	y    float64
	xRaw float64
	yRaw float64
}

// compact encodes a non-empty buffer as a MoveRun.
func compact(buf []sample) MoveRun {
	run := MoveRun{
		BaseT:      roundMs(buf[0].at),
		DeltaTimes: make([]int64, len(buf)),
		XS:         make([]float64, len(buf)),
		YS:         make([]float64, len(buf)),
	}
	for i, s := range buf {
		prev := buf[0].at
		if i > 0 {
			prev = buf[i-1].at
		}
		run.DeltaTimes[i] = max(1, roundMs(s.at-prev))
		run.XS[i] = s.xRaw
		run.YS[i] = s.yRaw
	}
	return run
}

// roundMs rounds half up, matching browser timestamp rounding.
func roundMs(d time.Duration) int64 {
	ms := float64(d) / float64(time.Millisecond)
	return int64(math.Floor(ms + 0.5))
}

// flushTicker is an interval timer that can be started and stopped
// repeatedly. All methods must be called with the tracker's lock held.
type flushTicker struct {
	interval time.Duration
	stop     chan struct{}
}

func (k *flushTicker) running() bool {
	return k.stop != nil
}

// start launches the ticker unless it is already running. fire runs with
// lock held and only while this generation of the ticker is still current.
func (k *flushTicker) start(lock sync.Locker, fire func()) {
	if k.stop != nil {
		return
	}
	stop := make(chan struct{})
	k.stop = stop

	go func() {
		t := time.NewTicker(k.interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				lock.Lock()
				if k.stop == stop {
					fire()
				}
				lock.Unlock()
			}
		}
	}()
}

func (k *flushTicker) halt() {
	if k.stop == nil {
		return
	}
	close(k.stop)
	k.stop = nil
}
