package isapi

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// watchdogInterval derives the check period from the idle timeout.
// Checks run at a quarter of the timeout, clamped to [250ms, 5s].
func watchdogInterval(idleTimeout time.Duration) time.Duration {
	interval := idleTimeout / 4
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	return interval
}

// idleWatchdog cancels a stream that has delivered no bytes for longer than
// the idle timeout. Devices send heartbeat parts every few seconds, so a
// silent connection is a dead one.
type idleWatchdog struct {
	timeout  time.Duration
	lastRead atomic.Int64 // unix nanos
	cancel   context.CancelCauseFunc
	stop     chan struct{}
	once     sync.Once
}

// startWatchdog wraps r and calls cancel with ErrStreamStalled once r stays
// silent past timeout. A zero timeout disables it. The returned func stops
// the watchdog.
func startWatchdog(r io.Reader, timeout time.Duration, cancel context.CancelCauseFunc) (io.Reader, func()) {
	if timeout <= 0 {
		return r, func() {}
	}

	w := &idleWatchdog{
		timeout: timeout,
		cancel:  cancel,
		stop:    make(chan struct{}),
	}
	w.touch()

	go w.run()

	return &watchedReader{r: r, w: w}, w.halt
}

func (w *idleWatchdog) touch() {
	w.lastRead.Store(time.Now().UnixNano())
}

func (w *idleWatchdog) idle() time.Duration {
	return time.Since(time.Unix(0, w.lastRead.Load()))
}

func (w *idleWatchdog) halt() {
	w.once.Do(func() { close(w.stop) })
}

func (w *idleWatchdog) run() {
	ticker := time.NewTicker(watchdogInterval(w.timeout))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if w.idle() >= w.timeout {
				w.cancel(ErrStreamStalled)
				return
			}
		case <-w.stop:
			return
		}
	}
}

type watchedReader struct {
	r io.Reader
	w *idleWatchdog
}

func (wr *watchedReader) Read(p []byte) (int, error) {
	n, err := wr.r.Read(p)
	if n > 0 {
		wr.w.touch()
	}
	return n, err
}
