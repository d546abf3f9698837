package gc

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratadb/strata/pkg/types"
)

// runner is the one Collector method the loop needs; narrowed so tests can
// substitute a slow or failing collector.
type runner interface {
	Collect(policy types.GCPolicy) (types.GCResult, error)
}

// AutoGC runs a collector on a timer. It is explicitly started and stopped,
// never implicit: Start spawns the loop, Stop signals it and joins. The
// policy is passed by value into every run, so changing it requires a
// restart rather than racing a shared struct.
type AutoGC struct {
	collector runner
	log       *logrus.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	lastMu     sync.Mutex
	lastResult *types.GCResult
	lastErr    error
}

func NewAutoGC(collector *Collector, log *logrus.Logger) *AutoGC {
	if log == nil {
		log = logrus.New()
	}
	return &AutoGC{collector: collector, log: log}
}

// Start launches the collection loop. The first run happens after one full
// interval, not immediately.
func (a *AutoGC) Start(policy types.GCPolicy, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: auto gc interval %s", types.ErrInvalidArgument, interval)
	}
	if policy.MaxVersionsPerTable < 1 {
		return fmt.Errorf("%w: MaxVersionsPerTable must be >= 1", types.ErrInvalidArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("%w: auto gc already running", types.ErrInvalidArgument)
	}
	a.running = true
	a.stop = make(chan struct{})
	a.done = make(chan struct{})

	go a.loop(policy, interval, a.stop, a.done)

	a.log.WithFields(logrus.Fields{
		"interval":     interval.String(),
		"max_versions": policy.MaxVersionsPerTable,
	}).Info("auto gc started")
	return nil
}

func (a *AutoGC) loop(policy types.GCPolicy, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			result, err := a.collector.Collect(policy)

			a.lastMu.Lock()
			if err != nil {
				a.lastErr = err
			} else {
				r := result
				a.lastResult = &r
				a.lastErr = nil
			}
			a.lastMu.Unlock()

			if err != nil {
				a.log.WithField("err", err).Error("auto gc run failed")
			}
		}
	}
}

// Stop signals the loop and waits up to timeout for it to exit. A run in
// progress finishes first. When the wait times out, the loop is still
// winding down and IsRunning stays true; calling Stop again waits for the
// same exit.
func (a *AutoGC) Stop(timeout time.Duration) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	if a.stop != nil {
		close(a.stop)
		a.stop = nil
	}
	done := a.done
	a.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("auto gc did not stop within %s", timeout)
	}

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.log.Info("auto gc stopped")
	return nil
}

// IsRunning reports whether the loop is live.
func (a *AutoGC) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// LastResult returns the most recent successful run's result, if any run has
// finished yet.
func (a *AutoGC) LastResult() (types.GCResult, bool) {
	a.lastMu.Lock()
	defer a.lastMu.Unlock()
	if a.lastResult == nil {
		return types.GCResult{}, false
	}
	return *a.lastResult, true
}

// LastError returns the error of the most recent failed run, or nil if the
// latest run succeeded.
func (a *AutoGC) LastError() error {
	a.lastMu.Lock()
	defer a.lastMu.Unlock()
	return a.lastErr
}
