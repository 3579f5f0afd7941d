package task

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jalmeida85/vector-pmda/internal/status"
)

// durationArg is the only store argument shape accepted. Anything else
// is rejected outright; the value eventually reaches an external
// process invocation.
var durationArg = regexp.MustCompile(`^[0-9]*$`)

// Request describes one admitted session handed to the launcher.
type Request struct {
	Metric    string
	Context   int
	Seconds   int
	Container string
}

// LaunchFunc runs one profiling session to its terminal status. It is
// called on its own goroutine and blocks until the session ends.
type LaunchFunc func(req Request)

// Options bound the dispatcher's admissions.
type Options struct {
	// DefaultSeconds applies when a store carries no duration.
	DefaultSeconds int
	// MaxSeconds rejects longer requests; zero leaves the duration
	// unbounded.
	MaxSeconds int
	// MaxConcurrent caps in-flight sessions system-wide; zero means
	// no cap.
	MaxConcurrent int
}

// Dispatcher is the synchronous request handler for the task protocol.
// Neither operation ever blocks: Store performs an atomic admission
// check and a detached spawn, Fetch a read and a conditional one-shot
// clear.
type Dispatcher struct {
	store   *status.Store
	logger  zerolog.Logger
	metrics *Metrics
	launch  LaunchFunc
	opts    Options

	sem chan struct{}

	mu sync.Mutex
	// containers maps a client context to its active container scope,
	// set through the side-channel and consumed by subsequent stores
	// from the same context.
	containers map[int]string
}

// NewDispatcher creates a dispatcher. metrics may be nil to disable
// self-metrics (tests).
func NewDispatcher(store *status.Store, launch LaunchFunc, opts Options, metrics *Metrics, logger zerolog.Logger) *Dispatcher {
	if opts.DefaultSeconds <= 0 {
		opts.DefaultSeconds = 60
	}
	d := &Dispatcher{
		store:      store,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
		metrics:    metrics,
		launch:     launch,
		opts:       opts,
		containers: make(map[int]string),
	}
	if opts.MaxConcurrent > 0 {
		d.sem = make(chan struct{}, opts.MaxConcurrent)
	}
	return d
}

// Store admits a profiling session for (metric, ctxID). arg is an
// optional duration in seconds. The call returns as soon as the
// session is admitted and spawned; instrumentation failures surface
// later through Fetch, never here.
func (d *Dispatcher) Store(metric string, ctxID int, arg string) error {
	profile, ok := Lookup(metric)
	if !ok {
		return ErrUnknownMetric
	}

	if !durationArg.MatchString(arg) {
		d.reject(metric, "bad_input")
		return fmt.Errorf("%w: duration must be numeric, got %q", ErrBadInput, arg)
	}

	seconds := d.opts.DefaultSeconds
	if profile.TakesDuration && arg != "" {
		parsed, err := strconv.Atoi(arg)
		if err != nil || parsed <= 0 {
			d.reject(metric, "bad_input")
			return fmt.Errorf("%w: invalid duration %q", ErrBadInput, arg)
		}
		if d.opts.MaxSeconds > 0 && parsed > d.opts.MaxSeconds {
			d.reject(metric, "bad_input")
			return fmt.Errorf("%w: duration %d exceeds maximum %d", ErrBadInput, parsed, d.opts.MaxSeconds)
		}
		seconds = parsed
	}

	// System-wide concurrency bound, taken before the per-key check so
	// a rejected admission releases nothing it did not take.
	if d.sem != nil {
		select {
		case d.sem <- struct{}{}:
		default:
			d.reject(metric, "capacity")
			return fmt.Errorf("%w: %d sessions already in flight", ErrAgainLater, cap(d.sem))
		}
	}

	admitted, err := d.store.Admit(metric, ctxID)
	if err != nil {
		d.releaseSlot()
		return fmt.Errorf("admission failed: %w", err)
	}
	if !admitted {
		d.releaseSlot()
		d.reject(metric, "busy")
		return fmt.Errorf("%w: session for %s already in flight", ErrAgainLater, metric)
	}

	req := Request{
		Metric:    metric,
		Context:   ctxID,
		Seconds:   seconds,
		Container: d.containerFor(ctxID),
	}

	d.logger.Info().
		Str("metric", metric).
		Int("ctx", ctxID).
		Int("seconds", seconds).
		Str("container", req.Container).
		Msg("session admitted")
	if d.metrics != nil {
		d.metrics.StoresAdmitted.WithLabelValues(metric).Inc()
		d.metrics.SessionsActive.Inc()
	}

	go func() {
		defer d.releaseSlot()
		defer func() {
			if d.metrics != nil {
				d.metrics.SessionsActive.Dec()
			}
		}()
		d.launch(req)
	}()

	return nil
}

// Fetch reads the current status for (metric, ctxID). An idle key
// yields "IDLE". A record of exactly "DONE" is rewritten to carry the
// artifact reference and cleared, returning the key to idle; this
// terminal signal is delivered exactly once. Every other record
// (progress, ERROR) is returned verbatim without clearing.
func (d *Dispatcher) Fetch(metric string, ctxID int) (string, error) {
	if _, ok := Lookup(metric); !ok {
		return "", ErrUnknownMetric
	}
	if d.metrics != nil {
		d.metrics.Fetches.WithLabelValues(metric).Inc()
	}

	value, ok := d.store.Consume(metric, ctxID)
	if !ok {
		return status.StatusIdle, nil
	}
	if value == status.StatusDone {
		return fmt.Sprintf("%s %s", status.StatusDone, ArtifactRef(metric, ctxID)), nil
	}
	return value, nil
}

// SetContainer sets the active container scope for subsequent stores
// from the given client context. An empty name clears the scope back
// to whole-host.
func (d *Dispatcher) SetContainer(ctxID int, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name == "" {
		delete(d.containers, ctxID)
		return
	}
	d.containers[ctxID] = name
}

// ArtifactRef derives the artifact reference for a session key. The
// layout is deterministic: one image per (metric, context) under the
// metric's working subdirectory.
func ArtifactRef(metric string, ctxID int) string {
	return fmt.Sprintf("%s/%s.%d.svg", metric, metric, ctxID)
}

func (d *Dispatcher) containerFor(ctxID int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.containers[ctxID]
}

func (d *Dispatcher) releaseSlot() {
	if d.sem != nil {
		<-d.sem
	}
}

func (d *Dispatcher) reject(metric, reason string) {
	if d.metrics != nil {
		d.metrics.StoresRejected.WithLabelValues(metric, reason).Inc()
	}
}
