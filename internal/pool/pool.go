// Package pool spreads process jobs over several accelerators.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/accelhost/internal/accelerator"
	"github.com/cochaviz/accelhost/internal/faults"
	"github.com/cochaviz/accelhost/internal/host"
	"github.com/cochaviz/accelhost/internal/logging"
	"github.com/cochaviz/accelhost/internal/params"
	"github.com/cochaviz/accelhost/internal/session"
)

// Config describes a pool of identical accelerators.
type Config struct {
	Size        int
	Accelerator accelerator.Config
	Meter       metric.Meter
	Logger      *slog.Logger
}

// Pool dispatches each job to the accelerator with the fewest running jobs.
type Pool struct {
	workers []*accelerator.Accelerator
	logger  *slog.Logger

	jobs     metric.Int64Counter
	failures metric.Int64Counter
	running  metric.Int64UpDownCounter
	duration metric.Float64Histogram

	mu sync.Mutex
}

// New creates Size accelerators from the same configuration.
func New(cfg Config) (*Pool, error) {
	if cfg.Size < 1 {
		return nil, faults.Configurationf("pool size must be at least 1, got %d", cfg.Size)
	}
	attached := cfg.Accelerator.Host.InstanceID != "" || cfg.Accelerator.Host.Endpoint != ""
	if attached && cfg.Size > 1 {
		return nil, faults.Configurationf("a pool of %d accelerators cannot share one instance or endpoint", cfg.Size)
	}

	logger := logging.Ensure(cfg.Logger)
	workers := make([]*accelerator.Accelerator, 0, cfg.Size)
	for i := 0; i < cfg.Size; i++ {
		acc, err := accelerator.New(cfg.Accelerator)
		if err != nil {
			return nil, fmt.Errorf("create accelerator %d: %w", i, err)
		}
		workers = append(workers, acc)
	}

	p := &Pool{workers: workers, logger: logger.With("component", "pool")}
	if err := p.initMetrics(cfg.Meter); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) initMetrics(meter metric.Meter) error {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	var err error
	if p.jobs, err = meter.Int64Counter("accelhost.pool.jobs",
		metric.WithDescription("Jobs submitted to the pool")); err != nil {
		return fmt.Errorf("create jobs counter: %w", err)
	}
	if p.failures, err = meter.Int64Counter("accelhost.pool.failures",
		metric.WithDescription("Jobs that returned an error")); err != nil {
		return fmt.Errorf("create failures counter: %w", err)
	}
	if p.running, err = meter.Int64UpDownCounter("accelhost.pool.running",
		metric.WithDescription("Jobs currently running")); err != nil {
		return fmt.Errorf("create running counter: %w", err)
	}
	if p.duration, err = meter.Float64Histogram("accelhost.pool.job.duration",
		metric.WithDescription("Job duration"), metric.WithUnit("s")); err != nil {
		return fmt.Errorf("create duration histogram: %w", err)
	}
	return nil
}

// Size returns the number of accelerators.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Accelerators returns the pool members.
func (p *Pool) Accelerators() []*accelerator.Accelerator {
	return append([]*accelerator.Accelerator(nil), p.workers...)
}

// Start starts and configures every accelerator concurrently. The first
// failure cancels the other starts.
func (p *Pool) Start(ctx context.Context, datafile *session.Payload, overrides map[string]any) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, acc := range p.workers {
		g.Go(func() error {
			if _, err := acc.Start(gctx, datafile, overrides); err != nil {
				return fmt.Errorf("start accelerator %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.logger.Info("pool started", "size", len(p.workers))
	return nil
}

// Stop stops every accelerator concurrently and returns all failures.
func (p *Pool) Stop(ctx context.Context, mode host.StopMode) error {
	errs := make([]error, len(p.workers))
	var g errgroup.Group
	for i, acc := range p.workers {
		g.Go(func() error {
			if _, err := acc.Stop(ctx, mode); err != nil {
				errs[i] = fmt.Errorf("stop accelerator %d: %w", i, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close stops with each accelerator's stored stop mode, logging failures.
func (p *Pool) Close() {
	if err := p.Stop(context.Background(), host.StopUnset); err != nil {
		p.logger.Warn("stop on close failed", "error", err)
	}
}

// Running returns the number of jobs running on the pool.
func (p *Pool) Running() int {
	total := 0
	for _, acc := range p.workers {
		total += acc.Running()
	}
	return total
}

// Submit dispatches job to the least loaded accelerator. Ties go to the
// first accelerator.
func (p *Pool) Submit(ctx context.Context, job accelerator.Job) *accelerator.Future {
	p.mu.Lock()
	index := 0
	for i, acc := range p.workers {
		if acc.Running() < p.workers[index].Running() {
			index = i
		}
	}
	worker := p.workers[index]
	p.jobs.Add(ctx, 1, metric.WithAttributes(attribute.Int("worker", index)))
	p.running.Add(ctx, 1)
	start := time.Now()
	jobCtx, cancel := context.WithCancel(ctx)
	inner := worker.Submit(jobCtx, job)
	p.mu.Unlock()

	return accelerator.Go(ctx, func(ctx context.Context) (params.Tree, error) {
		defer cancel()
		select {
		case <-inner.Done():
		case <-ctx.Done():
			cancel()
			<-inner.Done()
		}
		result, err := inner.Wait(context.Background())

		bg := context.WithoutCancel(ctx)
		p.running.Add(bg, -1)
		p.duration.Record(bg, time.Since(start).Seconds())
		if err != nil {
			p.failures.Add(bg, 1)
		}
		return result, err
	})
}

// Result is the outcome of one job of a map.
type Result struct {
	// Index is the position of the job in the submitted slice.
	Index    int
	Specific params.Tree
}

// MapOptions tunes ProcessMap.
type MapOptions struct {
	// Timeout bounds the whole map. Zero waits forever.
	Timeout time.Duration
	// Unordered yields results as they complete instead of in submission
	// order.
	Unordered bool
}

// ProcessMap submits all jobs and yields their results. A failed job yields
// its error and the map goes on. When the timeout expires the remaining jobs
// are cancelled and a final RuntimeError wrapping faults.ErrTimedOut is
// yielded. Stopping the iteration early cancels the remaining jobs.
func (p *Pool) ProcessMap(ctx context.Context, jobs []accelerator.Job, opts MapOptions) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		mapCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if opts.Timeout > 0 {
			var cancelTimeout context.CancelFunc
			mapCtx, cancelTimeout = context.WithTimeout(mapCtx, opts.Timeout)
			defer cancelTimeout()
		}

		futures := make([]*accelerator.Future, len(jobs))
		for i, job := range jobs {
			futures[i] = p.Submit(mapCtx, job)
		}
		defer func() {
			for _, f := range futures {
				f.Cancel()
			}
		}()

		timedOut := func() bool {
			return errors.Is(mapCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		}
		timeoutErr := func(pending int) error {
			p.logger.Warn("process map timed out", "timeout", opts.Timeout, "pending", pending)
			return &faults.RuntimeError{
				Stage: faults.StageProcess,
				Msg:   fmt.Sprintf("%d jobs not finished after %s", pending, opts.Timeout),
				Err:   faults.ErrTimedOut,
			}
		}

		if !opts.Unordered {
			for i, f := range futures {
				if !await(mapCtx, f) {
					if timedOut() {
						yield(Result{Index: -1}, timeoutErr(len(futures)-i))
					} else {
						yield(Result{Index: -1}, ctx.Err())
					}
					return
				}
				specific, err := f.Wait(context.Background())
				if !yield(Result{Index: i, Specific: specific}, err) {
					return
				}
			}
			return
		}

		done := make(chan int, len(futures))
		for i, f := range futures {
			go func() {
				select {
				case <-f.Done():
					done <- i
				case <-mapCtx.Done():
				}
			}()
		}
		for received := 0; received < len(futures); received++ {
			select {
			case i := <-done:
				specific, err := futures[i].Wait(context.Background())
				if !yield(Result{Index: i, Specific: specific}, err) {
					return
				}
			case <-mapCtx.Done():
				if timedOut() {
					yield(Result{Index: -1}, timeoutErr(len(futures)-received))
				} else {
					yield(Result{Index: -1}, ctx.Err())
				}
				return
			}
		}
	}
}

// await waits for f and reports whether it finished before ctx ended. A
// finished future wins over a done context.
func await(ctx context.Context, f *accelerator.Future) bool {
	select {
	case <-f.Done():
		return true
	default:
	}
	select {
	case <-f.Done():
		return true
	case <-ctx.Done():
		return false
	}
}

// FileJobs builds jobs reading inputs from filesIn and writing results to
// filesOut. Either list may be empty; otherwise both must have the same
// length. Output directories are created. The returned close function
// closes the outputs written so far.
func FileJobs(filesIn, filesOut []string, parameters map[string]any) ([]accelerator.Job, func() error, error) {
	count := max(len(filesIn), len(filesOut))
	if len(filesIn) > 0 && len(filesOut) > 0 && len(filesIn) != len(filesOut) {
		return nil, nil, faults.Configurationf("%d input files for %d output files", len(filesIn), len(filesOut))
	}

	jobs := make([]accelerator.Job, count)
	sinks := make([]*fileSink, 0, len(filesOut))
	for i := range jobs {
		jobs[i].Parameters = parameters
		if len(filesIn) > 0 {
			if _, err := os.Stat(filesIn[i]); err != nil {
				return nil, nil, &faults.ConfigurationError{Msg: "input file " + filesIn[i], Err: err}
			}
			jobs[i].In = session.FilePayload(filesIn[i])
		}
		if len(filesOut) > 0 {
			if err := os.MkdirAll(filepath.Dir(filesOut[i]), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create output directory: %w", err)
			}
			sink := &fileSink{path: filesOut[i]}
			sinks = append(sinks, sink)
			jobs[i].Out = sink
		}
	}
	closeAll := func() error {
		var errs []error
		for _, s := range sinks {
			errs = append(errs, s.Close())
		}
		return errors.Join(errs...)
	}
	return jobs, closeAll, nil
}

// fileSink creates its file on first write.
type fileSink struct {
	path string
	mu   sync.Mutex
	file *os.File
}

var _ io.WriteCloser = (*fileSink)(nil)

func (s *fileSink) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		f, err := os.Create(s.path)
		if err != nil {
			return 0, err
		}
		s.file = f
	}
	return s.file.Write(b)
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
