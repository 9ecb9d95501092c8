package kevsched

const (
	defaultMaxTasksPerSegment     = 128
	defaultCollectedEventCapacity = 256
)

// schedulerOptions holds configuration resolved from SchedulerOption values.
type schedulerOptions struct {
	eintrRetryLimit        int
	logger                 Logger
	maxTasksPerSegment     int
	collectedEventCapacity int
}

// SchedulerOption configures a Scheduler at construction time.
type SchedulerOption interface {
	applyScheduler(*schedulerOptions) error
}

type schedulerOptionImpl struct {
	applyFunc func(*schedulerOptions) error
}

func (o *schedulerOptionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applyFunc(opts)
}

// WithEINTRRetryLimit bounds how many times Receive retries a syscall that
// failed with EINTR (§7, default 16).
func WithEINTRRetryLimit(n int) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.eintrRetryLimit = n
		return nil
	}}
}

// WithLogger overrides the Scheduler's logger; the default is the
// package-level logger set via SetLogger (or a no-op logger).
func WithLogger(logger Logger) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMaxTasksPerSegment overrides MAX_TASKS_PER_SEGMENT (§3, default 128).
func WithMaxTasksPerSegment(n int) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.maxTasksPerSegment = n
		return nil
	}}
}

// WithCollectedEventCapacity overrides the size of the fixed collected-event
// array used by KernelQueue.Receive (§4.3.5, default 256).
func WithCollectedEventCapacity(n int) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.collectedEventCapacity = n
		return nil
	}}
}

func resolveSchedulerOptions(opts []SchedulerOption) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		eintrRetryLimit:        defaultEINTRRetryLimit,
		maxTasksPerSegment:     defaultMaxTasksPerSegment,
		collectedEventCapacity: defaultCollectedEventCapacity,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.logger == nil {
		cfg.logger = getGlobalLogger()
	}
	return cfg, nil
}
