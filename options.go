// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package boson

// engineOptions holds configuration resolved at Engine construction.
type engineOptions struct {
	logger         Logger
	metricsEnabled bool
	maxIterPerTick int
}

// --- Engine Options ---

// EngineOption configures an Engine instance.
type EngineOption interface {
	applyEngine(*engineOptions) error
}

type engineOptionImpl struct {
	applyEngineFunc func(*engineOptions) error
}

func (o *engineOptionImpl) applyEngine(opts *engineOptions) error {
	return o.applyEngineFunc(opts)
}

// WithLogger attaches a structured logger (see logging.go) to every
// scheduler the engine starts. The default is a no-op logger.
func WithLogger(logger Logger) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics enables per-scheduler latency/queue-depth metrics
// collection (see metrics.go), retrievable via Scheduler.Metrics().
func WithMetrics(enabled bool) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithMaxIterPerTick bounds how many poller-delivered events a single
// scheduler tick dispatches before yielding back to drain the ready
// queue and inbox again (spec §4.3's loop(max_iter, timeout_ms)).
func WithMaxIterPerTick(n int) EngineOption {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.maxIterPerTick = n
		return nil
	}}
}

// resolveEngineOptions applies EngineOption instances to engineOptions.
func resolveEngineOptions(opts []EngineOption) (*engineOptions, error) {
	cfg := &engineOptions{
		logger:         NoopLogger(),
		maxIterPerTick: 256,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyEngine(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
