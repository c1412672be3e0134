package vecfs

import (
	"log/slog"

	"github.com/vecfs/vecfs/distance"
	"github.com/vecfs/vecfs/internal/fsx"
	"github.com/vecfs/vecfs/internal/resource"
)

const (
	// DefaultOverfetchFactor is the multiplier applied to the search limit
	// when fetching approximate candidates, so payload filters and the
	// min-score cut do not starve the final result set.
	DefaultOverfetchFactor = 3

	// DefaultM is the default graph connectivity.
	DefaultM = 16

	// DefaultEF is the default candidate list size for graph construction
	// and search.
	DefaultEF = 200
)

type options struct {
	logger          *Logger
	fs              fsx.FileSystem
	metric          distance.Metric
	overfetchFactor int
	m               int
	ef              int
	resources       resource.Config
}

// Option configures Store construction.
type Option func(*options)

// WithLogger configures structured logging. Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithFileSystem overrides the file system, mainly for fault injection in
// tests.
func WithFileSystem(fs fsx.FileSystem) Option {
	return func(o *options) {
		if fs == nil {
			fs = fsx.Default
		}
		o.fs = fs
	}
}

// WithMetric configures the similarity metric for new collections.
func WithMetric(m distance.Metric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithOverfetchFactor configures how many approximate candidates are
// fetched per requested result before filtering.
func WithOverfetchFactor(factor int) Option {
	return func(o *options) {
		if factor > 0 {
			o.overfetchFactor = factor
		}
	}
}

// WithGraphParams tunes ANN graph construction. Values <= 0 keep the
// defaults.
func WithGraphParams(m, ef int) Option {
	return func(o *options) {
		if m > 0 {
			o.m = m
		}
		if ef > 0 {
			o.ef = ef
		}
	}
}

// WithResourceLimits bounds background rebuild concurrency and IO.
func WithResourceLimits(cfg resource.Config) Option {
	return func(o *options) {
		o.resources = cfg
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:          NoopLogger(),
		fs:              fsx.Default,
		metric:          distance.MetricCosine,
		overfetchFactor: DefaultOverfetchFactor,
		m:               DefaultM,
		ef:              DefaultEF,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
