package jemdb

import (
	"time"

	"github.com/jemdb/jemdb/resource"
	"github.com/jemdb/jemdb/table"
)

// Options configure a database open.
type Options struct {
	// Path is the database directory. Required.
	Path string

	// Create makes a missing directory instead of failing the open.
	Create bool

	// SoftLock steals a stale directory lock whose holder is gone.
	SoftLock bool

	// IgnoreLock opens the directory regardless of an existing lock.
	IgnoreLock bool

	// TableDefaults are merged into per-call options on OpenTable,
	// CreateTable and OpenAll.
	TableDefaults table.Options

	// MaxWaiters bounds each per-table lock queue. 0 means unbounded.
	MaxWaiters int

	// Monitoring configures the call-interception table.
	Monitoring MonitoringOptions

	// Resources bounds background maintenance across all tables.
	Resources resource.Config

	// Logger receives database diagnostics. Nil discards them.
	Logger *Logger
}

// MonitoringOptions configure the monitoring interception layer.
type MonitoringOptions struct {
	// Enable turns interception on.
	Enable bool

	// Table is the name of the in-memory monitoring table.
	Table string

	// Interval is the retention window of monitoring rows. The sweep runs
	// every Interval, or every minute when Interval is longer than that.
	Interval time.Duration

	// MaxQueryLength truncates the encoded query stored per call.
	MaxQueryLength int
}

// DefaultOptions are the defaults applied by Open.
var DefaultOptions = Options{
	TableDefaults: table.DefaultOptions,
	Monitoring: MonitoringOptions{
		Table:          "__monitoring",
		Interval:       15 * time.Minute,
		MaxQueryLength: 200,
	},
}

func (o *Options) normalize() {
	if o.Monitoring.Table == "" {
		o.Monitoring.Table = DefaultOptions.Monitoring.Table
	}
	if o.Monitoring.Interval <= 0 {
		o.Monitoring.Interval = DefaultOptions.Monitoring.Interval
	}
	if o.Monitoring.MaxQueryLength <= 0 {
		o.Monitoring.MaxQueryLength = DefaultOptions.Monitoring.MaxQueryLength
	}
	if o.Logger == nil {
		o.Logger = NoopLogger()
	}
}
