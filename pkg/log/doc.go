/*
Package log provides structured logging for the LoLa transport using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("skeleton")                │          │
	│  │  - WithServiceID(42)                        │          │
	│  │  - WithInstanceID(1)                        │          │
	│  │  - WithSlot(3)                              │          │
	│  │  - WithSubscriber(logIdx)                   │          │
	│  │  - WithQuality("asil-b")                    │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "skeleton",                 │          │
	│  │    "time": "2026-07-31T10:30:00Z",          │          │
	│  │    "message": "offer advertised"            │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2026-07-31T10:30:00Z INF offer advertised component=skeleton
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init(), with a sensible Info-level default
    applied in this package's own init() so packages that log before
    cmd/lola calls Init still get readable output
  - Accessible from every pkg/lola package
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithServiceID/WithInstanceID: Add the element's fully-qualified id
  - WithSlot: Add the slot index a log line concerns
  - WithSubscriber: Add the subscriber's transaction-log index
  - WithQuality: Add "qm" or "asil-b"

# Usage

Initializing the Logger:

	import "github.com/cuemby/lola/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("offer advertised")
	log.Debug("checking slot allocation")
	log.Warn("QM allocation retries exhausted")
	log.Error("failed to attach shared memory")
	log.Fatal("cannot start without shared-memory mount") // Exits process

Structured Logging:

	log.WithComponent("composite").Warn().
		Msg("QM allocation retries exhausted, latching ignore_qm and dropping QM subscribers")

	log.WithComponent("uidpid").Error().
		Uint32("uid", uid).
		Msg("UID→PID table full")

Component Loggers:

	skeletonLog := log.WithComponent("skeleton")
	skeletonLog.Info().Msg("element registered")

	slotLog := log.WithSlot(slot)
	slotLog.Debug().Int("subscriber_log_idx", logIdx).Msg("reference recorded")

# Integration Points

This package integrates with every pkg/lola package (skeleton, proxy,
control, composite, txlog, uidpid, discovery/flagfile, discovery/watcher)
and with cmd/lola, which is the only caller of log.Init.

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to functions
  - Automatically includes context in all logs
  - Avoids repetitive field specification

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() for stack traces

Don't:
  - Log sensitive data
  - Use Debug level in production
  - Log in tight loops (use sampling)
  - Concatenate strings (use .Str, .Int)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
*/
package log
