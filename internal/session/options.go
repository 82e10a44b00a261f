package session

import (
	"time"

	"go.uber.org/zap"

	engine "github.com/hanpama/hostbridge/internal/engine"
	logging "github.com/hanpama/hostbridge/internal/logging"
)

// Options configures a Session.
//
// Defaults:
// - Logger:       logging.Logger() at Open time
// - LockOSThread: true
// - TaskTTL:      0, detached tasks are kept until released
type Options struct {
	Logger        *zap.Logger
	LockOSThread  bool
	TaskTTL       time.Duration
	EngineOptions []engine.Option
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{Logger: logging.Logger(), LockOSThread: true}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}
func WithLockOSThread(lock bool) Option { return func(o *Options) { o.LockOSThread = lock } }
func WithTaskTTL(d time.Duration) Option { return func(o *Options) { o.TaskTTL = d } }
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *Options) { o.EngineOptions = append(o.EngineOptions, opts...) }
}
