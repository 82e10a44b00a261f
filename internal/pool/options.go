package pool

import "go.uber.org/zap"

// Options configures a Pool.
//
// Defaults:
// - LockOSThread: true, the channel goroutine is pinned to one OS thread
// - Logger:       zap.NewNop()
type Options struct {
	LockOSThread bool
	Logger       *zap.Logger
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		LockOSThread: true,
		Logger:       zap.NewNop(),
	}
}

func WithLockOSThread(lock bool) Option { return func(o *Options) { o.LockOSThread = lock } }
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}
