package engine

import "github.com/dop251/goja"

// Options configures an Engine.
//
// Defaults:
// - FieldNameMapper:  goja.TagFieldNameMapper("json", true)
// - MaxCallStackSize: 0 (runtime default)
// - StackDepth:       10 frames kept on RuntimeException.Stack
type Options struct {
	FieldNameMapper  goja.FieldNameMapper
	MaxCallStackSize int
	StackDepth       int
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		FieldNameMapper: goja.TagFieldNameMapper("json", true),
		StackDepth:      10,
	}
}

func WithFieldNameMapper(m goja.FieldNameMapper) Option {
	return func(o *Options) { o.FieldNameMapper = m }
}
func WithMaxCallStackSize(n int) Option { return func(o *Options) { o.MaxCallStackSize = n } }
func WithStackDepth(n int) Option       { return func(o *Options) { o.StackDepth = n } }
