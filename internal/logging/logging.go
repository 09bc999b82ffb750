// Package logging builds the structured logger used throughout the
// ingestion pipeline, matching the construction pattern demonstrated in
// github.com/joeycumines/stumpy's example tests: a logiface.Logger backed
// by stumpy's zero-allocation JSON event encoder.
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type used across the ingestion packages.
type Logger = logiface.Logger[*stumpy.Event]

// New builds a Logger writing newline-delimited JSON to w (os.Stderr if nil),
// at the given level. level is a pointer because logiface.LevelEmergency is
// the zero value of logiface.Level (see logiface's own level.go: Disabled =
// iota - 1), so a plain logiface.Level can't distinguish "unset, use the
// default" from "explicitly Emergency". Pass nil for
// logiface.LevelInformational.
func New(w io.Writer, level *logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl := logiface.LevelInformational
	if level != nil {
		lvl = *level
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(lvl),
	)
}

// WithPartitionFields returns a field-setting function that stamps every
// event logged through it with the partition identity, so a single log
// stream can be filtered per partition without cross-referencing (SPEC_FULL
// §10.1).
func WithPartitionFields(topic string, partition int32) func(b *logiface.Builder[*stumpy.Event]) *logiface.Builder[*stumpy.Event] {
	return func(b *logiface.Builder[*stumpy.Event]) *logiface.Builder[*stumpy.Event] {
		return b.Str("topic", topic).Int64("partition", int64(partition))
	}
}
