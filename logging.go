package conductor

import (
	"context"
	"log/slog"
)

// discardHandler is a slog.Handler that drops every record. Used as the
// fallback so every component can assume logger is never nil.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// nopLogger is the never-nil fallback used by every constructor that takes
// an optional *slog.Logger.
var nopLogger = slog.New(discardHandler{})
