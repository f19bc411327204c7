package es

import "log/slog"

// Version is the number of events folded into an aggregate's state. A stream
// at Version N holds events 1..N; a fresh aggregate is at 0. Appends are
// checked against the expected Version for optimistic concurrency.
type Version uint64

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) Next() Version                          { return v + 1 }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }
