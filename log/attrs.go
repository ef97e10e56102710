package log

import (
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Attr adds fields to a logger context.
type Attr func(zerolog.Context) zerolog.Context

func Str(key, val string) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str(key, val)
	}
}

func Int64(key string, val int64) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Int64(key, val)
	}
}

// NS is the source namespace.
func NS(db, coll string) Attr {
	return Str("ns", db+"."+coll)
}

// TargetNS is the namespace on the target cluster.
func TargetNS(db, coll string) Attr {
	return Str("target_ns", db+"."+coll)
}

func Op(op string) Attr {
	return Str("op", op)
}

// OpTime renders an oplog timestamp as "T.I".
func OpTime(t, i uint32) Attr {
	return Str("op_ts", strconv.FormatUint(uint64(t), 10)+"."+strconv.FormatUint(uint64(i), 10))
}

func Elapsed(d time.Duration) Attr {
	return Str("elapsed", d.Round(time.Millisecond).String())
}

func Count(n int64) Attr {
	return Int64("count", n)
}

// Size renders a byte count in human form.
func Size(n int64) Attr {
	if n < 0 {
		n = 0
	}

	return Str("size", humanize.Bytes(uint64(n)))
}

func Chunk(n int) Attr {
	return Int64("chunk", int64(n))
}

func RunID(id string) Attr {
	return Str("run", id)
}
