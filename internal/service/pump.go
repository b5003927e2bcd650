package service

import (
	"context"
	"errors"
	"io"

	"stream-relay-go/internal/model"
)

// Sink is the outgoing side of a relay. Write blocks while the caller is not
// draining, which is what keeps the pump from reading upstream ahead of the
// caller.
type Sink interface {
	io.Writer
	Flush()
}

// Pump forwards chunks from h to sink until the upstream signals end of data.
// A chunk is only requested after the previous one has been written and
// flushed. It returns the number of bytes written.
//
// Errors are always *model.PumpError: Op "read" for upstream failures and
// context cancellation, Op "write" when the sink stopped accepting data.
// Bytes written before an error stay written. Pump never closes h.
func Pump(ctx context.Context, h model.StreamHandle, sink Sink) (int64, error) {
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, &model.PumpError{Op: "read", Written: written, Err: err}
		}

		chunk, err := h.Next()
		if len(chunk) > 0 {
			n, werr := sink.Write(chunk)
			written += int64(n)
			if werr != nil {
				return written, &model.PumpError{Op: "write", Written: written, Err: werr}
			}
			sink.Flush()
		}
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, &model.PumpError{Op: "read", Written: written, Err: err}
		}
	}
}
