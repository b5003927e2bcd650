package client

import (
	"io"
	"sync"
)

// chunkReader adapts an upstream body to model.StreamHandle. It owns a
// single buffer, so each chunk is only valid until the next call to Next.
type chunkReader struct {
	body    io.ReadCloser
	buf     []byte
	pending error

	closeOnce sync.Once
	closeErr  error
}

func newChunkReader(body io.ReadCloser, size int) *chunkReader {
	return &chunkReader{body: body, buf: make([]byte, size)}
}

// Next blocks until the upstream delivers data, signals end of data with
// io.EOF, or fails. A read that returns bytes together with an error yields
// the bytes first and the error on the following call.
func (r *chunkReader) Next() ([]byte, error) {
	if r.pending != nil {
		return nil, r.pending
	}
	for {
		n, err := r.body.Read(r.buf)
		if n > 0 {
			r.pending = err
			return r.buf[:n], nil
		}
		if err != nil {
			r.pending = err
			return nil, err
		}
	}
}

// Close releases the upstream body. It is safe to call more than once.
func (r *chunkReader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.body.Close()
	})
	return r.closeErr
}
