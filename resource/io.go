package resource

import (
	"context"
	"io"
)

// Reader charges every read against the IO budget of a Controller and
// counts the bytes that passed through.
type Reader struct {
	ctx context.Context
	r   io.Reader
	c   *Controller
	n   int64
}

// Reader wraps r. A nil Controller only counts.
func (c *Controller) Reader(ctx context.Context, r io.Reader) *Reader {
	return &Reader{ctx: ctx, r: r, c: c}
}

// Read charges the bytes actually read, so a short read from a slow
// backup target does not consume the budget of a full buffer.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n += int64(n)
	if n > 0 {
		if werr := r.c.wait(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// Count returns the number of bytes read so far.
func (r *Reader) Count() int64 { return r.n }
