package wal

import "io"

// countingReader wraps an io.Reader and tracks the total number of bytes
// consumed, so replay can report the exact file offset of a torn record.
type countingReader struct {
	r io.Reader
	n int64
}

func newCountingReader(r io.Reader, startOffset int64) *countingReader {
	return &countingReader{r: r, n: startOffset}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
