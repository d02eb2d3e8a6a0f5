package storage

import (
	"hash"
	"hash/crc32"
	"io"
)

// GCS reports object checksums as CRC32C (Castagnoli).
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRCWriter forwards writes to w and keeps a running CRC32C of everything
// written.
type CRCWriter struct {
	h hash.Hash32
	w io.Writer
}

func NewCRCWriter(w io.Writer) *CRCWriter {
	return &CRCWriter{
		h: crc32.New(crc32cTable),
		w: w,
	}
}

func (c *CRCWriter) Write(p []byte) (n int, err error) {
	n, err = c.w.Write(p)
	c.h.Write(p[:n])
	return
}

// Sum returns the checksum of the bytes written so far.
func (c *CRCWriter) Sum() uint32 {
	return c.h.Sum32()
}
