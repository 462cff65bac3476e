package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// digestWriter tees writes through a SHA256 hasher so backends can log the
// digest of each stored artifact.
type digestWriter struct {
	w io.Writer
	h hash.Hash
}

func newDigestWriter(w io.Writer) *digestWriter {
	return &digestWriter{
		w: w,
		h: sha256.New(),
	}
}

func (dw *digestWriter) Write(p []byte) (int, error) {
	n, err := dw.w.Write(p)
	if n > 0 {
		dw.h.Write(p[:n])
	}
	return n, err
}

func (dw *digestWriter) Sum() string {
	return hex.EncodeToString(dw.h.Sum(nil))
}
