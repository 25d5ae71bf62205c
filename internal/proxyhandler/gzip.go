package proxyhandler

import (
	"io"

	"github.com/klauspost/compress/gzip"
)

// gzipTee incrementally decodes a stream of raw (still-compressed) chunks
// written via Write, delivering decoded bytes to onDecoded as they become
// available, without ever touching the chunks forwarded to the client —
// those are written to the response writer separately, unmodified. This
// acts as an incremental decompressor used only to feed the local usage
// extractor. If the gzip stream is malformed, decoding stops silently;
// forwarding to the client is unaffected because it never passes through
// this type.
type gzipTee struct {
	pr *io.PipeReader
	pw *io.PipeWriter
	// errored is set once the gzip reader goroutine gives up; further
	// Write calls become no-ops rather than blocking on a dead pipe.
	errored bool
}

func newGzipTee(onDecoded func([]byte)) *gzipTee {
	pr, pw := io.Pipe()
	t := &gzipTee{pr: pr, pw: pw}
	go func() {
		zr, err := gzip.NewReader(pr)
		if err != nil {
			pr.CloseWithError(err)
			return
		}
		buf := make([]byte, 8192)
		for {
			n, err := zr.Read(buf)
			if n > 0 {
				onDecoded(buf[:n])
			}
			if err != nil {
				pr.CloseWithError(err)
				return
			}
		}
	}()
	return t
}

// Write feeds raw compressed bytes into the decoder. Errors are swallowed:
// a broken gzip stream silently stops usage extraction
func (t *gzipTee) Write(p []byte) {
	if t.errored {
		return
	}
	if _, err := t.pw.Write(p); err != nil {
		t.errored = true
	}
}

// Close shuts down the decoder goroutine.
func (t *gzipTee) Close() {
	_ = t.pw.Close()
}
