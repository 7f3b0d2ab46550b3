package network

import (
	"bytes"
	"io"
)

// progressReader is a rewindable request body reporting cumulative bytes
// read. A transport-level retry rewinds the body, which resets the count so
// reported progress never runs past the real total.
type progressReader struct {
	reader   *bytes.Reader
	progress func(loaded int64)
	loaded   int64
}

func newProgressReader(data []byte, progress func(loaded int64)) io.ReadSeeker {
	if progress == nil {
		return bytes.NewReader(data)
	}
	return &progressReader{
		reader:   bytes.NewReader(data),
		progress: progress,
	}
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.loaded += int64(n)
		r.progress(r.loaded)
	}
	return n, err
}

func (r *progressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.reader.Seek(offset, whence)
	if err == nil && pos == 0 {
		r.loaded = 0
	}
	return pos, err
}

// countingReader reports cumulative bytes read from a one-shot stream.
type countingReader struct {
	reader   io.Reader
	progress func(loaded int64)
	loaded   int64
}

func newCountingReader(reader io.Reader, progress func(loaded int64)) io.Reader {
	if progress == nil {
		return reader
	}
	return &countingReader{reader: reader, progress: progress}
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.loaded += int64(n)
		r.progress(r.loaded)
	}
	return n, err
}
