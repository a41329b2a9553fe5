package mediatest

import (
	"bytes"
	"io"
	"sync/atomic"
)

// File is an in-memory media.File.
type File struct {
	FileName string
	Data     []byte

	readahead atomic.Int64
	readers   atomic.Int64
}

func NewFile(name string, size int) *File {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	return &File{FileName: name, Data: data}
}

func (f *File) Name() string  { return f.FileName }
func (f *File) Length() int64 { return int64(len(f.Data)) }

func (f *File) NewReader() io.ReadSeekCloser {
	f.readers.Add(1)
	return &reader{Reader: bytes.NewReader(f.Data), f: f}
}

// Readers returns how many readers were opened.
func (f *File) Readers() int64 { return f.readers.Load() }

// Readahead returns the last readahead set through a reader.
func (f *File) Readahead() int64 { return f.readahead.Load() }

type reader struct {
	*bytes.Reader
	f *File
}

func (r *reader) Close() error         { return nil }
func (r *reader) SetResponsive()       {}
func (r *reader) SetReadahead(n int64) { r.f.readahead.Store(n) }
