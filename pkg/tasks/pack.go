package tasks

import (
	"archive/tar"
	"io"
)

// PackWriter is a writable tar sink for one build task's context. Entries
// written to it stream through an io.Pipe to a concurrent reader (the
// Resolver); the pack itself holds no copy of the context. The Resolver
// then reads the whole context into memory before rewriting it.
type PackWriter struct {
	pr *io.PipeReader
	pw *io.PipeWriter
	tw *tar.Writer
}

// NewPackWriter returns a new, empty pack.
func NewPackWriter() *PackWriter {
	pr, pw := io.Pipe()
	return &PackWriter{
		pr: pr,
		pw: pw,
		tw: tar.NewWriter(pw),
	}
}

// Reader returns the read end of the pack. It must be consumed concurrently
// with WriteEntry/Finalize/Fail, or writes will block.
func (p *PackWriter) Reader() io.Reader {
	return p.pr
}

// WriteEntry appends one tar entry (name + body) to the pack.
func (p *PackWriter) WriteEntry(name string, body []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0644,
		Size: int64(len(body)),
	}
	if err := p.tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := p.tw.Write(body)
	return err
}

// Finalize closes out the tar stream and the underlying pipe, signaling a
// clean end-of-archive to the reader.
func (p *PackWriter) Finalize() error {
	if err := p.tw.Close(); err != nil {
		p.pw.CloseWithError(err)
		return err
	}
	return p.pw.Close()
}

// Fail aborts the pack, propagating err to the reader side.
func (p *PackWriter) Fail(err error) {
	p.pw.CloseWithError(err)
}
