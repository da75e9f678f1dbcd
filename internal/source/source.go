// Package source reads the input blob of a processing run from a local
// path, any afs URL or a reader, inflating gzip input.
package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/viant/afs"
)

var gzipMagic = []byte{0x1f, 0x8b}

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// Input is a file ready to be split.
type Input struct {
	Name string
	Text string
}

// Source downloads inputs through afs.
type Source struct {
	fs afs.Service
}

// New creates a Source backed by afs.
func New() *Source {
	return &Source{fs: afs.New()}
}

// Read downloads location and decodes it.
func (s *Source) Read(ctx context.Context, location string) (Input, error) {
	data, err := s.fs.DownloadWithURL(ctx, location)
	if err != nil {
		return Input{}, fmt.Errorf("download %s: %w", location, err)
	}
	return Decode(path.Base(location), data)
}

// FromReader reads r completely and decodes it.
func FromReader(name string, r io.Reader) (Input, error) {
	data, err := io.ReadAll(bufio.NewReader(r))
	if err != nil {
		return Input{}, fmt.Errorf("read %s: %w", name, err)
	}
	return Decode(name, data)
}

// Decode inflates gzip data (detected by its magic bytes) and strips a
// UTF-8 byte order mark. A ".gz" suffix is removed from name.
func Decode(name string, data []byte) (Input, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		zr, err := pgzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return Input{}, fmt.Errorf("open gzip %s: %w", name, err)
		}
		defer zr.Close()
		data, err = io.ReadAll(zr)
		if err != nil {
			return Input{}, fmt.Errorf("inflate %s: %w", name, err)
		}
		name = strings.TrimSuffix(name, ".gz")
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	return Input{Name: name, Text: string(data)}, nil
}
