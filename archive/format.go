package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/petal-labs/depot/core"
)

const (
	magic         = "DPOTARC1"
	formatVersion = 1
	prefixSize    = int64(len(magic) + 4)
	maxHeaderSize = 64 << 20
)

// ErrBadMagic is returned when a stream does not start with an archive header.
var ErrBadMagic = errors.New("archive: not a depot archive")

// Entry describes one member of the archive. Offset is relative to the start
// of the data section.
type Entry struct {
	Name       string `json:"name"`
	Offset     int64  `json:"offset"`
	Size       int64  `json:"size"`
	RawSize    int64  `json:"raw_size"`
	Digest     uint64 `json:"digest"`     // xxh3 of the stored bytes
	RawDigest  uint64 `json:"raw_digest"` // xxh3 of the extracted bytes
	Compressed bool   `json:"compressed"`
}

// Header is the archive index. On disk it is the magic, a big-endian uint32
// length and the JSON-encoded header, followed by the data section.
type Header struct {
	Version int         `json:"version"`
	Branch  core.Branch `json:"branch,omitempty"`
	Build   core.Build  `json:"build,omitempty"`
	Entries []Entry     `json:"entries"`

	raw []byte
}

// DataOffset returns the file offset of the first data byte.
func (h *Header) DataOffset() int64 {
	return prefixSize + int64(len(h.raw))
}

// DataSize returns the size of the data section.
func (h *Header) DataSize() int64 {
	var n int64
	for _, e := range h.Entries {
		n += e.Size
	}
	return n
}

// Size returns the full archive size.
func (h *Header) Size() int64 {
	return h.DataOffset() + h.DataSize()
}

// RawSize returns the extracted size of every entry.
func (h *Header) RawSize() int64 {
	var n int64
	for _, e := range h.Entries {
		n += e.RawSize
	}
	return n
}

// Bytes returns the encoded header, prefix included.
func (h *Header) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(int(h.DataOffset()))
	buf.WriteString(magic)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(h.raw)))
	buf.Write(h.raw)
	return buf.Bytes()
}

func newHeader(branch core.Branch, build core.Build, entries []Entry) (*Header, error) {
	h := &Header{Version: formatVersion, Branch: branch, Build: build, Entries: entries}
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("archive: encode header: %w", err)
	}
	h.raw = raw
	return h, nil
}

// ReadHeader decodes the header at the start of r.
func ReadHeader(r io.Reader) (*Header, error) {
	prefix := make([]byte, prefixSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrBadMagic
		}
		return nil, fmt.Errorf("archive: read header prefix: %w", err)
	}
	if string(prefix[:len(magic)]) != magic {
		return nil, ErrBadMagic
	}
	n := binary.BigEndian.Uint32(prefix[len(magic):])
	if n > maxHeaderSize {
		return nil, fmt.Errorf("archive: header of %d bytes exceeds limit", n)
	}

	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("archive: read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("archive: decode header: %w", err)
	}
	if h.Version != formatVersion {
		return nil, fmt.Errorf("archive: unsupported version %d", h.Version)
	}
	h.raw = raw
	if err := h.validate(); err != nil {
		return nil, err
	}
	return &h, nil
}

func (h *Header) validate() error {
	var next int64
	seen := make(map[string]struct{}, len(h.Entries))
	for _, e := range h.Entries {
		if !filepath.IsLocal(filepath.FromSlash(e.Name)) || path.Clean(e.Name) != e.Name {
			return fmt.Errorf("archive: invalid entry name %q", e.Name)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("archive: duplicate entry %q", e.Name)
		}
		seen[e.Name] = struct{}{}
		if e.Offset != next || e.Size < 0 || e.RawSize < 0 {
			return fmt.Errorf("archive: entry %q has a bad extent", e.Name)
		}
		next += e.Size
	}
	return nil
}

// ReadFileHeader reads the header of the archive at path.
func ReadFileHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadHeader(f)
}
