package archive

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestHeader_RoundTrip(t *testing.T) {
	h, err := newHeader(3, 1200, []Entry{
		{Name: "bin/game.exe", Offset: 0, Size: 10, RawSize: 20, Digest: 1, RawDigest: 2, Compressed: true},
		{Name: "readme.txt", Offset: 10, Size: 5, RawSize: 5, Digest: 3, RawDigest: 3},
	})
	if err != nil {
		t.Fatalf("newHeader: %v", err)
	}

	got, err := ReadHeader(bytes.NewReader(h.Bytes()))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if !reflect.DeepEqual(got.Entries, h.Entries) {
		t.Errorf("entries = %+v, want %+v", got.Entries, h.Entries)
	}
	if got.Branch != 3 || got.Build != 1200 {
		t.Errorf("branch/build = %d/%d, want 3/1200", got.Branch, got.Build)
	}
	if got.DataOffset() != h.DataOffset() {
		t.Errorf("DataOffset = %d, want %d", got.DataOffset(), h.DataOffset())
	}
	if got.DataSize() != 15 || got.RawSize() != 25 {
		t.Errorf("DataSize/RawSize = %d/%d, want 15/25", got.DataSize(), got.RawSize())
	}
	if got.Size() != got.DataOffset()+15 {
		t.Errorf("Size = %d, want %d", got.Size(), got.DataOffset()+15)
	}
}

func TestReadHeader_Rejects(t *testing.T) {
	if _, err := ReadHeader(bytes.NewReader([]byte("PK\x03\x04 not ours"))); !errors.Is(err, ErrBadMagic) {
		t.Errorf("foreign magic: err = %v, want ErrBadMagic", err)
	}
	if _, err := ReadHeader(bytes.NewReader(nil)); !errors.Is(err, ErrBadMagic) {
		t.Errorf("empty input: err = %v, want ErrBadMagic", err)
	}

	for name, entries := range map[string][]Entry{
		"parent":    {{Name: "../escape", Size: 1}},
		"absolute":  {{Name: "/etc/passwd", Size: 1}},
		"unclean":   {{Name: "a/./b", Size: 1}},
		"duplicate": {{Name: "a", Size: 1}, {Name: "a", Offset: 1, Size: 1}},
		"gap":       {{Name: "a", Size: 1}, {Name: "b", Offset: 5, Size: 1}},
	} {
		t.Run(name, func(t *testing.T) {
			h, err := newHeader(0, 0, entries)
			if err != nil {
				t.Fatalf("newHeader: %v", err)
			}
			if _, err := ReadHeader(bytes.NewReader(h.Bytes())); err == nil {
				t.Error("expected the header to be rejected")
			}
		})
	}
}
