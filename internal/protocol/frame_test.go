package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"runtime"
	"testing"
)

func TestResumableHandshakeRoundTrip(t *testing.T) {
	orig := &Handshake{
		Variant: Resumable,
		Files: []FileHeader{
			{Path: "a.txt", Size: 11, Offset: 0, Digest: sha256.Sum256([]byte("hello world"))},
			{Path: "sub/b.txt", Size: 1 << 20, Offset: 4096},
		},
	}
	var buf bytes.Buffer
	if err := WriteHandshake(&buf, orig); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}

	got, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got.Variant != Resumable {
		t.Errorf("Variant = %v, want %v", got.Variant, Resumable)
	}
	if len(got.Files) != len(orig.Files) {
		t.Fatalf("file count = %d, want %d", len(got.Files), len(orig.Files))
	}
	for i := range orig.Files {
		if got.Files[i] != orig.Files[i] {
			t.Errorf("file %d = %+v, want %+v", i, got.Files[i], orig.Files[i])
		}
	}
	if got.TotalSize() != 11+1<<20 {
		t.Errorf("TotalSize = %d", got.TotalSize())
	}
	if buf.Len() != 0 {
		t.Errorf("%d trailing bytes left unread", buf.Len())
	}
}

func TestLegacyHandshakeHasNoCount(t *testing.T) {
	h := &Handshake{Variant: Legacy, Files: []FileHeader{{Path: "report.pdf", Size: 42}}}
	var buf bytes.Buffer
	if err := WriteHandshake(&buf, h); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	// magic + path_len + path + size
	if want := 4 + 4 + len("report.pdf") + 8; buf.Len() != want {
		t.Fatalf("encoded length = %d, want %d", buf.Len(), want)
	}
	if got := binary.BigEndian.Uint32(buf.Bytes()[:4]); got != 0xFFFF0001 {
		t.Errorf("magic = 0x%08X", got)
	}
	got, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if len(got.Files) != 1 || got.Files[0].Path != "report.pdf" || got.Files[0].Size != 42 {
		t.Errorf("decoded %+v", got.Files)
	}
}

func TestMultiHandshakeOmitsOffsets(t *testing.T) {
	h := &Handshake{Variant: Multi, Files: []FileHeader{{Path: "x", Size: 1, Offset: 0}}}
	var buf bytes.Buffer
	if err := WriteHandshake(&buf, h); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	if want := 4 + 4 + 4 + 1 + 8; buf.Len() != want {
		t.Errorf("encoded length = %d, want %d", buf.Len(), want)
	}
}

func TestReadMagicRejectsUnknown(t *testing.T) {
	_, err := ReadMagic(bytes.NewReader([]byte{0xDE, 0xAD, 0xBE, 0xEF}))
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestReadMagicShortRead(t *testing.T) {
	_, err := ReadMagic(bytes.NewReader([]byte{0xFF, 0xFF}))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		h    Handshake
	}{
		{"empty manifest", Handshake{Variant: Multi}},
		{"legacy with two files", Handshake{Variant: Legacy, Files: []FileHeader{{Path: "a", Size: 1}, {Path: "b", Size: 1}}}},
		{"parent traversal", Handshake{Variant: Multi, Files: []FileHeader{{Path: "../etc/passwd", Size: 1}}}},
		{"absolute path", Handshake{Variant: Multi, Files: []FileHeader{{Path: "/etc/passwd", Size: 1}}}},
		{"backslash path", Handshake{Variant: Multi, Files: []FileHeader{{Path: `sub\a.txt`, Size: 1}}}},
		{"offset beyond size", Handshake{Variant: Resumable, Files: []FileHeader{{Path: "a", Size: 10, Offset: 11}}}},
		{"unknown variant", Handshake{Variant: 7, Files: []FileHeader{{Path: "a", Size: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.h.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}

func TestReadManifestRejectsOversizedPath(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(1))
	binary.Write(&buf, binary.BigEndian, uint32(MaxPathLen+1))
	_, err := ReadManifest(&buf, Multi)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestReadManifestRejectsZeroCount(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(0))
	if _, err := ReadManifest(&buf, Resumable); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestOffsetsAndStatus(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteOffsets(&buf, []uint64{0, 3 << 20, 7}); err != nil {
		t.Fatal(err)
	}
	if err := WriteStatus(&buf, true); err != nil {
		t.Fatal(err)
	}
	if err := WriteStatus(&buf, false); err != nil {
		t.Fatal(err)
	}

	offsets, err := ReadOffsets(&buf, 3)
	if err != nil {
		t.Fatalf("ReadOffsets: %v", err)
	}
	if offsets[0] != 0 || offsets[1] != 3<<20 || offsets[2] != 7 {
		t.Errorf("offsets = %v", offsets)
	}
	if ok, err := ReadStatus(&buf); err != nil || !ok {
		t.Errorf("first status = %v, %v; want true, nil", ok, err)
	}
	if ok, err := ReadStatus(&buf); err != nil || ok {
		t.Errorf("second status = %v, %v; want false, nil", ok, err)
	}
	if _, err := ReadStatus(bytes.NewReader([]byte("NO"))); !errors.Is(err, ErrMalformed) {
		t.Errorf("garbage status err = %v, want ErrMalformed", err)
	}
}

func TestParseVariant(t *testing.T) {
	for name, want := range map[string]Variant{"": Resumable, "Resumable": Resumable, "multi": Multi, "legacy": Legacy} {
		got, err := ParseVariant(name)
		if err != nil || got != want {
			t.Errorf("ParseVariant(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseVariant("turbo"); err == nil {
		t.Error("ParseVariant(turbo) succeeded")
	}
}

func TestRejection(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRejection(&buf, 2); err != nil {
		t.Fatal(err)
	}
	offsets, err := ReadOffsets(&buf, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !Refused(offsets) || offsets[1] != Rejected {
		t.Errorf("offsets = %v, want rejection", offsets)
	}
	if Refused([]uint64{0, 12}) || Refused(nil) {
		t.Error("ordinary offsets read as a rejection")
	}
}

func TestHugeCountWithoutHeadersStaysSmall(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFiles)

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	_, err := ReadManifest(bytes.NewReader(prefix[:]), Multi)
	runtime.ReadMemStats(&after)

	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
	if grew := after.TotalAlloc - before.TotalAlloc; grew > 1<<20 {
		t.Errorf("allocated %d bytes for a manifest with no headers", grew)
	}
}
