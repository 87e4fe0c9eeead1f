package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"strings"
)

// Variant selects the handshake layout. The value is the 4-byte magic that
// opens every session.
type Variant uint32

const (
	Legacy    Variant = 0xFFFF0001
	Multi     Variant = 0xFFFF0002
	Resumable Variant = 0xFFFF0003
)

const (
	// MaxPathLen bounds a single relative path on the wire.
	MaxPathLen = 4096
	// MaxFiles bounds the file count of one session.
	MaxFiles = 1_000_000
	// DigestSize is the length of the per-file SHA-256 in the resumable variant.
	DigestSize = sha256.Size
	// Rejected in place of acknowledged offsets refuses the whole session.
	Rejected uint64 = math.MaxUint64

	manifestPrealloc = 1024
)

var (
	// ErrBadMagic is returned when a session does not open with a known variant.
	ErrBadMagic = errors.New("protocol: unrecognised magic")
	// ErrMalformed is returned for frames that decode but violate the layout.
	ErrMalformed = errors.New("protocol: malformed frame")
)

var (
	statusOK  = [2]byte{'O', 'K'}
	statusErr = [2]byte{'E', 'R'}
)

func (v Variant) String() string {
	switch v {
	case Legacy:
		return "legacy"
	case Multi:
		return "multi"
	case Resumable:
		return "resumable"
	default:
		return fmt.Sprintf("0x%08X", uint32(v))
	}
}

// Valid reports whether v is one of the known variants.
func (v Variant) Valid() bool {
	return v == Legacy || v == Multi || v == Resumable
}

// ParseVariant maps a configuration name onto a Variant.
func ParseVariant(name string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "legacy", "single":
		return Legacy, nil
	case "multi":
		return Multi, nil
	case "", "resumable":
		return Resumable, nil
	default:
		return 0, fmt.Errorf("protocol: unknown variant %q", name)
	}
}

// FileHeader is one manifest entry. Offset and Digest only travel in the
// resumable variant.
type FileHeader struct {
	Path   string
	Size   uint64
	Offset uint64
	Digest [DigestSize]byte
}

// Handshake is the sender's opening frame.
type Handshake struct {
	Variant Variant
	Files   []FileHeader
}

// TotalSize sums the announced sizes.
func (h *Handshake) TotalSize() uint64 {
	var total uint64
	for _, f := range h.Files {
		total += f.Size
	}
	return total
}

// Validate checks the handshake against the layout rules shared by both peers.
func (h *Handshake) Validate() error {
	if !h.Variant.Valid() {
		return fmt.Errorf("%w: 0x%08X", ErrBadMagic, uint32(h.Variant))
	}
	if len(h.Files) == 0 {
		return fmt.Errorf("%w: empty manifest", ErrMalformed)
	}
	if len(h.Files) > MaxFiles {
		return fmt.Errorf("%w: %d files exceeds limit", ErrMalformed, len(h.Files))
	}
	if h.Variant == Legacy && len(h.Files) != 1 {
		return fmt.Errorf("%w: legacy variant carries exactly one file, got %d", ErrMalformed, len(h.Files))
	}
	for _, f := range h.Files {
		if !ValidPath(f.Path) {
			return fmt.Errorf("%w: invalid path %q", ErrMalformed, f.Path)
		}
		if f.Offset > f.Size {
			return fmt.Errorf("%w: offset %d beyond size %d for %q", ErrMalformed, f.Offset, f.Size, f.Path)
		}
	}
	return nil
}

// ValidPath reports whether p is an acceptable relative slash path: non-empty,
// bounded, no "." or ".." elements, no leading slash and no backslashes.
func ValidPath(p string) bool {
	if p == "" || p == "." || len(p) > MaxPathLen {
		return false
	}
	if strings.ContainsRune(p, '\\') {
		return false
	}
	return fs.ValidPath(p)
}

// WriteHandshake encodes h onto w. Callers buffer w and flush afterwards.
func WriteHandshake(w io.Writer, h *Handshake) error {
	if err := h.Validate(); err != nil {
		return err
	}
	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[:4], uint32(h.Variant))
	if _, err := w.Write(scratch[:4]); err != nil {
		return fmt.Errorf("protocol: write magic: %w", err)
	}
	if h.Variant != Legacy {
		binary.BigEndian.PutUint32(scratch[:4], uint32(len(h.Files)))
		if _, err := w.Write(scratch[:4]); err != nil {
			return fmt.Errorf("protocol: write file count: %w", err)
		}
	}
	for i := range h.Files {
		if err := writeFileHeader(w, h.Variant, &h.Files[i]); err != nil {
			return err
		}
	}
	return nil
}

func writeFileHeader(w io.Writer, v Variant, f *FileHeader) error {
	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(f.Path)))
	if _, err := w.Write(scratch[:4]); err != nil {
		return fmt.Errorf("protocol: write path length: %w", err)
	}
	if _, err := io.WriteString(w, f.Path); err != nil {
		return fmt.Errorf("protocol: write path: %w", err)
	}
	binary.BigEndian.PutUint64(scratch[:], f.Size)
	if _, err := w.Write(scratch[:]); err != nil {
		return fmt.Errorf("protocol: write size: %w", err)
	}
	if v != Resumable {
		return nil
	}
	binary.BigEndian.PutUint64(scratch[:], f.Offset)
	if _, err := w.Write(scratch[:]); err != nil {
		return fmt.Errorf("protocol: write offset: %w", err)
	}
	if _, err := w.Write(f.Digest[:]); err != nil {
		return fmt.Errorf("protocol: write digest: %w", err)
	}
	return nil
}

// ReadMagic reads the opening 4 bytes and maps them onto a Variant.
func ReadMagic(r io.Reader) (Variant, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	v := Variant(binary.BigEndian.Uint32(hdr[:]))
	if !v.Valid() {
		return 0, fmt.Errorf("%w: 0x%08X", ErrBadMagic, uint32(v))
	}
	return v, nil
}

// ReadHandshake reads a complete handshake, magic included.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	v, err := ReadMagic(r)
	if err != nil {
		return nil, err
	}
	return ReadManifest(r, v)
}

// ReadManifest reads the portion of the handshake that follows the magic.
func ReadManifest(r io.Reader, v Variant) (*Handshake, error) {
	count := uint32(1)
	if v != Legacy {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("protocol: read file count: %w", err)
		}
		count = binary.BigEndian.Uint32(hdr[:])
		if count == 0 || count > MaxFiles {
			return nil, fmt.Errorf("%w: file count %d", ErrMalformed, count)
		}
	}
	// count is unverified until the headers arrive.
	h := &Handshake{Variant: v, Files: make([]FileHeader, 0, min(count, manifestPrealloc))}
	for i := uint32(0); i < count; i++ {
		f, err := readFileHeader(r, v)
		if err != nil {
			return nil, err
		}
		h.Files = append(h.Files, f)
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

func readFileHeader(r io.Reader, v Variant) (FileHeader, error) {
	var f FileHeader
	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return f, fmt.Errorf("protocol: read path length: %w", err)
	}
	n := binary.BigEndian.Uint32(scratch[:4])
	if n == 0 || n > MaxPathLen {
		return f, fmt.Errorf("%w: path length %d", ErrMalformed, n)
	}
	path := make([]byte, n)
	if _, err := io.ReadFull(r, path); err != nil {
		return f, fmt.Errorf("protocol: read path: %w", err)
	}
	f.Path = string(path)
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return f, fmt.Errorf("protocol: read size: %w", err)
	}
	f.Size = binary.BigEndian.Uint64(scratch[:])
	if v != Resumable {
		return f, nil
	}
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return f, fmt.Errorf("protocol: read offset: %w", err)
	}
	f.Offset = binary.BigEndian.Uint64(scratch[:])
	if _, err := io.ReadFull(r, f.Digest[:]); err != nil {
		return f, fmt.Errorf("protocol: read digest: %w", err)
	}
	return f, nil
}

// WriteOffsets sends the receiver's acknowledged offsets, one per file.
func WriteOffsets(w io.Writer, offsets []uint64) error {
	buf := make([]byte, 8*len(offsets))
	for i, off := range offsets {
		binary.BigEndian.PutUint64(buf[i*8:], off)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write offsets: %w", err)
	}
	return nil
}

// WriteRejection answers a resumable handshake with Rejected for each of
// the n files.
func WriteRejection(w io.Writer, n int) error {
	offsets := make([]uint64, n)
	for i := range offsets {
		offsets[i] = Rejected
	}
	return WriteOffsets(w, offsets)
}

// Refused reports whether the receiver rejected the session outright.
func Refused(offsets []uint64) bool {
	return len(offsets) > 0 && offsets[0] == Rejected
}

// ReadOffsets reads n acknowledged offsets.
func ReadOffsets(r io.Reader, n int) ([]uint64, error) {
	buf := make([]byte, 8*n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("protocol: read offsets: %w", err)
	}
	offsets := make([]uint64, n)
	for i := range offsets {
		offsets[i] = binary.BigEndian.Uint64(buf[i*8:])
	}
	return offsets, nil
}

// WriteStatus sends the final receipt acknowledgement.
func WriteStatus(w io.Writer, ok bool) error {
	status := statusErr
	if ok {
		status = statusOK
	}
	if _, err := w.Write(status[:]); err != nil {
		return fmt.Errorf("protocol: write status: %w", err)
	}
	return nil
}

// ReadStatus reads the final receipt acknowledgement. Any value other than
// "OK" or "ER" is malformed.
func ReadStatus(r io.Reader) (bool, error) {
	var status [2]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return false, fmt.Errorf("protocol: read status: %w", err)
	}
	switch status {
	case statusOK:
		return true, nil
	case statusErr:
		return false, nil
	default:
		return false, fmt.Errorf("%w: status %q", ErrMalformed, status[:])
	}
}
