package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lanshare/internal/protocol"
)

// PartialSuffix marks a destination file that is still being received.
const PartialSuffix = ".partial"

func partialPath(dest string) string {
	return dest + PartialSuffix
}

// destPath maps a wire path onto root, refusing anything that would land
// outside it.
func destPath(root, rel string) (string, error) {
	if !protocol.ValidPath(rel) {
		return "", fmt.Errorf("invalid relative path %q", rel)
	}
	dest := filepath.Join(root, filepath.FromSlash(rel))
	inside, err := filepath.Rel(root, dest)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes output root", rel)
	}
	return dest, nil
}

// ackOffset decides where the receiver resumes a file. A destination that
// is already complete is acknowledged in full when the sender asks for that.
// Otherwise the offset is the partial file's length capped at the request;
// a partial longer than the file is stale and discarded.
func ackOffset(dest string, hdr protocol.FileHeader) (ack uint64, complete bool, err error) {
	if hdr.Offset == hdr.Size {
		ok, err := finalMatches(dest, hdr)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return hdr.Size, true, nil
		}
	}

	partial := partialPath(dest)
	info, err := os.Stat(partial)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !info.Mode().IsRegular() {
		return 0, false, fmt.Errorf("%s is not a regular file", partial)
	}
	have := uint64(info.Size())
	if have > hdr.Size {
		if err := os.Remove(partial); err != nil {
			return 0, false, err
		}
		have = 0
	}
	return min(have, hdr.Offset), false, nil
}

func finalMatches(dest string, hdr protocol.FileHeader) (bool, error) {
	info, err := os.Stat(dest)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.Mode().IsRegular() || uint64(info.Size()) != hdr.Size {
		return false, nil
	}
	sum, err := hashFile(dest)
	if err != nil {
		return false, err
	}
	return sum == hdr.Digest, nil
}

// CleanupPartials removes .partial files under root last modified more than
// olderThan ago. It returns the removed paths.
func CleanupPartials(root string, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan)
	var removed []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), PartialSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed = append(removed, path)
		return nil
	})
	return removed, err
}
