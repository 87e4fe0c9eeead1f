package transfer

import (
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	apperrors "lanshare/internal/errors"
	"lanshare/internal/protocol"
)

const manifestSource = "manifest"

func statRegular(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperrors.FileIO(manifestSource, "stat "+path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, apperrors.FileIO(manifestSource, path+" is not a regular file", nil)
	}
	return info, nil
}

// collectFiles names each file by its base name. Two sources sharing a base
// name would collide at the receiver, so that is rejected.
func collectFiles(paths []string) ([]FileEntry, error) {
	if len(paths) == 0 {
		return nil, apperrors.FileIO(manifestSource, "no files to send", nil)
	}
	seen := make(map[string]string, len(paths))
	entries := make([]FileEntry, 0, len(paths))
	for _, p := range paths {
		info, err := statRegular(p)
		if err != nil {
			return nil, err
		}
		name := filepath.Base(p)
		if prev, dup := seen[name]; dup {
			return nil, apperrors.Protocol(manifestSource,
				fmt.Sprintf("%s and %s share the name %q", prev, p, name), nil)
		}
		seen[name] = p
		entries = append(entries, FileEntry{RelPath: name, LocalPath: p, Size: info.Size()})
	}
	return entries, nil
}

// collectDirectory walks root recursively. Only regular files are kept;
// symlinks are never followed or sent. Paths are relative to root with
// forward slashes.
func collectDirectory(root string) ([]FileEntry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, apperrors.FileIO(manifestSource, "stat "+root, err)
	}
	if !info.IsDir() {
		return nil, apperrors.FileIO(manifestSource, root+" is not a directory", nil)
	}

	var entries []FileEntry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, FileEntry{
			RelPath:   filepath.ToSlash(rel),
			LocalPath: path,
			Size:      fi.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, apperrors.FileIO(manifestSource, "walk "+root, err)
	}
	if len(entries) == 0 {
		return nil, apperrors.FileIO(manifestSource, root+" contains no regular files", nil)
	}
	for _, e := range entries {
		if !protocol.ValidPath(e.RelPath) {
			return nil, apperrors.Protocol(manifestSource, fmt.Sprintf("path %q cannot be sent", e.RelPath), nil)
		}
	}
	return entries, nil
}

// digestEntries fills in the SHA-256 of every entry.
func digestEntries(entries []FileEntry) error {
	for i := range entries {
		sum, err := hashFile(entries[i].LocalPath)
		if err != nil {
			return apperrors.FileIO(manifestSource, "hash "+entries[i].LocalPath, err)
		}
		entries[i].Digest = sum
	}
	return nil
}

func hashFile(path string) ([protocol.DigestSize]byte, error) {
	var sum [protocol.DigestSize]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
