package tflib

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// fileChecksum streams the file through MD5 and returns the raw digest.
func fileChecksum(fs afero.Fs, path string) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}

// sameContent reports whether two files have identical MD5 digests. A short
// size comparison runs first to skip hashing obviously different files.
func sameContent(fs afero.Fs, a, b string) (bool, error) {
	ai, err := fs.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := fs.Stat(b)
	if err != nil {
		return false, err
	}
	if ai.Size() != bi.Size() {
		return false, nil
	}
	ah, err := fileChecksum(fs, a)
	if err != nil {
		return false, err
	}
	bh, err := fileChecksum(fs, b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ah, bh), nil
}
