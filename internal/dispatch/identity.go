package dispatch

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/crypto/blake2b"
)

// Identity modes.
const (
	ModeName    = "name"
	ModeContent = "content"
)

// errNotRegular is returned for directories, pipes, sockets and devices.
var errNotRegular = errors.New("not a regular file")

// Identity returns the ledger key for the file at path. In name mode it
// is the base name. In content mode the BLAKE2b-256 digest of the file
// is appended, so a rewritten file with the same name is a new identity.
func Identity(mode, path string) (string, error) {
	name := filepath.Base(path)
	switch mode {
	case ModeName, "":
		return name, nil
	case ModeContent:
		f, _, err := openRegular(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		return contentIdentity(name, f)
	default:
		return "", fmt.Errorf("unknown identity mode %q", mode)
	}
}

func contentIdentity(name string, r io.Reader) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash %s: %w", name, err)
	}
	return name + "@" + hex.EncodeToString(h.Sum(nil)), nil
}

// openRegular opens path for reading if it is a regular file. Opening a
// FIFO blocks until a writer shows up, so the mode is checked before the
// open, the open itself is non-blocking, and the mode is checked again
// on the descriptor in case the path was swapped in between.
func openRegular(path string) (*os.File, fs.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, nil, fmt.Errorf("%s: %w", path, errNotRegular)
	}

	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, nil, err
	}
	info, err = f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("%s: %w", path, errNotRegular)
	}
	return f, info, nil
}
