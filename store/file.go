// Package store owns the on-disk shape of a set view group: the versioned
// group directory with its append-only header log, and the pebble-backed
// tree store holding the id-tree and the view trees.
package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/cespare/xxhash"
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/lt1946/setview/setview_errors"
	"github.com/pkg/errors"
)

// GroupType discriminates the main index from its replica mirror.
type GroupType string

const (
	Main    GroupType = "main"
	Replica GroupType = "replica"
)

const headerLogName = "header.log"

// Header log frame: magic, body length, xxhash64 of the body, body.
var frameMagic = [4]byte{'s', 'v', 'h', '1'}

const frameHeadLen = 4 + 4 + 8

// BasePath is the unversioned group path:
// <dir>/<type>_<hex signature>.view
func BasePath(dir string, typ GroupType, sig string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.view", typ, sig))
}

// FindLatest scans for the highest .N suffix of base. ok is false when no
// versioned path exists yet.
func FindLatest(base string) (path string, suffix int, ok bool) {
	matches, _ := filepath.Glob(base + ".*")
	for _, m := range matches {
		tail := strings.TrimPrefix(m, base+".")
		if strings.HasSuffix(tail, ".compact") {
			continue
		}
		n, err := strconv.Atoi(tail)
		if err != nil || n <= 0 {
			continue
		}
		if n > suffix {
			suffix = n
			path = m
		}
	}
	return path, suffix, suffix > 0
}

// SuffixOf parses the trailing .N of a versioned group path.
func SuffixOf(path string) (int, error) {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return 0, fmt.Errorf("no suffix in %q", path)
	}
	return strconv.Atoi(path[i+1:])
}

// NextPath returns the same base with the suffix incremented, the target
// of a compaction swap.
func NextPath(path string) (string, error) {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return "", fmt.Errorf("no suffix in %q", path)
	}
	n, err := strconv.Atoi(path[i+1:])
	if err != nil {
		return "", err
	}
	return path[:i+1] + strconv.Itoa(n+1), nil
}

// CompactPath is where the compactor builds the rewritten group.
func CompactPath(path string) string {
	return path + ".compact"
}

// IndexFile is one versioned group directory and its header log. All
// writes go through the owning controller.
type IndexFile struct {
	Path string

	log *os.File
}

// CreateIndexFile makes a fresh group directory with an empty header log.
func CreateIndexFile(path string) (*IndexFile, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, mapOpenErr(err, path)
	}
	log, err := os.OpenFile(filepath.Join(path, headerLogName),
		os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, mapOpenErr(err, path)
	}
	return &IndexFile{Path: path, log: log}, nil
}

// OpenIndexFile opens an existing group directory. A log left read-only
// by a previous shutdown becomes writable again.
func OpenIndexFile(path string) (*IndexFile, error) {
	_ = os.Chmod(filepath.Join(path, headerLogName), 0o644)
	log, err := os.OpenFile(filepath.Join(path, headerLogName), os.O_RDWR, 0o644)
	if err != nil {
		return nil, mapOpenErr(err, path)
	}
	return &IndexFile{Path: path, log: log}, nil
}

func mapOpenErr(err error, path string) error {
	if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
		return setview_errors.ErrTooManyOpenFiles
	}
	return errors.Wrapf(err, "open index file %s", path)
}

// AppendHeader frames the record batch and appends it to the header log.
// sync makes it a commit; without sync it is a checkpoint.
func (f *IndexFile) AppendHeader(recs toyqueue.Records, sync bool) error {
	body := toytlv.Concat(recs...)
	frame := make([]byte, frameHeadLen, frameHeadLen+len(body))
	copy(frame, frameMagic[:])
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(body)))
	binary.LittleEndian.PutUint64(frame[8:16], xxhash.Sum64(body))
	frame = append(frame, body...)
	if _, err := f.log.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if _, err := f.log.Write(frame); err != nil {
		return err
	}
	if sync {
		return f.log.Sync()
	}
	return nil
}

// ReadLastHeader scans the log and returns the body of the last frame
// whose checksum verifies. A torn tail is ignored.
func (f *IndexFile) ReadLastHeader() ([]byte, error) {
	if _, err := f.log.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var last []byte
	head := make([]byte, frameHeadLen)
	for {
		if _, err := io.ReadFull(f.log, head); err != nil {
			break
		}
		if [4]byte(head[0:4]) != frameMagic {
			break
		}
		n := binary.LittleEndian.Uint32(head[4:8])
		sum := binary.LittleEndian.Uint64(head[8:16])
		body := make([]byte, n)
		if _, err := io.ReadFull(f.log, body); err != nil {
			break
		}
		if xxhash.Sum64(body) != sum {
			break
		}
		last = body
	}
	if last == nil {
		return nil, setview_errors.ErrNoHeader
	}
	return last, nil
}

// Reset truncates the header log to zero and appends the given empty
// header with an fsync, the fresh-file and signature-mismatch path.
func (f *IndexFile) Reset(emptyHeader []byte) error {
	if err := f.log.Truncate(0); err != nil {
		return err
	}
	return f.AppendHeader(toyqueue.Records{emptyHeader}, true)
}

func (f *IndexFile) Sync() error {
	return f.log.Sync()
}

func (f *IndexFile) Close() error {
	if f.log == nil {
		return nil
	}
	err := f.log.Close()
	f.log = nil
	return err
}

// SetReadOnly drops write permission from the header log; terminal state
// of a swapped-out or shut-down group.
func (f *IndexFile) SetReadOnly() error {
	return os.Chmod(filepath.Join(f.Path, headerLogName), 0o444)
}

// Delete removes the whole group directory.
func Delete(path string) error {
	return os.RemoveAll(path)
}

// Rename moves the group directory, used by the compaction swap after the
// new log is synced.
func Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

// DiskSize is the total on-disk footprint of the group directory.
func DiskSize(path string) (int64, error) {
	var total int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
