// Package fs implements a blob store on a local directory. Each blob is a
// plain file with a JSON sidecar carrying its content type and metadata.
// All access goes through an os.Root so keys cannot escape the directory.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"eventcore/internal/blob/core"

	"github.com/google/uuid"
)

const (
	defaultRoot = "./blobdata"
	metaSuffix  = ".meta.json"
	tmpPrefix   = ".tmp-"
)

// Store implements core.Store on a directory.
type Store struct {
	mu   sync.Mutex
	dir  string
	root *os.Root
	now  func() time.Time
}

type sidecar struct {
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ETag        string            `json:"etag"`
	Size        int64             `json:"size"`
	Written     time.Time         `json:"written"`
}

// New opens (creating if needed) a store rooted at dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = defaultRoot
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open blob root: %w", err)
	}
	return &Store{dir: dir, root: root, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the root handle.
func (s *Store) Close() error { return s.root.Close() }

// Driver implements core.Store.
func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

func checkKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("empty key")
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("invalid absolute key %q", key)
	case path.Clean(key) != key, key == "..", strings.HasPrefix(key, "../"):
		return fmt.Errorf("invalid key %q", key)
	case strings.HasSuffix(key, metaSuffix) || strings.HasPrefix(path.Base(key), tmpPrefix):
		return fmt.Errorf("reserved key %q", key)
	}
	return nil
}

// Put implements core.Store. The data is staged in a temporary file and
// renamed into place once the sidecar is written.
func (s *Store) Put(_ context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	if err := checkKey(key); err != nil {
		return core.Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.root.Stat(key); err == nil {
		return core.Info{}, fmt.Errorf("%w: %s", core.ErrExists, key)
	}
	dir := path.Dir(key)
	if err := s.root.MkdirAll(dir, 0o750); err != nil {
		return core.Info{}, err
	}
	tmpName := path.Join(dir, tmpPrefix+uuid.NewString())
	tmp, err := s.root.OpenFile(tmpName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return core.Info{}, err
	}
	defer func() { _ = s.root.Remove(tmpName) }()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return core.Info{}, err
	}

	meta := sidecar{
		ContentType: opts.ContentType,
		Metadata:    core.CloneMetadata(opts.Metadata),
		ETag:        hex.EncodeToString(h.Sum(nil)),
		Size:        size,
		Written:     s.now(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return core.Info{}, err
	}
	if err := s.root.WriteFile(key+metaSuffix, raw, 0o640); err != nil {
		return core.Info{}, err
	}
	if err := s.root.Rename(tmpName, key); err != nil {
		_ = s.root.Remove(key + metaSuffix)
		return core.Info{}, err
	}
	return s.info(key, meta), nil
}

// Get implements core.Store.
func (s *Store) Get(_ context.Context, key string) (core.Info, io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return core.Info{}, nil, err
	}
	meta, err := s.readSidecar(key)
	if err != nil {
		return core.Info{}, nil, err
	}
	f, err := s.root.Open(key)
	if err != nil {
		return core.Info{}, nil, notFound(key, err)
	}
	return s.info(key, meta), f, nil
}

// Head implements core.Store.
func (s *Store) Head(_ context.Context, key string) (core.Info, error) {
	if err := checkKey(key); err != nil {
		return core.Info{}, err
	}
	meta, err := s.readSidecar(key)
	if err != nil {
		return core.Info{}, err
	}
	return s.info(key, meta), nil
}

// Delete implements core.Store.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.root.Remove(key); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	_ = s.root.Remove(key + metaSuffix)
	return true, nil
}

// List implements core.Store.
func (s *Store) List(_ context.Context, prefix string) ([]core.Info, error) {
	var out []core.Info
	err := iofs.WalkDir(s.root.FS(), ".", func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		key := strings.TrimSuffix(p, metaSuffix)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		if _, err := s.root.Stat(key); err != nil {
			// sidecar without data: a Put that never completed
			return nil
		}
		meta, err := s.readSidecar(key)
		if err != nil {
			return err
		}
		out = append(out, s.info(key, meta))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// PresignURL returns a file URL; there is no signing on a local disk.
func (s *Store) PresignURL(_ context.Context, key string, opts core.SignedURLOptions) (string, error) {
	if opts.Method != "" && !strings.EqualFold(opts.Method, "GET") {
		return "", core.ErrUnsupported
	}
	if err := checkKey(key); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(filepath.Join(s.dir, filepath.FromSlash(key)))
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func (s *Store) readSidecar(key string) (sidecar, error) {
	raw, err := s.root.ReadFile(key + metaSuffix)
	if err != nil {
		return sidecar{}, notFound(key, err)
	}
	var meta sidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return sidecar{}, fmt.Errorf("decode sidecar for %s: %w", key, err)
	}
	return meta, nil
}

func (s *Store) info(key string, meta sidecar) core.Info {
	return core.Info{
		Key:          key,
		Size:         meta.Size,
		ContentType:  meta.ContentType,
		ETag:         meta.ETag,
		Metadata:     core.CloneMetadata(meta.Metadata),
		LastModified: meta.Written,
	}
}

func notFound(key string, err error) error {
	if errors.Is(err, iofs.ErrNotExist) {
		return fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}
	return err
}
