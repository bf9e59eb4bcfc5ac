package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/pixeljobs/internal/errs"
	"github.com/and161185/pixeljobs/internal/model"
)

const (
	tmpDirName = ".tmp"
	metaSuffix = ".meta.json"
)

// FS is a Store on the local filesystem.
//
// Layout: <root>/<ab>/<id> holds the bytes and <root>/<ab>/<id>.meta.json the metadata,
// where <ab> are the first two characters of the id. Both files are written to <root>/.tmp
// and renamed into place; the data rename happens last and is the commit point, so a blob
// is visible to readers only once both files are complete.
type FS struct {
	root    string
	maxSize int64
	now     func() time.Time
}

// NewFS prepares root and returns a store enforcing maxSize (DefaultMaxSize when <= 0).
func NewFS(root string, maxSize int64) (*FS, error) {
	if root == "" {
		return nil, errors.New("blob: empty root directory")
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(filepath.Join(root, tmpDirName), 0o750); err != nil {
		return nil, fmt.Errorf("blob: prepare root: %w", err)
	}
	return &FS{root: root, maxSize: maxSize, now: time.Now}, nil
}

// MaxSize reports the per-blob size limit.
func (s *FS) MaxSize() int64 { return s.maxSize }

// Put writes data under a fresh id.
func (s *FS) Put(ctx context.Context, owner uuid.UUID, data []byte, mediaType string) (*model.Blob, error) {
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("blob put: %d bytes exceeds limit of %d: %w", len(data), s.maxSize, errs.ErrPayloadTooLarge)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	b := &model.Blob{
		Ref:       model.BlobRef(id.String()),
		Owner:     owner,
		MediaType: MediaType(mediaType, data),
		Size:      int64(len(data)),
		SHA256:    hex.EncodeToString(sum[:]),
		CreatedAt: s.now().UTC(),
	}
	meta, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}

	dataPath, metaPath := s.paths(id.String())
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o750); err != nil {
		return nil, fmt.Errorf("blob put: %w", err)
	}
	if err := s.writeAtomic(metaPath, meta); err != nil {
		return nil, fmt.Errorf("blob put meta: %w", err)
	}
	if err := s.writeAtomic(dataPath, data); err != nil {
		_ = os.Remove(metaPath)
		return nil, fmt.Errorf("blob put data: %w", err)
	}
	return b, nil
}

// Get reads metadata and bytes.
func (s *FS) Get(ctx context.Context, ref model.BlobRef) (*model.Blob, error) {
	dataPath, metaPath, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, notFound(err)
	}
	b, err := readMeta(metaPath)
	if err != nil {
		return nil, err
	}
	b.Data = data
	return b, nil
}

// Stat reads metadata only.
func (s *FS) Stat(ctx context.Context, ref model.BlobRef) (*model.Blob, error) {
	dataPath, metaPath, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(dataPath); err != nil {
		return nil, notFound(err)
	}
	return readMeta(metaPath)
}

// Delete removes the data file first so readers stop seeing the blob, then its metadata.
func (s *FS) Delete(ctx context.Context, ref model.BlobRef) error {
	dataPath, metaPath, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(dataPath); err != nil {
		return notFound(err)
	}
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blob delete meta: %w", err)
	}
	return nil
}

// List scans the metadata sidecars. Blobs without a data file are not committed
// yet (or are being deleted) and are skipped.
func (s *FS) List(ctx context.Context, owner uuid.UUID) ([]model.Blob, error) {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("blob list: %w", err)
	}
	out := make([]model.Blob, 0)
	for _, shard := range shards {
		if !shard.IsDir() || shard.Name() == tmpDirName {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := filepath.Join(s.root, shard.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("blob list: %w", err)
		}
		for _, e := range entries {
			id, ok := strings.CutSuffix(e.Name(), metaSuffix)
			if !ok || e.IsDir() {
				continue
			}
			b, err := readMeta(filepath.Join(dir, e.Name()))
			if errors.Is(err, errs.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if b.Owner != owner {
				continue
			}
			if _, err := os.Stat(filepath.Join(dir, id)); err != nil {
				continue
			}
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Ref > out[j].Ref
	})
	return out, nil
}

// resolve maps a reference to file paths; anything that is not a canonical UUID is unknown.
func (s *FS) resolve(ref model.BlobRef) (string, string, error) {
	id, err := uuid.FromString(string(ref))
	if err != nil || id.String() != string(ref) {
		return "", "", fmt.Errorf("blob %q: %w", ref, errs.ErrNotFound)
	}
	dataPath, metaPath := s.paths(id.String())
	return dataPath, metaPath, nil
}

func (s *FS) paths(id string) (string, string) {
	dir := filepath.Join(s.root, id[:2])
	return filepath.Join(dir, id), filepath.Join(dir, id+metaSuffix)
}

func (s *FS) writeAtomic(path string, data []byte) (err error) {
	f, err := os.CreateTemp(filepath.Join(s.root, tmpDirName), "put-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readMeta(path string) (*model.Blob, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, notFound(err)
	}
	var b model.Blob
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("blob meta %s: %w", filepath.Base(path), err)
	}
	return &b, nil
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errs.ErrNotFound
	}
	return err
}
