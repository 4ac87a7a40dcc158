package namespace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Courier/internal/checksum"
	"github.com/CZERTAINLY/Courier/internal/model"
	"github.com/google/uuid"
)

type entry struct {
	id       string
	xattrs   map[string]string
	creating bool
}

// Local serves a directory. Entry ids and extended attributes live in
// memory for the lifetime of the process.
type Local struct {
	root    *os.Root
	mx      sync.Mutex
	entries map[string]*entry
}

var _ Namespace = (*Local)(nil)

func OpenLocal(dir string) (*Local, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening namespace root: %w", err)
	}
	return &Local{
		root:    root,
		entries: make(map[string]*entry),
	}, nil
}

// Root returns the directory the namespace serves.
func (l *Local) Root() string {
	return l.root.Name()
}

// Abs maps a namespace path to a path on the local filesystem.
func (l *Local) Abs(p string) string {
	return filepath.Join(l.root.Name(), filepath.FromSlash(clean(p)))
}

func (l *Local) Close() error {
	return l.root.Close()
}

func clean(p string) string {
	p = strings.TrimLeft(path.Clean("/"+p), "/")
	if p == "" {
		return "."
	}
	return p
}

func translate(err error, p string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return model.Errorf(model.KindNotFound, "no such file: %s", p)
	case errors.Is(err, fs.ErrPermission):
		return model.Errorf(model.KindPermissionDenied, "permission denied: %s", p)
	case errors.Is(err, fs.ErrExist):
		return model.Errorf(model.KindAlreadyExists, "file exists: %s", p)
	default:
		return model.Errorf(model.KindInternal, "%s: %v", p, err)
	}
}

// lookup returns the entry of p, creating it on first use. Callers hold mx.
func (l *Local) lookup(p string) *entry {
	e, ok := l.entries[p]
	if !ok {
		e = &entry{id: uuid.NewString()}
		l.entries[p] = e
	}
	return e
}

func (l *Local) Resolve(_ context.Context, p string, want checksum.Type) (model.FileAttributes, error) {
	p = clean(p)
	info, err := l.root.Stat(p)
	if err != nil {
		return model.FileAttributes{}, translate(err, p)
	}

	l.mx.Lock()
	e := l.lookup(p)
	attrs := model.FileAttributes{
		ID:     e.id,
		Type:   model.FileTypeRegular,
		Xattrs: maps.Clone(e.xattrs),
	}
	creating := e.creating
	l.mx.Unlock()

	if info.IsDir() {
		attrs.Type = model.FileTypeDir
		return attrs, nil
	}
	if !info.Mode().IsRegular() {
		attrs.Type = info.Mode().Type().String()
		return attrs, nil
	}
	// an entry created for an upload has no size until data arrives
	if !creating || info.Size() > 0 {
		size := info.Size()
		attrs.Size = &size
	}
	if want != "" && attrs.Size != nil {
		value, err := l.compute(p, want)
		if err != nil {
			return model.FileAttributes{}, err
		}
		attrs.Checksums = map[string]string{string(want): value}
	}
	return attrs, nil
}

func (l *Local) CreateEntry(_ context.Context, p string, xattrs map[string]string) (model.FileAttributes, error) {
	p = clean(p)
	f, err := l.root.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.FileAttributes{}, model.Errorf(model.KindConflict, "parent directory of %s does not exist", p)
		}
		return model.FileAttributes{}, translate(err, p)
	}
	if err := f.Close(); err != nil {
		return model.FileAttributes{}, translate(err, p)
	}

	l.mx.Lock()
	defer l.mx.Unlock()
	e := &entry{
		id:       uuid.NewString(),
		xattrs:   maps.Clone(xattrs),
		creating: true,
	}
	l.entries[p] = e
	return model.FileAttributes{
		ID:     e.id,
		Type:   model.FileTypeRegular,
		Xattrs: maps.Clone(xattrs),
	}, nil
}

func (l *Local) DeleteEntry(_ context.Context, id, p string) error {
	p = clean(p)
	l.mx.Lock()
	defer l.mx.Unlock()
	if e, ok := l.entries[p]; ok && id != "" && e.id != id {
		return model.Errorf(model.KindNotFound, "no such file: %s (%s)", p, id)
	}
	info, err := l.root.Lstat(p)
	if err != nil {
		return translate(err, p)
	}
	if info.IsDir() {
		return model.Errorf(model.KindConflict, "%s is a directory", p)
	}
	if err := l.root.Remove(p); err != nil {
		return translate(err, p)
	}
	delete(l.entries, p)
	return nil
}

func (l *Local) FetchChecksum(_ context.Context, p string, t checksum.Type) (string, bool, error) {
	p = clean(p)
	value, err := l.compute(p, t)
	if err != nil {
		if errors.Is(err, checksum.ErrUnsupported) {
			return "", false, nil
		}
		return "", false, err
	}
	l.mx.Lock()
	if e, ok := l.entries[p]; ok {
		e.creating = false
	}
	l.mx.Unlock()
	return value, true, nil
}

func (l *Local) compute(p string, t checksum.Type) (string, error) {
	f, err := l.root.Open(p)
	if err != nil {
		return "", translate(err, p)
	}
	defer func() {
		_ = f.Close()
	}()
	value, err := checksum.Compute(f, t)
	if err != nil {
		if errors.Is(err, checksum.ErrUnsupported) {
			return "", err
		}
		return "", translate(err, p)
	}
	return value, nil
}
