package store

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrSourceNotFound is returned by content providers for unknown source ids.
var ErrSourceNotFound = errors.New("source not found")

// ContentProvider supplies the text of a source. Content is opaque to the embedding subsystem.
type ContentProvider interface {
	GetText(ctx context.Context, sourceID string) (string, error)
}

// SourceTyper is optionally implemented by content providers that know the kind of a source.
type SourceTyper interface {
	SourceType(ctx context.Context, sourceID string) (SourceType, error)
}

// SourceLister is optionally implemented by content providers that can enumerate their sources.
type SourceLister interface {
	ListSources(ctx context.Context) ([]string, error)
}

// ResolveSourceType asks provider for the type of sourceID, defaulting to a note.
func ResolveSourceType(ctx context.Context, provider ContentProvider, sourceID string) SourceType {
	typer, ok := provider.(SourceTyper)
	if !ok {
		return SourceTypeNote
	}
	typ, err := typer.SourceType(ctx, sourceID)
	if err != nil || typ == "" {
		return SourceTypeNote
	}
	return typ
}

// MemoryContentProvider keeps source texts in memory.
type MemoryContentProvider struct {
	mu      sync.RWMutex
	texts   map[string]string
	types   map[string]SourceType
	ordered []string
}

// NewMemoryContentProvider creates an empty provider.
func NewMemoryContentProvider() *MemoryContentProvider {
	return &MemoryContentProvider{
		texts: make(map[string]string),
		types: make(map[string]SourceType),
	}
}

// Set stores the text of sourceID.
func (p *MemoryContentProvider) Set(sourceID string, typ SourceType, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.texts[sourceID]; !ok {
		p.ordered = append(p.ordered, sourceID)
	}
	p.texts[sourceID] = text
	p.types[sourceID] = typ
}

// Delete forgets sourceID.
func (p *MemoryContentProvider) Delete(sourceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.texts[sourceID]; !ok {
		return
	}
	delete(p.texts, sourceID)
	delete(p.types, sourceID)
	for i, id := range p.ordered {
		if id == sourceID {
			p.ordered = append(p.ordered[:i], p.ordered[i+1:]...)
			break
		}
	}
}

func (p *MemoryContentProvider) GetText(_ context.Context, sourceID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	text, ok := p.texts[sourceID]
	if !ok {
		return "", errors.Wrap(ErrSourceNotFound, sourceID)
	}
	return text, nil
}

func (p *MemoryContentProvider) SourceType(_ context.Context, sourceID string) (SourceType, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	typ, ok := p.types[sourceID]
	if !ok {
		return "", errors.Wrap(ErrSourceNotFound, sourceID)
	}
	return typ, nil
}

func (p *MemoryContentProvider) ListSources(context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.ordered...), nil
}

// DirContentProvider serves the text files under a directory.
// A source id is the slash-separated path relative to the root.
type DirContentProvider struct {
	root string
}

// NewDirContentProvider serves files under root.
func NewDirContentProvider(root string) *DirContentProvider {
	return &DirContentProvider{root: root}
}

// noteExtensions are files treated as notes; everything else is a file source.
var noteExtensions = map[string]bool{".md": true, ".markdown": true, ".txt": true}

func (p *DirContentProvider) path(sourceID string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(sourceID))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", errors.Wrapf(ErrSourceNotFound, "invalid source id %q", sourceID)
	}
	return filepath.Join(p.root, clean), nil
}

func (p *DirContentProvider) GetText(_ context.Context, sourceID string) (string, error) {
	path, err := p.path(sourceID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Wrap(ErrSourceNotFound, sourceID)
		}
		return "", errors.Wrapf(err, "failed to read source %s", sourceID)
	}
	return string(data), nil
}

func (p *DirContentProvider) SourceType(_ context.Context, sourceID string) (SourceType, error) {
	if noteExtensions[strings.ToLower(filepath.Ext(sourceID))] {
		return SourceTypeNote, nil
	}
	return SourceTypeFile, nil
}

func (p *DirContentProvider) ListSources(ctx context.Context) ([]string, error) {
	var ids []string
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == p.root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != p.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if !d.Type().IsRegular() || !isTextFile(path) {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		ids = append(ids, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list sources under %s", p.root)
	}
	sort.Strings(ids)
	return ids, nil
}

// sniffLen is how much of a file isTextFile inspects.
const sniffLen = 8000

// isTextFile reports whether the head of the file at path has no NUL byte.
// Database files, their journals and other binaries fail this check.
func isTextFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return false
	}
	return bytes.IndexByte(buf[:n], 0) < 0
}
