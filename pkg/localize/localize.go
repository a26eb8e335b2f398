// Package localize materializes test fixtures at local paths: downloading
// remote URLs, writing literal contents, or linking existing files.
package localize

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Localizer materializes a file at a destination path. Implementations create
// missing parent directories and leave no partial file behind on failure.
type Localizer interface {
	Localize(ctx context.Context, dest string) error
}

// URL downloads a remote file.
type URL struct {
	URL        string
	Headers    map[string]string
	Digests    DigestSet
	Downloader *Downloader
}

// Localize downloads u.URL to dest.
func (u *URL) Localize(ctx context.Context, dest string) error {
	d := u.Downloader
	if d == nil {
		d = NewDownloader(Config{}, nil)
	}
	return d.Download(ctx, u.URL, dest, u.Headers, u.Digests)
}

func (u *URL) String() string { return u.URL }

// String writes literal text contents.
type String struct {
	Contents string
}

// Localize writes s.Contents to dest.
func (s *String) Localize(_ context.Context, dest string) error {
	return writeFileAtomic(dest, []byte(s.Contents))
}

// JSON writes a value serialized as JSON.
type JSON struct {
	Contents any
}

// Localize writes j.Contents as JSON to dest.
func (j *JSON) Localize(_ context.Context, dest string) error {
	data, err := json.Marshal(j.Contents)
	if err != nil {
		return fmt.Errorf("encode json contents: %w", err)
	}
	return writeFileAtomic(dest, data)
}

// Link symlinks an existing file to the destination.
type Link struct {
	Source string
}

// Localize creates dest as a symlink to l.Source. Filesystem errors are
// returned unchanged.
func (l *Link) Localize(_ context.Context, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.Symlink(l.Source, dest)
}

func (l *Link) String() string { return l.Source }

// writeFileAtomic writes data to a temp file next to dest and renames it.
func writeFileAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
