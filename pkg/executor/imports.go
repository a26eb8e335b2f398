package executor

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/me/wdlharness/pkg/model"
)

// WorkflowImports builds a flat zip archive of the *.wdl files directly inside
// importDirs. An existing importsFile is reused as-is. The returned path is
// empty when there is nothing to import.
func WorkflowImports(importDirs []string, importsFile string, logger *slog.Logger) (string, error) {
	if importsFile != "" {
		if _, err := os.Stat(importsFile); err == nil {
			return importsFile, nil
		}
	}
	if len(importDirs) == 0 {
		return "", nil
	}

	files, err := collectImports(importDirs)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", nil
	}

	var out *os.File
	if importsFile == "" {
		out, err = os.CreateTemp("", "imports-*.zip")
	} else {
		if err = os.MkdirAll(filepath.Dir(importsFile), 0o755); err == nil {
			out, err = os.Create(importsFile)
		}
	}
	if err != nil {
		return "", fmt.Errorf("create imports archive: %w", err)
	}
	path := out.Name()

	discardIfNil(logger).Info("writing imports archive", "path", path, "files", files)
	if err := writeZip(out, files); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("write imports archive %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write imports archive %s: %w", path, err)
	}
	return path, nil
}

// collectImports lists the *.wdl files directly inside importDirs. Archives
// are flat, so two files with the same base name are a ConfigError.
func collectImports(importDirs []string) ([]string, error) {
	var files []string
	seen := make(map[string]string)
	for _, dir := range importDirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.wdl"))
		if err != nil {
			return nil, fmt.Errorf("list imports in %s: %w", dir, err)
		}
		sort.Strings(matches)
		for _, f := range matches {
			base := filepath.Base(f)
			if prev, ok := seen[base]; ok {
				return nil, model.NewConfigError("import_dirs", "duplicate import name %s (%s and %s)", base, prev, f)
			}
			seen[base] = f
			files = append(files, f)
		}
	}
	return files, nil
}

func writeZip(w io.Writer, files []string) error {
	zw := zip.NewWriter(w)
	for _, f := range files {
		if err := addZipFile(zw, f, filepath.Base(f)); err != nil {
			return err
		}
	}
	return zw.Close()
}

func addZipFile(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}
