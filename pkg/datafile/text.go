package datafile

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/me/wdlharness/pkg/model"
)

const maxLineSize = 64 << 20

var gzipMagic = []byte{0x1f, 0x8b}

// isGzip sniffs the gzip magic bytes. BGZF files are gzip too.
func isGzip(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head := make([]byte, 2)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, err
	}
	return n == 2 && bytes.Equal(head, gzipMagic), nil
}

// openText opens path for reading, transparently decompressing gzip.
func openText(path string) (io.ReadCloser, error) {
	gz, err := isGzip(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !gz {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("gzip %s: %w", path, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{zr, f}, nil
}

// readLines returns the lines of a (possibly gzipped) text file.
func readLines(path string) ([]string, error) {
	rc, err := openText(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var lines []string
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

// CountDiffLines returns the number of lines a side-by-side diff of a and b
// would print with common lines suppressed. Trailing whitespace is ignored.
func CountDiffLines(a, b []string) int {
	a, b = trimTrailingSpace(a), trimTrailingSpace(b)
	m := difflib.NewMatcherWithJunk(a, b, false, nil)
	count := 0
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'r':
			count += max(op.I2-op.I1, op.J2-op.J1)
		case 'd':
			count += op.I2 - op.I1
		case 'i':
			count += op.J2 - op.J1
		}
	}
	return count
}

func trimTrailingSpace(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = strings.TrimRightFunc(l, unicode.IsSpace)
	}
	return out
}

// lineTransform rewrites file lines into their comparable form.
type lineTransform func([]string) []string

// assertTextEqual diffs two text files after transform and fails when more
// than allowed lines differ.
func assertTextEqual(path1, path2 string, allowed int, transform lineTransform) error {
	lines1, err := readLines(path1)
	if err != nil {
		return err
	}
	lines2, err := readLines(path2)
	if err != nil {
		return err
	}
	if transform != nil {
		lines1, lines2 = transform(lines1), transform(lines2)
	}
	if n := CountDiffLines(lines1, lines2); n > allowed {
		return &model.ComparisonError{
			Path1:   path1,
			Path2:   path2,
			Message: fmt.Sprintf("%d lines (which is > %d allowed) are different between files", n, allowed),
		}
	}
	return nil
}

func compareDefault(_ context.Context, path1, path2 string, opts Options) error {
	if opts.AllowedDiffLines > 0 {
		return assertTextEqual(path1, path2, opts.AllowedDiffLines, nil)
	}
	return assertBinaryEqual(path1, path2)
}

// assertBinaryEqual compares MD5 digests. Gzip files are compared by their
// uncompressed content so that differing compression metadata is ignored.
func assertBinaryEqual(path1, path2 string) error {
	gz1, err := isGzip(path1)
	if err != nil {
		return err
	}
	gz2, err := isGzip(path2)
	if err != nil {
		return err
	}
	if gz1 && gz2 {
		return assertGzipEqual(path1, path2)
	}

	d1, err := fileMD5(path1, false)
	if err != nil {
		return err
	}
	d2, err := fileMD5(path2, false)
	if err != nil {
		return err
	}
	if d1 != d2 {
		return &model.ComparisonError{
			Path1:   path1,
			Path2:   path2,
			Message: fmt.Sprintf("MD5 hashes differ (%s != %s) between expected identical files", d1, d2),
		}
	}
	return nil
}

// gzipTrailer returns the CRC32 and uncompressed size recorded at the end of
// the last gzip member.
func gzipTrailer(path string) (crc, size uint32, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	if info.Size() < 18 {
		return 0, 0, fmt.Errorf("gzip %s: file too short", path)
	}
	buf := make([]byte, 8)
	if _, err := f.ReadAt(buf, info.Size()-8); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(buf[:4]), binary.LittleEndian.Uint32(buf[4:]), nil
}

func assertGzipEqual(path1, path2 string) error {
	crc1, size1, err := gzipTrailer(path1)
	if err != nil {
		return err
	}
	crc2, size2, err := gzipTrailer(path2)
	if err != nil {
		return err
	}
	mismatch := &model.ComparisonError{
		Path1:   path1,
		Path2:   path2,
		Message: "CRCs and/or uncompressed sizes differ between expected identical gzip files",
	}
	if crc1 != crc2 || size1 != size2 {
		return mismatch
	}
	// Multi-member files (BGZF) end with an empty member, so equal trailers
	// are not conclusive.
	d1, err := fileMD5(path1, true)
	if err != nil {
		return err
	}
	d2, err := fileMD5(path2, true)
	if err != nil {
		return err
	}
	if d1 != d2 {
		return mismatch
	}
	return nil
}

func fileMD5(path string, decompress bool) (string, error) {
	var r io.ReadCloser
	var err error
	if decompress {
		r, err = openText(path)
	} else {
		r, err = os.Open(path)
	}
	if err != nil {
		return "", err
	}
	defer r.Close()
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
