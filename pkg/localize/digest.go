package localize

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/me/wdlharness/pkg/model"
)

// DigestSet maps a hash algorithm name to its expected hex digest.
type DigestSet map[string]string

var hashers = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha224": sha256.New224,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// SupportedDigest reports whether the algorithm can be verified.
func SupportedDigest(algorithm string) bool {
	_, ok := hashers[strings.ToLower(algorithm)]
	return ok
}

// FileDigest returns the hex digest of the file at path.
func FileDigest(path, algorithm string) (string, error) {
	newHash, ok := hashers[strings.ToLower(algorithm)]
	if !ok {
		return "", fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyDigests checks every supported digest in set against the file at path
// in a single read. It returns the algorithms that could not be checked; when
// none of the requested algorithms is supported a warning is logged rather
// than treating the file as verified silently.
func VerifyDigests(path string, set DigestSet, logger *slog.Logger) ([]string, error) {
	if len(set) == 0 {
		return nil, nil
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	algs := make([]string, 0, len(set))
	for alg := range set {
		algs = append(algs, alg)
	}
	sort.Strings(algs)

	var unsupported []string
	sums := make(map[string]hash.Hash)
	var writers []io.Writer
	for _, alg := range algs {
		newHash, ok := hashers[strings.ToLower(alg)]
		if !ok {
			unsupported = append(unsupported, alg)
			continue
		}
		h := newHash()
		sums[alg] = h
		writers = append(writers, h)
	}

	if len(sums) == 0 {
		logger.Warn("no supported digest algorithm; file not verified",
			"path", path, "algorithms", unsupported)
		return unsupported, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return unsupported, err
	}
	defer f.Close()
	if _, err := io.Copy(io.MultiWriter(writers...), f); err != nil {
		return unsupported, fmt.Errorf("read %s: %w", path, err)
	}

	for _, alg := range algs {
		h, ok := sums[alg]
		if !ok {
			continue
		}
		actual := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(actual, set[alg]) {
			return unsupported, &model.DigestMismatchError{
				Path:      path,
				Algorithm: alg,
				Expected:  set[alg],
				Actual:    actual,
			}
		}
	}
	if len(unsupported) > 0 {
		logger.Warn("skipping unsupported digest algorithms", "path", path, "algorithms", unsupported)
	}
	return unsupported, nil
}
