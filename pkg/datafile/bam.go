package datafile

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/biogo/hts/bam"

	"github.com/me/wdlharness/pkg/model"
)

var unsetReadGroup = regexp.MustCompile(`UNSET-\w*\b`)

// keptHeaders are the header record types compared in the all-columns pass.
var keptHeaders = []string{"@HD", "@SQ", "@RG"}

type samSorting int

const (
	sortNone samSorting = iota
	sortCoordinate
	sortName
)

// compareBAM converts both BAMs to SAM text and compares them in two passes:
// every read on the columns that should be deterministic, then the reads
// passing the MAPQ filter on all mandatory columns.
func compareBAM(ctx context.Context, path1, path2 string, opts Options) error {
	if err := compareBAMPass(ctx, path1, path2, opts.AllowedDiffLines, false, 0, sortName, []int{0, 1, 4, 9, 10}); err != nil {
		return wrapBAMError(path1, path2, err)
	}
	var columns []int
	if !opts.CompareTagColumns {
		columns = []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	}
	if err := compareBAMPass(ctx, path1, path2, opts.AllowedDiffLines, true, opts.MinMapQ, sortCoordinate, columns); err != nil {
		return wrapBAMError(path1, path2, err)
	}
	return nil
}

func wrapBAMError(path1, path2 string, err error) error {
	return &model.ComparisonError{
		Path1:   path1,
		Path2:   path2,
		Message: "BAM files are not equal",
		Err:     err,
	}
}

func compareBAMPass(ctx context.Context, path1, path2 string, allowed int, headers bool, minMapQ int, sorting samSorting, columns []int) error {
	lines1, err := bamToSAM(ctx, path1, headers, minMapQ, sorting)
	if err != nil {
		return err
	}
	lines2, err := bamToSAM(ctx, path2, headers, minMapQ, sorting)
	if err != nil {
		return err
	}
	if n := CountDiffLines(cutColumns(lines1, columns), cutColumns(lines2, columns)); n > allowed {
		return fmt.Errorf("%d lines (which is > %d allowed) are different", n, allowed)
	}
	return nil
}

// bamToSAM renders a BAM file as SAM lines, replacing randomly assigned read
// group IDs with a placeholder.
func bamToSAM(ctx context.Context, path string, headers bool, minMapQ int, sorting samSorting) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br, err := bam.NewReader(f, 0)
	if err != nil {
		return nil, fmt.Errorf("read bam %s: %w", path, err)
	}
	defer br.Close()

	var headerLines []string
	if headers {
		text, err := br.Header().MarshalText()
		if err != nil {
			return nil, fmt.Errorf("bam header %s: %w", path, err)
		}
		for _, line := range strings.Split(strings.TrimRight(string(text), "\n"), "\n") {
			for _, prefix := range keptHeaders {
				if strings.HasPrefix(line, prefix) {
					headerLines = append(headerLines, unsetReadGroup.ReplaceAllString(line, "UNSET-placeholder"))
					break
				}
			}
		}
	}

	var body []string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := br.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read bam record %s: %w", path, err)
		}
		if minMapQ > 0 && int(rec.MapQ) < minMapQ {
			continue
		}
		text, err := rec.MarshalText()
		if err != nil {
			return nil, fmt.Errorf("format bam record %s: %w", path, err)
		}
		body = append(body, unsetReadGroup.ReplaceAllString(string(text), "UNSET-placeholder"))
	}

	sortSAM(body, sorting)
	return append(headerLines, body...), nil
}

// sortSAM orders records like `sort -k1,1 -k2,2n` (name) or
// `sort -k3,3 -k4,4n -k2,2n` (coordinate), with whole-line ties broken
// lexically.
func sortSAM(lines []string, sorting samSorting) {
	if sorting == sortNone {
		return
	}
	type key struct {
		line   string
		fields []string
	}
	keys := make([]key, len(lines))
	for i, l := range lines {
		keys[i] = key{line: l, fields: strings.SplitN(l, "\t", 5)}
	}
	field := func(k key, i int) string {
		if i < len(k.fields) {
			return k.fields[i]
		}
		return ""
	}
	num := func(k key, i int) int {
		n, _ := strconv.Atoi(field(k, i))
		return n
	}
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		switch sorting {
		case sortName:
			if fa, fb := field(a, 0), field(b, 0); fa != fb {
				return fa < fb
			}
			if na, nb := num(a, 1), num(b, 1); na != nb {
				return na < nb
			}
		case sortCoordinate:
			if fa, fb := field(a, 2), field(b, 2); fa != fb {
				return fa < fb
			}
			if na, nb := num(a, 3), num(b, 3); na != nb {
				return na < nb
			}
			if na, nb := num(a, 1), num(b, 1); na != nb {
				return na < nb
			}
		}
		return a.line < b.line
	})
	for i, k := range keys {
		lines[i] = k.line
	}
}

// cutColumns keeps the given 0-based tab-separated columns of each line, like
// `cut -f`. A nil column list keeps whole lines.
func cutColumns(lines []string, columns []int) []string {
	if columns == nil {
		return lines
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		fields := strings.Split(line, "\t")
		kept := make([]string, 0, len(columns))
		for _, c := range columns {
			if c < len(fields) {
				kept = append(kept, fields[c])
			}
		}
		out[i] = strings.Join(kept, "\t")
	}
	return out
}
