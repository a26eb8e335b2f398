package datafile

import (
	"context"
	"strings"
)

// vcfColumns are the 0-based columns kept for comparison: CHROM, POS, ID, REF,
// ALT, FILTER and the first sample. QUAL and INFO vary between hardware.
var vcfColumns = []int{0, 1, 2, 3, 4, 6, 9}

// compareVCF compares single-sample VCFs by site and genotype only.
func compareVCF(_ context.Context, path1, path2 string, opts Options) error {
	return assertTextEqual(path1, path2, opts.AllowedDiffLines, func(lines []string) []string {
		return vcfComparable(lines, opts.ComparePhase)
	})
}

func vcfComparable(lines []string, comparePhase bool) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		kept := make([]string, 0, len(vcfColumns))
		for _, c := range vcfColumns {
			if c >= len(fields) {
				break
			}
			v := fields[c]
			if c == 9 {
				v, _, _ = strings.Cut(v, ":")
				if !comparePhase {
					v = strings.ReplaceAll(v, "|", "/")
				}
			}
			kept = append(kept, v)
		}
		out = append(out, strings.Join(kept, "\t"))
	}
	return out
}
