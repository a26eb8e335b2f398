package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/wdlharness/internal/suite"
	"github.com/me/wdlharness/pkg/fixture"
)

func newFetchCmd() *cobra.Command {
	var cacheDir string

	cmd := &cobra.Command{
		Use:   "fetch <descriptor-or-suite-file>",
		Short: "Localize the file fixtures of a descriptor or suite file into the cache",
		Long: `Downloads (or writes) every file fixture so that later runs find them in
the cache directory. A suite file contributes its data section.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			descriptors, err := loadFixtureSection(path)
			if err != nil {
				return err
			}

			dir := cacheDir
			if dir == "" {
				if cfg.RemoveCacheDir {
					return fmt.Errorf("no cache dir configured: use --cache-dir or set cache_dir in the config")
				}
				dir = cfg.CacheDir
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create cache dir: %w", err)
			}

			downloader, err := cfg.NewDownloader(logger)
			if err != nil {
				return err
			}
			dirs, err := fixture.NewDataDirs(filepath.Dir(path), "", "", "")
			if err != nil {
				return err
			}
			paths, err := suite.Prefetch(cmd.Context(), descriptors, dirs, dir, downloader, logger)
			for _, p := range paths {
				size := "?"
				if info, statErr := os.Stat(p); statErr == nil {
					size = humanize.Bytes(uint64(info.Size()))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", size, p)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "Cache directory (default from config)")

	return cmd
}

// loadFixtureSection reads a descriptor file, or the data section of a suite
// file when the document has a tests key.
func loadFixtureSection(path string) (map[string]any, error) {
	var raw map[string]any
	if err := fixture.DecodeFile(path, &raw); err != nil {
		return nil, err
	}
	if _, ok := raw["tests"]; ok {
		s, err := suite.Load(path)
		if err != nil {
			return nil, err
		}
		return s.Data, nil
	}
	return fixture.LoadDescriptors(path)
}
