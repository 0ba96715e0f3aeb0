// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package main

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/rhodeslab/akauth/internal/logging"
	"github.com/rhodeslab/akauth/internal/region"
	"github.com/rhodeslab/akauth/internal/upstream"
	"github.com/rhodeslab/akauth/internal/xdg"
)

// regionsCacheFile is the name of the cached region configs in the XDG
// state directory.
const regionsCacheFile = "regions.yaml"

// regionSource fetches region configs. *region.Store satisfies it.
type regionSource interface {
	Get(ctx context.Context, code region.Code) (region.Config, error)
}

// regionsDoc is the printed and cached form of region configs.
type regionsDoc struct {
	Regions map[region.Code]region.Config `yaml:"regions"`
	Errors  map[region.Code]string        `yaml:"errors,omitempty"`
}

// NewRegionsCmd creates the regions subcommand.
func NewRegionsCmd() *cobra.Command {
	var (
		refresh    bool
		regionName string
	)

	cmd := &cobra.Command{
		Use:   "regions",
		Short: "Show game server configuration per region",
		Long: `Show the client version, resource version and network domains of
each region. Results are cached in the state directory; --refresh fetches
them again from the game servers.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var only region.Code
			if regionName != "" {
				if only, err = region.Parse(regionName); err != nil {
					return err
				}
			}

			stateDir, err := xdg.StateDir()
			if err != nil {
				return err
			}

			logger := logging.Setup("akauth", version, cfg.LogFormat, cfg.Level(), cmd.ErrOrStderr())
			client := upstream.NewClient(upstream.WithTimeout(cfg.UpstreamTimeout), upstream.WithLogger(logger))
			store := region.NewStore(region.NewHTTPFetcher(client),
				region.WithRetries(cfg.RegionFetchRetries),
				region.WithLogger(logger),
			)

			return runRegions(cmd.Context(), cmd.OutOrStdout(), store, filepath.Join(stateDir, regionsCacheFile), only, refresh)
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "fetch configs from the game servers instead of the cache")
	cmd.Flags().StringVar(&regionName, "region", "", "show only this region")

	return cmd
}

// runRegions prints region configs from the cache at cachePath, fetching
// them through src when refresh is set or the cache is missing. An empty
// only selects every region.
func runRegions(ctx context.Context, out io.Writer, src regionSource, cachePath string, only region.Code, refresh bool) error {
	var doc regionsDoc
	cached := false
	if !refresh {
		var err error
		doc, cached, err = readRegionsCache(cachePath)
		if err != nil {
			return err
		}
	}

	if !cached {
		doc = fetchRegions(ctx, src)
		if len(doc.Regions) == 0 {
			return oops.Code(region.CodeConfigUnavailable).
				With("errors", doc.Errors).
				Wrap(region.ErrConfigUnavailable)
		}
		if err := writeRegionsCache(cachePath, doc); err != nil {
			return err
		}
	}

	if only != "" {
		doc = doc.filter(only)
		if len(doc.Regions) == 0 && len(doc.Errors) == 0 {
			return oops.Code(region.CodeConfigUnavailable).
				With("region", string(only)).
				Wrap(region.ErrConfigUnavailable)
		}
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close() //nolint:errcheck // output already flushed by Encode
	if err := enc.Encode(doc); err != nil {
		return oops.Code("OUTPUT_FAILED").Wrap(err)
	}
	return nil
}

// fetchRegions fetches every region concurrently.
func fetchRegions(ctx context.Context, src regionSource) regionsDoc {
	doc := regionsDoc{
		Regions: make(map[region.Code]region.Config),
		Errors:  make(map[region.Code]string),
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, code := range region.All {
		g.Go(func() error {
			cfg, err := src.Get(ctx, code)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				doc.Errors[code] = err.Error()
				return nil
			}
			doc.Regions[code] = cfg
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines record failures in doc
	return doc
}

func (d regionsDoc) filter(code region.Code) regionsDoc {
	out := regionsDoc{Regions: make(map[region.Code]region.Config)}
	if cfg, ok := d.Regions[code]; ok {
		out.Regions[code] = cfg
	}
	if msg, ok := d.Errors[code]; ok {
		out.Errors = map[region.Code]string{code: msg}
	}
	return out
}

func readRegionsCache(path string) (regionsDoc, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is built from the XDG state dir
	if errors.Is(err, fs.ErrNotExist) {
		return regionsDoc{}, false, nil
	}
	if err != nil {
		return regionsDoc{}, false, oops.Code("REGIONS_CACHE_READ_FAILED").With("path", path).Wrap(err)
	}
	var doc regionsDoc
	if err := yaml.Unmarshal(data, &doc); err != nil || len(doc.Regions) == 0 {
		// Unusable cache; fall back to fetching.
		return regionsDoc{}, false, nil
	}
	return doc, true, nil
}

func writeRegionsCache(path string, doc regionsDoc) error {
	if err := xdg.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	data, err := yaml.Marshal(regionsDoc{Regions: doc.Regions})
	if err != nil {
		return oops.Code("REGIONS_CACHE_WRITE_FAILED").Wrap(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return oops.Code("REGIONS_CACHE_WRITE_FAILED").With("path", path).Wrap(err)
	}
	return nil
}
