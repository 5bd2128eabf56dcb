package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/oomol/oocana/common/config"
	"github.com/oomol/oocana/common/logger"
	"github.com/oomol/oocana/manifest"
	"github.com/oomol/oocana/resolver"
	"github.com/oomol/oocana/runtime"
)

func newQueryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Statically inspect a flow",
	}

	var searchPaths string
	var nodes string
	var useCache bool
	cmd.PersistentFlags().StringVar(&searchPaths, "search-paths", "", "comma-separated block search paths")
	cmd.PersistentFlags().StringVar(&nodes, "nodes", "", "comma-separated target node ids")
	cmd.PersistentFlags().BoolVar(&useCache, "use-cache", false, "consult the flow's input-value cache")

	loadFlow := func(ref string) (*manifest.SubflowBlock, error) {
		cfg, err := config.Load("oocana")
		if err != nil {
			return nil, err
		}
		runtime.InitCache(cfg.Paths.CacheDir)
		baseDir, err := os.Getwd()
		if err != nil {
			baseDir = "."
		}
		finder := resolver.NewPathFinder(baseDir, splitCSV(searchPaths))
		return resolver.NewBlockResolver(logger.Discard()).ResolveFlowBlock(ref, finder)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "upstream <flow>",
			Short: "Partition a flow's nodes for a partial run",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				flow, err := loadFlow(args[0])
				if err != nil {
					return err
				}
				targets := make(map[manifest.NodeId]bool)
				for _, id := range splitCSV(nodes) {
					targets[manifest.NodeId(id)] = true
				}
				result := runtime.FindUpstream(flow, targets, useCache)
				return printJSON(map[string]any{
					"runnable_now":     result.RunnableNow,
					"waiting_upstream": result.WaitingUpstream,
					"upstream":         result.Upstream,
				})
			},
		},
		&cobra.Command{
			Use:   "service <flow>",
			Short: "List services a flow references",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				flow, err := loadFlow(args[0])
				if err != nil {
					return err
				}
				services := map[string]bool{}
				for _, node := range flow.Nodes {
					if serviceNode, ok := node.(*manifest.ServiceNode); ok {
						services[serviceNode.Service.Path] = true
					}
				}
				return printJSON(sortedKeys(services))
			},
		},
		&cobra.Command{
			Use:   "package <flow>",
			Short: "List packages a flow references",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				flow, err := loadFlow(args[0])
				if err != nil {
					return err
				}
				packages := map[string]bool{}
				for _, node := range flow.Nodes {
					scope := node.Scope()
					if scope.Kind == manifest.ScopePackage && scope.PackagePath != "" {
						packages[scope.PackagePath] = true
					}
				}
				return printJSON(sortedKeys(packages))
			},
		},
		&cobra.Command{
			Use:   "inputs <flow>",
			Short: "Show a flow's input definitions",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				flow, err := loadFlow(args[0])
				if err != nil {
					return err
				}
				return printJSON(flow.Inputs)
			},
		},
		&cobra.Command{
			Use:   "nodes-inputs <flow>",
			Short: "Show per-node input definitions needing outside values",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				flow, err := loadFlow(args[0])
				if err != nil {
					return err
				}
				return printJSON(flow.QueryInputs())
			},
		},
	)

	return cmd
}

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage per-flow input-value caches",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List cached flows",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load("oocana")
				if err != nil {
					return err
				}
				runtime.InitCache(cfg.Paths.CacheDir)
				return printJSON(runtime.LoadCacheMeta())
			},
		},
		&cobra.Command{
			Use:   "clear [flow]",
			Short: "Clear the cache of one flow, or all caches",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load("oocana")
				if err != nil {
					return err
				}
				runtime.InitCache(cfg.Paths.CacheDir)
				meta := runtime.LoadCacheMeta()
				if len(args) == 1 {
					if cachePath, ok := meta[args[0]]; ok {
						_ = os.Remove(cachePath)
					}
					return nil
				}
				for _, cachePath := range meta {
					_ = os.Remove(cachePath)
				}
				return os.RemoveAll(cfg.Paths.CacheDir)
			},
		},
	)

	return cmd
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
