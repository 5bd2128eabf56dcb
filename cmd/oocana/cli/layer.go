package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/oomol/oocana/common/config"
	"github.com/oomol/oocana/layer"
	"github.com/oomol/oocana/remote/mockserver"
)

func newPackageLayerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package-layer",
		Short: "Manage the package layer stores",
	}

	openStore := func() (*layer.PackageStore, error) {
		cfg, err := config.Load("oocana")
		if err != nil {
			return nil, err
		}
		return layer.OpenPackageStore(cfg.Paths.StoreDir), nil
	}

	var layerPath string
	create := &cobra.Command{
		Use:   "create <package>",
		Short: "Record a prepared layer for a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			return store.Put(&layer.PackageLayer{Package: args[0], Layer: layerPath})
		},
	}
	create.Flags().StringVar(&layerPath, "layer", "", "layer root path")

	cmd.AddCommand(
		create,
		&cobra.Command{
			Use:   "delete <package>",
			Short: "Remove a package's layer record",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				return store.Delete(args[0])
			},
		},
		&cobra.Command{
			Use:   "get <package>",
			Short: "Show a package's layer record",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				entry, err := store.Get(args[0])
				if err != nil {
					return err
				}
				if entry == nil {
					return fmt.Errorf("package %s has no layer record", args[0])
				}
				return printJSON(entry)
			},
		},
		&cobra.Command{
			Use:   "scan <dir>",
			Short: "Scan a directory for package manifests",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				entries, err := os.ReadDir(args[0])
				if err != nil {
					return err
				}
				var found []string
				for _, entry := range entries {
					if !entry.IsDir() {
						continue
					}
					pkgDir := filepath.Join(args[0], entry.Name())
					for _, name := range []string{"package.oo.yaml", "package.oo.yml"} {
						if _, err := os.Stat(filepath.Join(pkgDir, name)); err == nil {
							found = append(found, pkgDir)
							break
						}
					}
				}
				return printJSON(found)
			},
		},
		&cobra.Command{
			Use:   "export <file>",
			Short: "Export the package store as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				entries, err := store.List()
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(entries, "", "  ")
				if err != nil {
					return err
				}
				return os.WriteFile(args[0], data, 0o644)
			},
		},
		&cobra.Command{
			Use:   "import <file>",
			Short: "Import package store entries from JSON",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				data, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				var entries map[string]*layer.PackageLayer
				if err := json.Unmarshal(data, &entries); err != nil {
					return err
				}
				return store.WithStore(func(m *map[string]*layer.PackageLayer) error {
					for pkg, entry := range entries {
						(*m)[pkg] = entry
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List all layer records",
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				entries, err := store.List()
				if err != nil {
					return err
				}
				return printJSON(entries)
			},
		},
		&cobra.Command{
			Use:   "delete-all",
			Short: "Clear the package store",
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				return store.DeleteAll()
			},
		},
	)

	return cmd
}

// newMockTaskServerCommand serves the mock remote task API for local
// development of remote_task blocks.
func newMockTaskServerCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:    "mock-task-server",
		Short:  "Serve a mock remote task API",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			server := mockserver.New(nil)
			fmt.Printf("mock task server listening on %s\n", addr)
			return http.ListenAndServe(addr, server.Handler())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8383", "listen address")
	return cmd
}
