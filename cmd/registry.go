package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/monoco-io/monoco/internal/config"
	"github.com/monoco-io/monoco/internal/registry"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Manage the global project registry (webhook slug -> project root)",
}

var registryRegisterCmd = &cobra.Command{
	Use:   "register <slug> [root]",
	Short: "Register a project under a URL-safe slug",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runRegistryRegister,
}

var registryUnregisterCmd = &cobra.Command{
	Use:   "unregister <slug>",
	Short: "Remove a project from the registry",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegistryUnregister,
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	RunE:  runRegistryList,
}

func init() {
	registryCmd.AddCommand(registryRegisterCmd, registryUnregisterCmd, registryListCmd)
	rootCmd.AddCommand(registryCmd)
}

func runRegistryRegister(cmd *cobra.Command, args []string) error {
	slug := args[0]
	root := cfg.ProjectRoot
	if len(args) == 2 {
		root = args[1]
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return fmt.Errorf("project root %s is not a directory", abs)
	}

	reg := registry.New(config.InventoryPath())
	if err := reg.Register(slug, registry.Project{Root: abs}); err != nil {
		return err
	}
	fmt.Printf("registered %s -> %s\n", slug, abs)
	return nil
}

func runRegistryUnregister(cmd *cobra.Command, args []string) error {
	reg := registry.New(config.InventoryPath())
	if err := reg.Unregister(args[0]); err != nil {
		return err
	}
	fmt.Printf("unregistered %s\n", args[0])
	return nil
}

func runRegistryList(cmd *cobra.Command, args []string) error {
	reg := registry.New(config.InventoryPath())
	slugs, err := reg.List()
	if err != nil {
		return err
	}
	if len(slugs) == 0 {
		fmt.Println("no projects registered")
		return nil
	}
	for _, slug := range slugs {
		p, err := reg.Lookup(slug)
		if err != nil {
			fmt.Printf("%-24s (unreadable: %v)\n", slug, err)
			continue
		}
		fmt.Printf("%-24s %s\n", slug, p.Root)
	}
	return nil
}
