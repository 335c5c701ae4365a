package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/sandpit/hostfunc"
	"github.com/caffeineduck/sandpit/internal/config"
)

// Packages that won't work in the WASM interpreter.
var blockedPackages = map[string]string{
	// C extensions
	"numpy":         "requires C extensions",
	"pandas":        "requires C extensions (numpy)",
	"scipy":         "requires C extensions",
	"tensorflow":    "requires C extensions",
	"torch":         "requires C extensions",
	"scikit-learn":  "requires C extensions",
	"matplotlib":    "requires C extensions",
	"pillow":        "requires C extensions",
	"opencv-python": "requires C extensions",
	"psycopg2":      "requires C extensions",
	"cryptography":  "requires C extensions",
	"lxml":          "requires C extensions",
	// Socket-based
	"requests": "uses sockets, which the sandbox does not provide",
	"httpx":    "uses sockets, which the sandbox does not provide",
	"urllib3":  "uses sockets, which the sandbox does not provide",
	"aiohttp":  "uses sockets, which the sandbox does not provide",
	"flask":    "web frameworks are not supported",
	"django":   "web frameworks are not supported",
	"fastapi":  "web frameworks are not supported",
}

func newDepsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Manage Python packages for sandboxed code",
		Long: `Install and manage pure Python packages that sandboxed code can import.

Packages are installed with pip into the package directory, which is mounted
read-only into the Python interpreter when code imports one of them. Only
pure Python wheels work; packages with C extensions are rejected.

Note: JavaScript packages are not supported.`,
	}
	cmd.PersistentFlags().String("dir", "", "Package directory (default: $SANDPIT_PYTHON_PACKAGES_DIR or the cache directory)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "install [packages...]",
			Short: "Install packages from PyPI",
			Args:  cobra.MinimumNArgs(1),
			RunE:  runDepsInstall,
		},
		&cobra.Command{
			Use:   "list",
			Short: "List installed packages",
			Args:  cobra.NoArgs,
			RunE:  runDepsList,
		},
		&cobra.Command{
			Use:   "remove [packages...]",
			Short: "Remove packages",
			Args:  cobra.MinimumNArgs(1),
			RunE:  runDepsRemove,
		},
	)
	return cmd
}

// depsPackages manages the package directory. The CLI is the operator, so
// installation is always enabled here; the allowlist still applies.
func depsPackages(cmd *cobra.Command) (*hostfunc.Packages, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.PackagesDir()
	}
	return hostfunc.NewPackages(hostfunc.PkgConfig{
		PackageDir:      dir,
		AllowedPackages: cfg.Python.AllowedPackages,
		Enabled:         true,
	}), nil
}

// parsePackageSpec splits "requests>=2.32" into name and version specifier.
func parsePackageSpec(spec string) (name, version string) {
	if i := strings.IndexAny(spec, "=<>!~"); i > 0 {
		return spec[:i], spec[i:]
	}
	return spec, ""
}

func runDepsInstall(cmd *cobra.Command, args []string) error {
	pkgs, err := depsPackages(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, spec := range args {
		name, version := parsePackageSpec(spec)
		if reason, blocked := blockedPackages[strings.ToLower(name)]; blocked {
			return fmt.Errorf("%s is not supported in the sandbox (%s)", name, reason)
		}
		fmt.Fprintf(out, "Installing %s...\n", spec)
		if log, err := pkgs.Install(cmd.Context(), name, version); err != nil {
			if log != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), styleSystem.Render(strings.TrimSpace(log)))
			}
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	fmt.Fprintln(out, styleOK.Render("Done."))
	return nil
}

func runDepsList(cmd *cobra.Command, args []string) error {
	pkgs, err := depsPackages(cmd)
	if err != nil {
		return err
	}
	list, err := pkgs.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No packages installed.")
		return nil
	}
	fmt.Fprintf(out, "Packages in %s:\n", pkgs.Dir())
	for _, p := range list {
		fmt.Fprintf(out, "  %s %s\n", p.Name, styleSystem.Render(p.Version))
	}
	return nil
}

func runDepsRemove(cmd *cobra.Command, args []string) error {
	pkgs, err := depsPackages(cmd)
	if err != nil {
		return err
	}
	for _, name := range args {
		if err := pkgs.Remove(name); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", name)
	}
	return nil
}
