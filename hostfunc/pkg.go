package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	ErrPkgDisabled   = errors.New("package installation disabled")
	ErrPkgNameNeeded = errors.New("package name required")

	pkgName    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(\[[A-Za-z0-9,._-]+\])?$`)
	pkgVersion = regexp.MustCompile(`^(==|>=|<=|~=|!=|>|<)?[A-Za-z0-9.*+!-]+$`)
)

// PkgConfig configures the pure-Python package directory.
type PkgConfig struct {
	PackageDir      string   // installed packages, mounted read-only into the Python runtime
	AllowedPackages []string // if set, only these packages can be installed
	Enabled         bool     // whether installation is enabled
	Pip             string   // pip executable, default "pip"
}

func DefaultPkgConfig() PkgConfig {
	return PkgConfig{
		PackageDir: filepath.Join(".sandpit", "python", "packages"),
		Pip:        "pip",
	}
}

// PackageInfo describes an installed distribution.
type PackageInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Packages manages the package directory with pip.
type Packages struct {
	cfg PkgConfig
}

func NewPackages(cfg PkgConfig) *Packages {
	if cfg.Pip == "" {
		cfg.Pip = "pip"
	}
	return &Packages{cfg: cfg}
}

// Dir is the package directory.
func (p *Packages) Dir() string { return p.cfg.PackageDir }

func (p *Packages) checkName(name string) error {
	if name == "" {
		return ErrPkgNameNeeded
	}
	if !pkgName.MatchString(name) {
		return fmt.Errorf("invalid package name")
	}
	if len(p.cfg.AllowedPackages) > 0 {
		base := strings.SplitN(name, "[", 2)[0]
		for _, allowed := range p.cfg.AllowedPackages {
			if strings.EqualFold(allowed, base) {
				return nil
			}
		}
		return fmt.Errorf("package %q not allowed", name)
	}
	return nil
}

// Install installs name (with optional version specifier) into the package
// directory and returns pip's combined output.
func (p *Packages) Install(ctx context.Context, name, version string) (string, error) {
	if !p.cfg.Enabled {
		return "", ErrPkgDisabled
	}
	if err := p.checkName(name); err != nil {
		return "", err
	}
	spec := name
	if version != "" {
		if !pkgVersion.MatchString(version) {
			return "", fmt.Errorf("invalid version specifier")
		}
		if version[0] >= '0' && version[0] <= '9' {
			version = "==" + version
		}
		spec += version
	}

	if err := os.MkdirAll(p.cfg.PackageDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create package dir: %w", err)
	}
	absDir, err := filepath.Abs(p.cfg.PackageDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve package dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.cfg.Pip, "install", "--no-deps", "--only-binary=:all:", "--target", absDir, spec)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("pip install %s: %w", spec, err)
	}
	return string(out), nil
}

// List reads installed distributions from their .dist-info directories.
func (p *Packages) List() ([]PackageInfo, error) {
	entries, err := os.ReadDir(p.cfg.PackageDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pkgs []PackageInfo
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".dist-info")
		if !ok || !e.IsDir() {
			continue
		}
		dist, version, _ := strings.Cut(name, "-")
		pkgs = append(pkgs, PackageInfo{Name: dist, Version: version})
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return pkgs, nil
}

// Remove deletes a distribution and the top-level modules it recorded.
func (p *Packages) Remove(name string) error {
	if err := p.checkName(name); err != nil {
		return err
	}
	entries, err := os.ReadDir(p.cfg.PackageDir)
	if err != nil {
		return err
	}
	norm := normalizeDist(name)
	found := false
	for _, e := range entries {
		dist, ok := strings.CutSuffix(e.Name(), ".dist-info")
		if !ok {
			continue
		}
		distName, _, _ := strings.Cut(dist, "-")
		if normalizeDist(distName) != norm {
			continue
		}
		found = true
		infoDir := filepath.Join(p.cfg.PackageDir, e.Name())
		if top, err := os.ReadFile(filepath.Join(infoDir, "top_level.txt")); err == nil {
			for _, mod := range strings.Fields(string(top)) {
				if filepath.Base(mod) != mod {
					continue
				}
				os.RemoveAll(filepath.Join(p.cfg.PackageDir, mod))
				os.Remove(filepath.Join(p.cfg.PackageDir, mod+".py"))
			}
		} else {
			os.RemoveAll(filepath.Join(p.cfg.PackageDir, distName))
		}
		if err := os.RemoveAll(infoDir); err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("package %q not installed", name)
	}
	return nil
}

// Has reports whether a top-level module is importable from the package
// directory.
func (p *Packages) Has(module string) bool {
	if p.cfg.PackageDir == "" || module == "" || filepath.Base(module) != module {
		return false
	}
	for _, candidate := range []string{module, module + ".py"} {
		if _, err := os.Stat(filepath.Join(p.cfg.PackageDir, candidate)); err == nil {
			return true
		}
	}
	return false
}

func normalizeDist(name string) string {
	return strings.ToLower(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}
