package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oomol/oocana/manifest"
)

// NotFoundError reports a block reference that matched nothing, carrying
// the paths that were searched.
type NotFoundError struct {
	Ref         string
	Kind        string
	SearchPaths []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s block %s not found. Search paths: %s",
		e.Kind, e.Ref, strings.Join(e.SearchPaths, ", "))
}

// refKind classifies the textual form of a block reference
type refKind int

const (
	refSelf refKind = iota // self::<name>
	refPkg                 // <pkg>::<name> or <pkg>::<service>::<op>
	refDirect              // bare <name>, or a manifest path without separators
	refAbs                 // absolute path
	refRel                 // relative path (./ or ../)
)

type blockRef struct {
	kind  refKind
	name  string // block name (self/pkg/direct)
	pkg   string // package name (pkg form)
	path  string // raw path (abs/rel forms)
}

func classifyRef(value string) blockRef {
	if name, ok := strings.CutPrefix(value, "self::"); ok {
		return blockRef{kind: refSelf, name: name}
	}
	if filepath.IsAbs(value) {
		return blockRef{kind: refAbs, path: value}
	}
	if strings.HasPrefix(value, "./") || strings.HasPrefix(value, "../") || strings.Contains(value, "/") {
		return blockRef{kind: refRel, path: value}
	}
	if parts := strings.Split(value, "::"); len(parts) > 1 {
		return blockRef{kind: refPkg, pkg: parts[0], name: parts[1]}
	}
	return blockRef{kind: refDirect, name: value}
}

// PathFinder resolves textual block references into manifest file paths.
// It is scoped to one flow directory; entering a subflow derives a child
// finder rooted at the subflow's directory.
type PathFinder struct {
	BaseDir     string
	SearchPaths []string
	// PkgVersions pins package directory versions, seeded from the latest
	// versions found on disk and overridden by the containing package's
	// dependencies map.
	PkgVersions map[string]string

	cache map[string]string
}

// NewPathFinder creates a finder rooted at baseDir
func NewPathFinder(baseDir string, searchPaths []string) *PathFinder {
	versions := collectLatestPkgVersions(baseDir, searchPaths)
	for name, version := range readPackageDependencies(baseDir) {
		versions[name] = version
	}
	return &PathFinder{
		BaseDir:     baseDir,
		SearchPaths: searchPaths,
		PkgVersions: versions,
		cache:       make(map[string]string),
	}
}

// Subflow derives a finder rooted at a subflow manifest's directory
func (f *PathFinder) Subflow(flowPath string) *PathFinder {
	workingDir := filepath.Dir(flowPath)
	versions := collectLatestPkgVersions(workingDir, f.SearchPaths)
	// subflow lives at <pkg>/subflows/<name>/subflow.oo.yaml; the package
	// manifest sits three levels up
	pkgDir := filepath.Dir(filepath.Dir(workingDir))
	for name, version := range readPackageDependencies(pkgDir) {
		versions[name] = version
	}
	return &PathFinder{
		BaseDir:     workingDir,
		SearchPaths: f.SearchPaths,
		PkgVersions: versions,
		cache:       make(map[string]string),
	}
}

// FindFlowBlockPath locates a subflow manifest
func (f *PathFinder) FindFlowBlockPath(name string) (string, error) {
	return f.findCached(name, "flow", func(ref blockRef) string {
		return f.searchBlockManifest(ref, "subflow", "subflows", true)
	})
}

// FindTaskBlockPath locates a task manifest, trying blocks/ then tasks/
func (f *PathFinder) FindTaskBlockPath(name string) (string, error) {
	return f.findCached(name, "task", func(ref blockRef) string {
		if p := f.searchBlockManifest(ref, "block", "blocks", true); p != "" {
			return p
		}
		return f.searchBlockManifest(ref, "task", "tasks", true)
	})
}

// FindSlotFlowPath locates a slotflow manifest; only self:: references are
// accepted because slotflows are private to their package.
func (f *PathFinder) FindSlotFlowPath(name string) (string, error) {
	ref := classifyRef(name)
	if ref.kind != refSelf {
		return "", fmt.Errorf("slot block only accepts self:: references, got: %s", name)
	}
	return f.findCached(name, "slotflow", func(ref blockRef) string {
		return f.searchBlockManifest(ref, "slotflow", "slotflows", false)
	})
}

// FindServiceBlockPath locates the service manifest containing a block
// referenced as `self::<service>::<op>` or `<pkg>::<service>::<op>`.
func (f *PathFinder) FindServiceBlockPath(name string) (string, error) {
	return f.findCached(name, "service", func(ref blockRef) string {
		return f.searchBlockManifest(ref, "service", "services", false)
	})
}

// FindPackageFilePath locates a package manifest by package name
func (f *PathFinder) FindPackageFilePath(pkgName string) (string, error) {
	dir := pkgName
	if version, ok := f.PkgVersions[pkgName]; ok && version != "" {
		dir = fmt.Sprintf("%s-%s", pkgName, version)
	}
	for _, searchPath := range f.SearchPaths {
		if p := findOoYamlInDir(filepath.Join(searchPath, dir), "package"); p != "" {
			return p, nil
		}
	}
	if p := findOoYamlInDir(filepath.Join(f.BaseDir, dir), "package"); p != "" {
		return p, nil
	}
	return "", &NotFoundError{Ref: pkgName, Kind: "package", SearchPaths: f.SearchPaths}
}

func (f *PathFinder) findCached(name, kind string, search func(blockRef) string) (string, error) {
	if p, ok := f.cache[kind+"\x00"+name]; ok {
		return p, nil
	}
	p := search(classifyRef(name))
	if p == "" {
		return "", &NotFoundError{Ref: name, Kind: kind, SearchPaths: append([]string{f.BaseDir}, f.SearchPaths...)}
	}
	f.cache[kind+"\x00"+name] = p
	return p, nil
}

// searchBlockManifest maps one reference form onto candidate manifest
// locations: <dir>/<blockDir>/<name>/<prefix>.oo.yaml and friends.
func (f *PathFinder) searchBlockManifest(ref blockRef, filePrefix, blockDir string, maybeFile bool) string {
	switch ref.kind {
	case refSelf:
		// sibling block of the current manifest's package:
		// <pkg_root>/<kind>s/<name>/<prefix>.oo.yaml
		pkgRoot := filepath.Dir(filepath.Dir(f.BaseDir))
		name := ref.name
		if i := strings.Index(name, "::"); i >= 0 {
			name = name[:i]
		}
		return findManifestYAML(filepath.Join(pkgRoot, blockDir, name), filePrefix)
	case refPkg:
		dir := ref.pkg
		if version, ok := f.PkgVersions[ref.pkg]; ok && version != "" {
			dir = fmt.Sprintf("%s-%s", ref.pkg, version)
		}
		rel := filepath.Join(dir, blockDir, ref.name)
		return f.findInSearchPaths(rel, filePrefix, false)
	case refDirect:
		// bare names search <blockDir>/<name> across the search paths
		// before trying the name as a direct manifest location
		if p := f.findInSearchPaths(filepath.Join(blockDir, ref.name), filePrefix, false); p != "" {
			return p
		}
		return f.findInSearchPaths(ref.name, filePrefix, maybeFile)
	case refAbs:
		return findManifestYAML(ref.path, filePrefix)
	case refRel:
		return findManifestYAML(filepath.Join(f.BaseDir, ref.path), filePrefix)
	}
	return ""
}

func (f *PathFinder) findInSearchPaths(rel, filePrefix string, maybeFile bool) string {
	for _, searchPath := range f.SearchPaths {
		if p := findOoYamlInDir(filepath.Join(searchPath, rel), filePrefix); p != "" {
			return canonical(p)
		}
	}
	candidate := filepath.Join(f.BaseDir, rel)
	var p string
	if maybeFile {
		p = findOoYaml(candidate, filePrefix)
	} else {
		p = findOoYamlInDir(candidate, filePrefix)
	}
	return canonical(p)
}

// findOoYamlInDir finds <dir>/<prefix>.oo.yaml or .oo.yml
func findOoYamlInDir(dir, filePrefix string) string {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return ""
	}
	return findOoYamlWithoutSuffix(filepath.Join(dir, filePrefix))
}

// findOoYamlWithoutSuffix finds <base>.oo.yaml or <base>.oo.yml
func findOoYamlWithoutSuffix(base string) string {
	for _, ext := range []string{".oo.yaml", ".oo.yml"} {
		p := base + ext
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

// findOoYaml accepts either a directory containing <prefix>.oo.yaml or a
// direct path to such a file.
func findOoYaml(path, filePrefix string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	if info.IsDir() {
		return findOoYamlInDir(path, filePrefix)
	}
	name := filepath.Base(path)
	if name == filePrefix+".oo.yaml" || name == filePrefix+".oo.yml" {
		return path
	}
	return ""
}

// findManifestYAML finds a manifest at path (dir or file), falling back to
// treating path itself as a basename missing its .oo.yaml suffix.
func findManifestYAML(path, filePrefix string) string {
	if p := findOoYaml(path, filePrefix); p != "" {
		return canonical(p)
	}
	return canonical(findOoYamlWithoutSuffix(path))
}

func canonical(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(p)
}

// collectLatestPkgVersions scans the working dir and search paths for
// package manifests and keeps the highest version per package name.
func collectLatestPkgVersions(workingDir string, searchPaths []string) map[string]string {
	versions := make(map[string]string)
	for _, dir := range append([]string{workingDir}, searchPaths...) {
		pkgPath := findOoYamlInDir(dir, "package")
		if pkgPath == "" {
			continue
		}
		var pkg manifest.PackageManifest
		if err := manifest.ReadYAMLFile(pkgPath, &pkg); err != nil {
			continue
		}
		name := pkg.Name
		if name == "" {
			// fall back to the directory name minus a trailing -<version>
			name = strings.TrimSuffix(filepath.Base(filepath.Dir(pkgPath)), "-"+pkg.Version)
		}
		if current, ok := versions[name]; !ok || compareVersions(pkg.Version, current) > 0 {
			versions[name] = pkg.Version
		}
	}
	return versions
}

func readPackageDependencies(dir string) map[string]string {
	pkgPath := findOoYamlInDir(dir, "package")
	if pkgPath == "" {
		return nil
	}
	var pkg manifest.PackageManifest
	if err := manifest.ReadYAMLFile(pkgPath, &pkg); err != nil {
		return nil
	}
	return pkg.Dependencies
}

// compareVersions compares dotted numeric versions segment by segment.
// Non-numeric segments compare lexically.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := atoi(av)
		bn, berr := atoi(bv)
		if aerr == nil && berr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func atoi(s string) (int, error) {
	var n int
	if s == "" {
		return 0, nil
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a number: %s", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}
