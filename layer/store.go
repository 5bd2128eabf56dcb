// Package layer manages the persisted maps of the overlay-filesystem
// package layer subsystem: which package root is backed by which layer.
// The overlay filesystem itself is an external collaborator; only the
// stores and their multi-process locking discipline live here.
package layer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/oomol/oocana/common/store"
)

// PackageLayer records one prepared isolated root for a package
type PackageLayer struct {
	Package string `json:"package"`
	Version string `json:"version,omitempty"`
	Layer   string `json:"layer"`
	Created int64  `json:"created_at,omitempty"`
}

// PackageStore is the package→layer map persisted as package_store.json.
// Mutations run under an exclusive file lock so concurrent oocana
// processes serialize their read-modify-writes.
type PackageStore struct {
	file *store.JSONFile[map[string]*PackageLayer]
}

// OpenPackageStore opens (or creates) the store in storeDir
func OpenPackageStore(storeDir string) *PackageStore {
	return &PackageStore{
		file: store.NewJSONFile[map[string]*PackageLayer](filepath.Join(storeDir, "package_store.json")),
	}
}

// Get returns the layer recorded for a package, nil when absent
func (s *PackageStore) Get(pkg string) (*PackageLayer, error) {
	m, err := s.file.Load()
	if err != nil {
		return nil, err
	}
	return m[pkg], nil
}

// List returns all recorded layers
func (s *PackageStore) List() (map[string]*PackageLayer, error) {
	return s.file.Load()
}

// Put records a layer for a package
func (s *PackageStore) Put(layer *PackageLayer) error {
	return s.WithStore(func(m *map[string]*PackageLayer) error {
		(*m)[layer.Package] = layer
		return nil
	})
}

// Delete removes a package's layer record
func (s *PackageStore) Delete(pkg string) error {
	return s.WithStore(func(m *map[string]*PackageLayer) error {
		delete(*m, pkg)
		return nil
	})
}

// DeleteAll clears the store
func (s *PackageStore) DeleteAll() error {
	return s.WithStore(func(m *map[string]*PackageLayer) error {
		*m = make(map[string]*PackageLayer)
		return nil
	})
}

// WithStore runs one read-modify-write closure under the exclusive lock
func (s *PackageStore) WithStore(fn func(*map[string]*PackageLayer) error) error {
	return s.file.WithLock(func(m *map[string]*PackageLayer) error {
		if *m == nil {
			*m = make(map[string]*PackageLayer)
		}
		return fn(m)
	})
}

// RegistryStore is the per-version package→layer map persisted as
// registry_store.json. Writes go through an atomic rename, which keeps
// concurrent readers on networked filesystems from seeing partial files.
type RegistryStore struct {
	path string
}

// RegistryKey builds the map key for one package version
func RegistryKey(pkg, version string) string {
	return fmt.Sprintf("%s@%s", pkg, version)
}

// OpenRegistryStore opens (or creates) the store in storeDir
func OpenRegistryStore(storeDir string) *RegistryStore {
	return &RegistryStore{path: filepath.Join(storeDir, "registry_store.json")}
}

// Load reads the whole registry map
func (s *RegistryStore) Load() (map[string]*PackageLayer, error) {
	m := make(map[string]*PackageLayer)
	if err := store.LoadJSON(s.path, &m); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return m, nil
}

// Put records a layer for a package version
func (s *RegistryStore) Put(layer *PackageLayer) error {
	m, err := s.Load()
	if err != nil {
		return err
	}
	m[RegistryKey(layer.Package, layer.Version)] = layer
	return store.SaveAtomic(s.path, m)
}

// Delete removes a package version's record
func (s *RegistryStore) Delete(pkg, version string) error {
	m, err := s.Load()
	if err != nil {
		return err
	}
	delete(m, RegistryKey(pkg, version))
	return store.SaveAtomic(s.path, m)
}

// InjectionStore is the injection-layer map persisted as
// injection_store.json in the oocana directory: flow path → scripts
// overlaid onto a package root.
type InjectionStore struct {
	path string
}

// OpenInjectionStore opens (or creates) the store in oocanaDir
func OpenInjectionStore(oocanaDir string) *InjectionStore {
	return &InjectionStore{path: filepath.Join(oocanaDir, "injection_store.json")}
}

// Load reads the flow→scripts map
func (s *InjectionStore) Load() (map[string][]string, error) {
	m := make(map[string][]string)
	if err := store.LoadJSON(s.path, &m); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return m, nil
}

// Put records the scripts injected for a flow path
func (s *InjectionStore) Put(flowPath string, scripts []string) error {
	m, err := s.Load()
	if err != nil {
		return err
	}
	m[flowPath] = scripts
	return store.SaveAtomic(s.path, m)
}

// Delete removes a flow's injection record
func (s *InjectionStore) Delete(flowPath string) error {
	m, err := s.Load()
	if err != nil {
		return err
	}
	delete(m, flowPath)
	return store.SaveAtomic(s.path, m)
}
