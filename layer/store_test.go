package layer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageStoreLifecycle(t *testing.T) {
	store := OpenPackageStore(t.TempDir())

	entry, err := store.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, store.Put(&PackageLayer{Package: "demo", Version: "1.0.0", Layer: "/layers/demo"}))

	entry, err = store.Get("demo")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "/layers/demo", entry.Layer)

	all, err := store.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.Delete("demo"))
	entry, err = store.Get("demo")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestPackageStoreDeleteAll(t *testing.T) {
	store := OpenPackageStore(t.TempDir())
	require.NoError(t, store.Put(&PackageLayer{Package: "a", Layer: "/a"}))
	require.NoError(t, store.Put(&PackageLayer{Package: "b", Layer: "/b"}))
	require.NoError(t, store.DeleteAll())

	all, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRegistryStorePerVersion(t *testing.T) {
	store := OpenRegistryStore(t.TempDir())

	require.NoError(t, store.Put(&PackageLayer{Package: "demo", Version: "1.0.0", Layer: "/l1"}))
	require.NoError(t, store.Put(&PackageLayer{Package: "demo", Version: "2.0.0", Layer: "/l2"}))

	m, err := store.Load()
	require.NoError(t, err)
	require.Len(t, m, 2)
	assert.Equal(t, "/l1", m[RegistryKey("demo", "1.0.0")].Layer)
	assert.Equal(t, "/l2", m[RegistryKey("demo", "2.0.0")].Layer)

	require.NoError(t, store.Delete("demo", "1.0.0"))
	m, err = store.Load()
	require.NoError(t, err)
	assert.Len(t, m, 1)
}

func TestInjectionStore(t *testing.T) {
	store := OpenInjectionStore(t.TempDir())

	require.NoError(t, store.Put("/flows/a.oo.yaml", []string{"inject.py"}))
	m, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"inject.py"}, m["/flows/a.oo.yaml"])

	require.NoError(t, store.Delete("/flows/a.oo.yaml"))
	m, err = store.Load()
	require.NoError(t, err)
	assert.Empty(t, m)
}
