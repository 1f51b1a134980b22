package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-iap/internal/entitlements"
)

type recordingSetter struct {
	mu       sync.Mutex
	catalogs []*entitlements.Catalog
}

func (r *recordingSetter) SetCatalog(c *entitlements.Catalog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalogs = append(r.catalogs, c)
}

func (r *recordingSetter) last() *entitlements.Catalog {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.catalogs) == 0 {
		return nil
	}
	return r.catalogs[len(r.catalogs)-1]
}

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	_, ok := c.Feature("custom_themes")
	assert.True(t, ok)

	path := filepath.Join(t.TempDir(), "features.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"graphs","level":"premium","required_product_id":"bundle"}]`), 0o600))
	c, err = LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"graphs"}, c.FeatureIDs("bundle"))

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestCatalogWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"a","level":"free"}]`), 0o600))

	target := &recordingSetter{}
	cw, err := NewCatalogWatcher(path, target)
	require.NoError(t, err)
	defer cw.Stop()

	require.NoError(t, cw.Reload())
	_, ok := target.last().Feature("a")
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))
	assert.Error(t, cw.Reload())
	assert.Equal(t, 1, cw.Reloads())
	_, ok = target.last().Feature("a")
	assert.True(t, ok)

	cw.Stop()
	cw.Stop()
}

func TestWatchCatalog_PicksUpWrites(t *testing.T) {
	origDebounce := debounceDelay
	debounceDelay = 10 * time.Millisecond
	t.Cleanup(func() { debounceDelay = origDebounce })

	path := filepath.Join(t.TempDir(), "features.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"a","level":"free"}]`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := &recordingSetter{}
	resolver := entitlements.NewResolver(nil, nil)
	both := setterFunc(func(c *entitlements.Catalog) {
		target.SetCatalog(c)
		resolver.SetCatalog(c)
	})

	cw, err := WatchCatalog(ctx, path, both)
	require.NoError(t, err)
	defer cw.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"b","level":"free"}]`), 0o600))

	assert.Eventually(t, func() bool {
		c := target.last()
		if c == nil {
			return false
		}
		_, ok := c.Feature("b")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, resolver.CanAccessLocal(ctx, "b"))
}

type setterFunc func(*entitlements.Catalog)

func (f setterFunc) SetCatalog(c *entitlements.Catalog) { f(c) }

func TestNewCatalogWatcher_RequiresPath(t *testing.T) {
	_, err := NewCatalogWatcher("", &recordingSetter{})
	assert.Error(t, err)
}
