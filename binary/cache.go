package binary

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru"
)

// SymbolSet holds the dynamic symbol names a shared object exports
type SymbolSet map[string]struct{}

// Has reports whether name is exported
func (s SymbolSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// cacheKey changes when the file on disk is replaced
type cacheKey struct {
	path  string
	size  int64
	mtime int64
}

// Cache provides efficient lookup of exported symbols with LRU eviction
type Cache struct {
	cache *lru.Cache
	load  func(path string) (SymbolSet, error)
}

// NewCache creates a size-constrained symbol cache with LRU eviction
func NewCache(size int) (*Cache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	return &Cache{
		cache: cache,
		load:  readDynamicSymbols,
	}, nil
}

// Symbols returns the exported symbols of the binary at path
func (c *Cache) Symbols(path string) (SymbolSet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := cacheKey{path: path, size: info.Size(), mtime: info.ModTime().UnixNano()}

	if v, found := c.cache.Get(key); found {
		return v.(SymbolSet), nil
	}

	syms, err := c.load(path)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, syms)
	return syms, nil
}

// Missing returns the names from want that path does not export, in order
func (c *Cache) Missing(path string, want []string) ([]string, error) {
	syms, err := c.Symbols(path)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, name := range want {
		if !syms.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

func readDynamicSymbols(path string) (SymbolSet, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file %s: %w", path, err)
	}
	defer f.Close()

	dyn, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("failed to read dynamic symbols of %s: %w", path, err)
	}

	syms := make(SymbolSet, len(dyn))
	for _, s := range dyn {
		// Undefined entries are imports
		if s.Section == elf.SHN_UNDEF {
			continue
		}
		// STT_LOOS is STT_GNU_IFUNC on GNU systems
		if t := elf.ST_TYPE(s.Info); t != elf.STT_FUNC && t != elf.STT_LOOS {
			continue
		}
		syms[s.Name] = struct{}{}
	}
	return syms, nil
}
