package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/internal/runtimeconfig"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// Default parses the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// LoadFile parses the catalog at path, or the embedded catalog when path is empty.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Store publishes the active catalog snapshot.
type Store struct {
	holder *runtimeconfig.Holder[*Catalog]
	path   string
	logger *zap.Logger
}

// NewStore loads the catalog from path and publishes it.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	c, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, logger: logger}
	s.holder = runtimeconfig.NewHolder(c, func(ctx context.Context) (*Catalog, error) {
		return LoadFile(s.path)
	})
	logger.Info("catalog loaded",
		zap.String("version", c.Version()),
		zap.Int("metrics", len(c.metrics)),
		zap.Int("data_products", len(c.products)),
	)
	return s, nil
}

// NewStaticStore publishes c without a backing file. Reload re-publishes c.
func NewStaticStore(c *Catalog, logger *zap.Logger) *Store {
	s := &Store{logger: logger}
	s.holder = runtimeconfig.NewHolder(c, func(ctx context.Context) (*Catalog, error) {
		return c, nil
	})
	return s
}

// Current returns the active snapshot. Hold on to the result for the whole request.
func (s *Store) Current() *Catalog {
	return s.holder.Current()
}

// Generation returns how many snapshots have been published.
func (s *Store) Generation() uint64 {
	return s.holder.Load().Generation
}

// Reload re-reads the catalog and swaps it in. In-flight requests keep their snapshot.
func (s *Store) Reload(ctx context.Context) (*Catalog, error) {
	snap, err := s.holder.Reload(ctx)
	if err != nil {
		s.logger.Error("catalog reload failed", zap.Error(err))
		return nil, err
	}
	s.logger.Info("catalog reloaded",
		zap.String("version", snap.Version()),
		zap.Uint64("generation", snap.Generation),
	)
	return snap.Value, nil
}

// Fetch re-reads the catalog without publishing it.
func (s *Store) Fetch(ctx context.Context) (*Catalog, error) {
	return s.holder.Fetch(ctx)
}

// Publish swaps in an already parsed catalog.
func (s *Store) Publish(c *Catalog) {
	snap := s.holder.Store(c)
	s.logger.Info("catalog published",
		zap.String("version", snap.Version()),
		zap.Uint64("generation", snap.Generation),
	)
}
