package compiler

import (
	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services/catalog"
)

// CompilerService compiles through the shared query cache.
type CompilerService struct {
	compiler *Compiler
	cache    *QueryCache
	logger   *zap.Logger
}

// NewCompilerService creates a new CompilerService instance. cache may be nil.
func NewCompilerService(compiler *Compiler, cache *QueryCache, logger *zap.Logger) *CompilerService {
	return &CompilerService{
		compiler: compiler,
		cache:    cache,
		logger:   logger,
	}
}

// Compile returns the SQL for r under cons.
func (s *CompilerService) Compile(r *catalog.ResolvedPlan, cons models.Constraints) (*models.CompiledQuery, error) {
	key, err := NewCacheKey(r, cons)
	if err != nil {
		s.logger.Warn("query cache bypassed", zap.Error(err))
		return s.compiler.Compile(r, cons)
	}

	q, hit, err := s.cache.GetOrCompile(key, func() (*models.CompiledQuery, error) {
		return s.compiler.Compile(r, cons)
	})
	if err != nil {
		s.logger.Debug("compilation rejected",
			zap.String("data_product", r.Product.Key()),
			zap.Error(err),
		)
		return nil, err
	}
	s.logger.Debug("query compiled",
		zap.String("cache_key", key.String()),
		zap.Bool("cache_hit", hit),
		zap.Strings("fields", q.Fields),
	)
	return q, nil
}

// Stats returns the query cache statistics.
func (s *CompilerService) Stats() CacheStats {
	return s.cache.Stats()
}

// Invalidate drops every cached query.
func (s *CompilerService) Invalidate() {
	s.cache.Clear()
}
