package services

import (
	"context"
	"errors"
	"time"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/pkg/database"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/davidmoltin/crm-rules/pkg/metrics"
	"github.com/davidmoltin/crm-rules/pkg/validator"
)

const (
	categoryCacheKeyPrefix = "category_mapping:"

	// unmappedSentinel is how a missing mapping is cached: a JSON null
	unmappedSentinel = "null"
)

// CategoryStore persists category mappings
type CategoryStore interface {
	GetByName(ctx context.Context, name string) (*models.CategoryMapping, error)
	List(ctx context.Context) ([]*models.CategoryMapping, error)
	Upsert(ctx context.Context, mapping *models.CategoryMapping) error
	Delete(ctx context.Context, name string) error
}

// CategoryMapper maps provider email categories onto CRM fields
type CategoryMapper struct {
	store     CategoryStore
	redis     *database.RedisClient
	ttl       time.Duration
	validator *validator.Validator
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

// NewCategoryMapper creates a new category mapper. redis may be nil, which disables caching.
func NewCategoryMapper(
	store CategoryStore,
	redis *database.RedisClient,
	ttl time.Duration,
	m *metrics.Metrics,
	log *logger.Logger,
) *CategoryMapper {
	if log == nil {
		log = logger.Default()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CategoryMapper{
		store:     store,
		redis:     redis,
		ttl:       ttl,
		validator: validator.New(),
		logger:    log,
		metrics:   m,
	}
}

// MapCategoryToField returns the field mapping of a category, or nil when it is unmapped
func (c *CategoryMapper) MapCategoryToField(ctx context.Context, categoryName string) (*models.FieldMapping, error) {
	if categoryName == "" {
		return nil, nil
	}

	if mapping, ok := c.getCached(ctx, categoryName); ok {
		c.metrics.RecordCacheLookup("hit")
		return mapping, nil
	}
	c.metrics.RecordCacheLookup("miss")

	stored, err := c.store.GetByName(ctx, categoryName)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	var mapping *models.FieldMapping
	if stored != nil {
		mapping = stored.Mapping()
	}
	c.setCached(ctx, categoryName, mapping)

	return mapping, nil
}

// List returns every mapping
func (c *CategoryMapper) List(ctx context.Context) ([]*models.CategoryMapping, error) {
	return c.store.List(ctx)
}

// Upsert creates or replaces a mapping
func (c *CategoryMapper) Upsert(ctx context.Context, mapping *models.CategoryMapping) error {
	if err := c.validator.Validate(mapping); err != nil {
		return models.WrapError(models.ErrConfiguration, "upsert_category_mapping", err)
	}

	if err := c.store.Upsert(ctx, mapping); err != nil {
		return err
	}
	c.invalidate(ctx, mapping.CategoryName)

	c.logger.Info("Category mapping saved",
		logger.String("category", mapping.CategoryName),
		logger.String("field_type", string(mapping.FieldType)),
		logger.String("field_value", mapping.FieldValue),
	)
	return nil
}

// Delete removes a mapping
func (c *CategoryMapper) Delete(ctx context.Context, name string) error {
	if err := c.store.Delete(ctx, name); err != nil {
		return err
	}
	c.invalidate(ctx, name)

	c.logger.Info("Category mapping deleted", logger.String("category", name))
	return nil
}

func (c *CategoryMapper) getCached(ctx context.Context, name string) (*models.FieldMapping, bool) {
	if c.redis == nil {
		return nil, false
	}

	var mapping *models.FieldMapping
	if err := c.redis.GetJSON(ctx, categoryCacheKeyPrefix+name, &mapping); err != nil {
		if !errors.Is(err, database.ErrCacheMiss) {
			c.logger.Warn("Failed to read category cache", logger.String("category", name), logger.Err(err))
		}
		return nil, false
	}
	return mapping, true
}

func (c *CategoryMapper) setCached(ctx context.Context, name string, mapping *models.FieldMapping) {
	if c.redis == nil {
		return
	}

	if err := c.redis.SetJSON(ctx, categoryCacheKeyPrefix+name, mapping, c.ttl); err != nil {
		c.logger.Warn("Failed to cache category mapping", logger.String("category", name), logger.Err(err))
	}
}

func (c *CategoryMapper) invalidate(ctx context.Context, name string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Delete(ctx, categoryCacheKeyPrefix+name); err != nil {
		c.logger.Warn("Failed to invalidate category cache", logger.String("category", name), logger.Err(err))
	}
}
