package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mtaani/commerce-backend/pkg/config"
	"github.com/mtaani/commerce-backend/pkg/db/models"
	"github.com/mtaani/commerce-backend/pkg/enums"
	pkgerrors "github.com/mtaani/commerce-backend/pkg/errors"
	"github.com/mtaani/commerce-backend/pkg/logger"
	"github.com/mtaani/commerce-backend/pkg/outbox"
	"github.com/mtaani/commerce-backend/pkg/outbox/payloads"
	"github.com/mtaani/commerce-backend/pkg/redis"
)

const (
	listCacheKeyPart  = "products"
	listCacheKeyScope = "all"

	hitsCounter   = "product_cache_hits"
	missesCounter = "product_cache_misses"
)

// Service exposes catalog reads and admin mutations.
type Service interface {
	ListProducts(ctx context.Context) ([]ProductDTO, error)
	GetProduct(ctx context.Context, id uuid.UUID) (*ProductDTO, error)
	CreateProduct(ctx context.Context, input CreateProductInput) (*ProductDTO, error)
	UpdateProduct(ctx context.Context, id uuid.UUID, input UpdateProductInput) (*ProductDTO, error)
	CacheMetrics(ctx context.Context) (*CacheMetricsDTO, error)
}

// CreateProductInput holds the validated payload to create a product.
type CreateProductInput struct {
	Name        string
	Description string
	Price       string
	Stock       int
	CategoryID  *uuid.UUID
	ImageURL    string
}

// UpdateProductInput holds optional mutation values for a product.
type UpdateProductInput struct {
	Name        *string
	Description *string
	Price       *string
	Stock       *int
	CategoryID  *uuid.UUID
	ImageURL    *string
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type cacheStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Info(ctx context.Context, sections ...string) (string, error)
	CacheKey(parts ...string) string
	CounterKey(name string) string
}

type service struct {
	repo     *Repository
	dbClient txRunner
	cache    cacheStore
	emitter  outboxEmitter
	logg     *logger.Logger
	cacheTTL time.Duration
}

// NewService constructs a catalog service instance.
func NewService(repo *Repository, dbClient txRunner, cache cacheStore, emitter outboxEmitter, cfg config.CatalogConfig, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("catalog repository required")
	}
	if dbClient == nil {
		return nil, fmt.Errorf("db client required")
	}
	ttl := cfg.ListCacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &service{
		repo:     repo,
		dbClient: dbClient,
		cache:    cache,
		emitter:  emitter,
		logg:     logg,
		cacheTTL: ttl,
	}, nil
}

// ListProducts serves the catalog, caching the id list. Product rows are
// always re-read so stock and prices reflect the latest committed state.
func (s *service) ListProducts(ctx context.Context) ([]ProductDTO, error) {
	ids, fromCache := s.cachedIDs(ctx)
	if !fromCache {
		var err error
		ids, err = s.repo.ListIDs(ctx)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "listing products")
		}
		s.storeIDs(ctx, ids)
	}

	rows, err := s.repo.FindByIDs(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "loading products")
	}
	dtos := make([]ProductDTO, 0, len(rows))
	for i := range rows {
		dtos = append(dtos, *NewProductDTO(&rows[i]))
	}
	return dtos, nil
}

func (s *service) GetProduct(ctx context.Context, id uuid.UUID) (*ProductDTO, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	product, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewProductDTO(product), nil
}

func (s *service) CreateProduct(ctx context.Context, input CreateProductInput) (*ProductDTO, error) {
	price, err := parsePrice(input.Price)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product name is required")
	}
	if input.Stock < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stock cannot be negative")
	}

	product := &models.Product{
		Name:        strings.TrimSpace(input.Name),
		Description: input.Description,
		Price:       price,
		Stock:       input.Stock,
		CategoryID:  input.CategoryID,
		ImageURL:    input.ImageURL,
	}

	err = s.dbClient.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, product); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "creating product")
		}
		return s.emitProductChanged(ctx, tx, product.ID, "created")
	})
	if err != nil {
		return nil, err
	}

	s.invalidateListCache(ctx)
	return NewProductDTO(product), nil
}

func (s *service) UpdateProduct(ctx context.Context, id uuid.UUID, input UpdateProductInput) (*ProductDTO, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}

	var updated *models.Product
	err := s.dbClient.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		product, err := repo.FindByID(ctx, id)
		if err != nil {
			return err
		}

		if input.Name != nil {
			product.Name = strings.TrimSpace(*input.Name)
		}
		if input.Description != nil {
			product.Description = *input.Description
		}
		if input.Price != nil {
			price, err := parsePrice(*input.Price)
			if err != nil {
				return err
			}
			product.Price = price
		}
		if input.Stock != nil {
			if *input.Stock < 0 {
				return pkgerrors.New(pkgerrors.CodeValidation, "stock cannot be negative")
			}
			product.Stock = *input.Stock
		}
		if input.CategoryID != nil {
			product.CategoryID = input.CategoryID
		}
		if input.ImageURL != nil {
			product.ImageURL = *input.ImageURL
		}

		if err := repo.Save(ctx, product); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "updating product")
		}
		updated = product
		return s.emitProductChanged(ctx, tx, product.ID, "updated")
	})
	if err != nil {
		return nil, err
	}

	s.invalidateListCache(ctx)
	return NewProductDTO(updated), nil
}

// CacheMetrics reports list cache hit/miss counters plus the server-wide
// keyspace stats from redis INFO.
func (s *service) CacheMetrics(ctx context.Context) (*CacheMetricsDTO, error) {
	if s.cache == nil {
		return &CacheMetricsDTO{}, nil
	}

	hits := s.counterValue(ctx, hitsCounter)
	misses := s.counterValue(ctx, missesCounter)

	dto := &CacheMetricsDTO{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		dto.HitRate = float64(hits) / float64(total)
	}

	if info, err := s.cache.Info(ctx, "stats"); err == nil {
		dto.ServerKeyspaceHits = parseInfoCounter(info, "keyspace_hits")
		dto.ServerKeyspaceMisses = parseInfoCounter(info, "keyspace_misses")
	}
	return dto, nil
}

func (s *service) cachedIDs(ctx context.Context) ([]uuid.UUID, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, s.listCacheKey())
	if err != nil {
		if !redis.IsNil(err) && s.logg != nil {
			s.logg.Warn(ctx, "product list cache read failed")
		}
		s.bumpCounter(ctx, missesCounter)
		return nil, false
	}

	var ids []uuid.UUID
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		s.bumpCounter(ctx, missesCounter)
		return nil, false
	}
	s.bumpCounter(ctx, hitsCounter)
	return ids, true
}

func (s *service) storeIDs(ctx context.Context, ids []uuid.UUID) {
	if s.cache == nil {
		return
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, s.listCacheKey(), string(encoded), s.cacheTTL); err != nil && s.logg != nil {
		s.logg.Warn(ctx, "product list cache write failed")
	}
}

func (s *service) invalidateListCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, s.listCacheKey()); err != nil && s.logg != nil {
		s.logg.Warn(ctx, "product list cache invalidation failed")
	}
}

func (s *service) emitProductChanged(ctx context.Context, tx *gorm.DB, productID uuid.UUID, change string) error {
	if s.emitter == nil {
		return nil
	}
	return s.emitter.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventProductChanged,
		AggregateType: enums.AggregateProduct,
		AggregateID:   productID,
		Version:       1,
		Data: payloads.ProductChangedEvent{
			ProductID: productID,
			Change:    change,
		},
	})
}

func (s *service) listCacheKey() string {
	return s.cache.CacheKey(listCacheKeyPart, listCacheKeyScope)
}

func (s *service) bumpCounter(ctx context.Context, name string) {
	if _, err := s.cache.Incr(ctx, s.cache.CounterKey(name)); err != nil && s.logg != nil {
		s.logg.Warn(ctx, "cache counter increment failed")
	}
}

func (s *service) counterValue(ctx context.Context, name string) int64 {
	raw, err := s.cache.Get(ctx, s.cache.CounterKey(name))
	if err != nil {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func parseInfoCounter(info, field string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		if rest, ok := strings.CutPrefix(line, field+":"); ok {
			value, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
			if err != nil {
				return 0
			}
			return value
		}
	}
	return 0
}

func parsePrice(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation, "price is required")
	}
	price, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation, "price must be a decimal number")
	}
	if price.IsNegative() {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation, "price cannot be negative")
	}
	return price.Round(2), nil
}
