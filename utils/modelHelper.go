package utils

import (
	"context"

	"github.com/mmdatafocus/stocktake_backend/config"
)

/* DB fetching */

// tenantOwned matches models that expose their owning business, so a cache
// hit can be rejected when it belongs to another tenant.
type tenantOwned interface {
	GetBusinessId() string
}

// fetch model from db
// (ctx's business_id is used in query's WHERE, may return RecordNotFound)
func FetchModel[T any](ctx context.Context, businessId string, id int, associations ...string) (*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	// preloading
	for _, field := range associations {
		dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if err != nil {
		return nil, ErrorRecordNotFound
	}
	return &result, nil
}

// FetchModelCached reads through the Redis object cache, keyed by type and id.
// Only a hit owned by the caller's business is trusted; anything else falls
// back to the database and repopulates the cache. Writers are responsible for
// invalidating via RemoveRedisItem; the TTL bounds staleness if they don't.
func FetchModelCached[T tenantOwned](ctx context.Context, businessId string, id int) (*T, error) {
	if cached, err := RetrieveRedis[T](id); err == nil && cached != nil && (*cached).GetBusinessId() == businessId {
		return cached, nil
	}
	result, err := FetchModel[T](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	_ = StoreRedis[T](result, id)
	return result, nil
}
