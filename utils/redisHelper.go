package utils

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil || lifespan <= 0 {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

/* generic functions */

func GetTypeName[T any]() string {
	var v T
	return reflect.TypeOf(v).Name()
}

/* Redis */

// Type:companyId:id
func cacheKey[T any](companyId string, id int) string {
	return GetTypeName[T]() + ":" + companyId + ":" + fmt.Sprint(id)
}

// store instance
func StoreRedis[T any](ctx context.Context, companyId string, id int, obj *T) error {
	return config.SetRedisObject(ctx, cacheKey[T](companyId, id), obj, GetCacheLifespan())
}

// get from redis
// returns nil if does not exist
func RetrieveRedis[T any](ctx context.Context, companyId string, id int) (*T, error) {
	var result T
	exists, err := config.GetRedisObject(ctx, cacheKey[T](companyId, id), &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return &result, nil
}

// remove an instance, Type:companyId:id
func RemoveRedisItem[T any](ctx context.Context, companyId string, id int) error {
	return config.RemoveRedisKey(ctx, cacheKey[T](companyId, id))
}
