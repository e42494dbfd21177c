package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/mmdatafocus/stocktake_backend/config"
)

func GetCacheLifespan() time.Duration {
	lifespanStr := os.Getenv("CACHE_MINUTE_LIFESPAN")
	lifespan, err := strconv.Atoi(lifespanStr)
	if err != nil {
		// fallback lifespan
		return time.Minute * 60
	}
	return time.Minute * time.Duration(lifespan)
}

func GetTypeName[T any]() string {
	var v T
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	return t.Name()
}

// store a single model object, keyed `TypeName:id`
func StoreRedis[T any](obj any, id int) error {
	key := fmt.Sprintf("%s:%d", GetTypeName[T](), id)
	objInByte, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return config.SetRedisValue(key, string(objInByte), GetCacheLifespan())
}

// retrieve a single model object, keyed `TypeName:id` (nil when absent)
func RetrieveRedis[T any](id int) (*T, error) {
	key := fmt.Sprintf("%s:%d", GetTypeName[T](), id)
	val, exists, err := config.GetRedisValue(key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	var obj T
	if err := json.Unmarshal([]byte(val), &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

func RemoveRedisItem[T any](id int) error {
	key := fmt.Sprintf("%s:%d", GetTypeName[T](), id)
	return config.RemoveRedisKey(key)
}
