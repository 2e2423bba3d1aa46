package store

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/crosslogic/metering-agent/internal/billing"
	"github.com/crosslogic/metering-agent/internal/config"
	"github.com/crosslogic/metering-agent/pkg/cache"
	"github.com/crosslogic/metering-agent/pkg/database"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1700000000, 0)

// runStoreSuite checks the behavior every backend must share.
func runStoreSuite(t *testing.T, open func(t *testing.T) billing.DimensionStore) {
	t.Run("EnsureDimensionsIsIdempotent", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		require.NoError(t, s.EnsureDimensions(ctx, []string{"Requests", "Storage"}, false, t0))
		require.NoError(t, s.Increment(ctx, "Requests", 4))
		require.NoError(t, s.EnsureDimensions(ctx, []string{"Requests", "Storage"}, false, t0.Add(time.Hour)))

		dims, err := s.ListDimensions(ctx)
		require.NoError(t, err)
		require.Len(t, dims, 2)
		assert.Equal(t, "Requests", dims[0].Name)
		assert.Equal(t, int64(4), dims[0].Quantity)
		assert.Equal(t, t0.Unix(), dims[0].LastFlushedAt)
		assert.Equal(t, "Storage", dims[1].Name)
		assert.Equal(t, int64(0), dims[1].Quantity)
	})

	t.Run("PurgeRecreates", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		require.NoError(t, s.EnsureDimensions(ctx, []string{"Old", "Requests"}, false, t0))
		require.NoError(t, s.Increment(ctx, "Requests", 9))
		require.NoError(t, s.EnsureDimensions(ctx, []string{"Requests"}, true, t0.Add(time.Minute)))

		dims, err := s.ListDimensions(ctx)
		require.NoError(t, err)
		require.Len(t, dims, 1)
		assert.Equal(t, "Requests", dims[0].Name)
		assert.Equal(t, int64(0), dims[0].Quantity)
		assert.Equal(t, t0.Add(time.Minute).Unix(), dims[0].LastFlushedAt)
	})

	t.Run("ConcurrentIncrements", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.EnsureDimensions(ctx, []string{"Requests"}, false, t0))

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					assert.NoError(t, s.Increment(ctx, "Requests", 1))
				}
			}()
		}
		wg.Wait()

		dims, err := s.ListDimensions(ctx)
		require.NoError(t, err)
		require.Len(t, dims, 1)
		assert.Equal(t, int64(100), dims[0].Quantity)
	})

	t.Run("UnknownDimension", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.EnsureDimensions(ctx, []string{"Requests"}, false, t0))

		assert.ErrorIs(t, s.Increment(ctx, "Nope", 1), billing.ErrUnknownDimension)
		assert.ErrorIs(t, s.ResetAfterFlush(ctx, "Nope", 1, t0), billing.ErrUnknownDimension)
	})

	t.Run("ResetKeepsLateIncrements", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.EnsureDimensions(ctx, []string{"Requests"}, false, t0))
		require.NoError(t, s.Increment(ctx, "Requests", 10))

		// An increment lands between the read and the reset.
		require.NoError(t, s.Increment(ctx, "Requests", 3))
		require.NoError(t, s.ResetAfterFlush(ctx, "Requests", 10, t0.Add(time.Hour)))

		dims, err := s.ListDimensions(ctx)
		require.NoError(t, err)
		require.Len(t, dims, 1)
		assert.Equal(t, int64(3), dims[0].Quantity)
		assert.Equal(t, t0.Add(time.Hour).Unix(), dims[0].LastFlushedAt)
	})

	t.Run("ZeroResetAdvancesFlushTime", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.EnsureDimensions(ctx, []string{"Requests"}, false, t0))

		for i := 1; i <= 2; i++ {
			require.NoError(t, s.ResetAfterFlush(ctx, "Requests", 0, t0.Add(time.Duration(i)*time.Hour)))
		}
		require.NoError(t, s.Increment(ctx, "Requests", 2))

		dims, err := s.ListDimensions(ctx)
		require.NoError(t, err)
		require.Len(t, dims, 1)
		assert.Equal(t, int64(2), dims[0].Quantity)
		assert.Equal(t, t0.Add(2*time.Hour).Unix(), dims[0].LastFlushedAt)
	})

	t.Run("MaxLastFlushedAt", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		max, err := s.MaxLastFlushedAt(ctx)
		require.NoError(t, err)
		assert.Zero(t, max)

		require.NoError(t, s.EnsureDimensions(ctx, []string{"Requests", "Storage"}, false, t0))
		require.NoError(t, s.ResetAfterFlush(ctx, "Storage", 0, t0.Add(2*time.Hour)))

		max, err = s.MaxLastFlushedAt(ctx)
		require.NoError(t, err)
		assert.Equal(t, t0.Add(2*time.Hour).Unix(), max)
	})
}

func TestMemory(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) billing.DimensionStore {
		return NewMemory()
	})
}

func TestRedis(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) billing.DimensionStore {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		s := NewRedis(cache.FromClient(client), "test:dimension")
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLite(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) billing.DimensionStore {
		s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "metering.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestDynamoDB(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) billing.DimensionStore {
		return NewDynamoDB(newFakeDynamo(), "metering-dimensions")
	})
}

func TestPostgres(t *testing.T) {
	password := os.Getenv("TEST_POSTGRES_PASSWORD")
	if password == "" {
		t.Skip("TEST_POSTGRES_PASSWORD not set")
	}
	port, _ := strconv.Atoi(os.Getenv("TEST_POSTGRES_PORT"))
	if port == 0 {
		port = 5432
	}

	runStoreSuite(t, func(t *testing.T) billing.DimensionStore {
		ctx := context.Background()
		db, err := database.NewDatabase(ctx, config.DatabaseConfig{
			Host:         "localhost",
			Port:         port,
			User:         "postgres",
			Password:     password,
			Database:     "postgres",
			SSLMode:      "disable",
			MaxOpenConns: 4,
			MaxIdleConns: 1,
		})
		require.NoError(t, err)

		s, err := NewPostgres(ctx, db)
		require.NoError(t, err)
		_, err = db.Pool.Exec(ctx, `DELETE FROM metering_dimensions`)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestRedisResetArgs(t *testing.T) {
	assert.Equal(t, []interface{}{int64(-10), t0.Unix()}, resetArgs(10, t0))

	// Lua never negates, so a zero reset is sent as a plain 0.
	assert.Equal(t, int64(0), resetArgs(0, t0)[0])
}

func TestRedisIgnoresForeignHash(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedis(cache.FromClient(client), "test:dimension")
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.EnsureDimensions(ctx, []string{"Requests"}, false, t0))
	// A name in the index whose hash was removed out of band.
	mr.SAdd("test:dimension", "Ghost")

	dims, err := s.ListDimensions(ctx)
	require.NoError(t, err)
	require.Len(t, dims, 1)
	assert.Equal(t, "Requests", dims[0].Name)
}

// fakeDynamo understands exactly the expressions the DynamoDB store sends.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func keyName(key map[string]types.AttributeValue) string {
	return key[attrName].(*types.AttributeValueMemberS).Value
}

func numberValue(v types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(v.(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := keyName(in.Item)
	if _, ok := f.items[name]; ok && in.ConditionExpression != nil {
		return nil, conditionFailed()
	}
	item := make(map[string]types.AttributeValue, len(in.Item))
	for k, v := range in.Item {
		item[k] = v
	}
	f.items[name] = item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item, ok := f.items[keyName(in.Key)]
	if !ok {
		return nil, conditionFailed()
	}
	quantity := numberValue(item[attrQuantity])
	switch aws.ToString(in.UpdateExpression) {
	case "ADD #q :d":
		quantity += numberValue(in.ExpressionAttributeValues[":d"])
	case "SET #q = #q - :f, #t = :at":
		quantity -= numberValue(in.ExpressionAttributeValues[":f"])
		item[attrLastSent] = in.ExpressionAttributeValues[":at"]
	default:
		panic("unexpected update expression " + aws.ToString(in.UpdateExpression))
	}
	item[attrQuantity] = number(quantity)
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.items, keyName(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, _ *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &dynamodb.ScanOutput{}
	for _, item := range f.items {
		cp := make(map[string]types.AttributeValue, len(item))
		for k, v := range item {
			cp[k] = v
		}
		out.Items = append(out.Items, cp)
	}
	return out, nil
}
