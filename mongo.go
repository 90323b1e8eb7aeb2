package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/avast/retry-go/v4"
	"github.com/kiltia/invoiceloader/config"
	"github.com/sony/gobreaker/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"
)

const idField = "_id"

// MongoStore writes documents into one MongoDB collection.
type MongoStore struct {
	client  *mongo.Client
	coll    *mongo.Collection
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewMongoStore connects and pings the server, retrying the ping
// cfg.ConnectRetries times. With unacknowledged set, the collection uses a
// w:0 write concern.
func NewMongoStore(ctx context.Context, cfg config.MongoConfig, unacknowledged bool) (*MongoStore, error) {
	zap.S().Debugw("opening connection to the MongoDB", "database", cfg.Database)
	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.Timeout > 0 {
		clientOpts.SetTimeout(cfg.Timeout)
	}
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}

	err = retry.Do(
		func() error {
			return client.Ping(ctx, readpref.Primary())
		},
		retry.Context(ctx),
		retry.Attempts(uint(max(cfg.ConnectRetries, 0))+1),
		retry.OnRetry(func(n uint, err error) {
			zap.S().Warnw("pinging mongodb", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	collOpts := options.Collection()
	if unacknowledged {
		collOpts.SetWriteConcern(writeconcern.Unacknowledged())
	}
	store := &MongoStore{
		client:  client,
		coll:    client.Database(cfg.Database).Collection(cfg.Collection, collOpts),
		breaker: newStoreBreaker("document_store", cfg.CircuitBreaker),
	}
	zap.S().Infow(
		"connected to mongodb",
		"database", cfg.Database,
		"collection", cfg.Collection,
		"unacknowledged_writes", unacknowledged,
	)
	return store, nil
}

// InsertMany sends one unordered bulk of inserts. Documents without an _id
// get one first, so a retry of a document the bulk did apply is reported as
// [ErrAlreadyApplied] by [MongoStore.InsertOne].
func (s *MongoStore) InsertMany(ctx context.Context, docs []Document) error {
	models := make([]mongo.WriteModel, len(docs))
	for i, doc := range docs {
		if _, ok := doc[idField]; !ok {
			doc[idField] = primitive.NewObjectID()
		}
		models[i] = mongo.NewInsertOneModel().SetDocument(bson.M(doc))
	}

	_, err := s.breaker.Execute(func() (struct{}, error) {
		_, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
		return struct{}{}, ignoreUnacknowledged(err)
	})
	if err == nil {
		return nil
	}
	if err := breakerRefusal(err); err != nil {
		return &BulkWriteError{Cause: err}
	}

	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) && bulkErr.WriteConcernError == nil && len(bulkErr.WriteErrors) > 0 {
		failed := make(map[int]error, len(bulkErr.WriteErrors))
		for _, we := range bulkErr.WriteErrors {
			failed[we.Index] = we.WriteError
		}
		return &BulkWriteError{Failed: failed, Cause: err}
	}
	return &BulkWriteError{Cause: err}
}

func (s *MongoStore) InsertOne(ctx context.Context, doc Document) error {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		_, err := s.coll.InsertOne(ctx, bson.M(doc))
		err = ignoreUnacknowledged(err)
		if err != nil && mongo.IsDuplicateKeyError(err) {
			// only our own ids prove the earlier bulk applied this document
			if _, generated := doc[idField].(primitive.ObjectID); generated {
				return struct{}{}, fmt.Errorf("%w: %w", ErrAlreadyApplied, err)
			}
		}
		return struct{}{}, err
	})
	if refused := breakerRefusal(err); refused != nil {
		return refused
	}
	return err
}

// breakerRefusal marks errors of calls the breaker rejected without running
// them. It returns nil for any other error.
func breakerRefusal(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// w:0 writes report no result, which the driver surfaces as an error.
func ignoreUnacknowledged(err error) error {
	if errors.Is(err, mongo.ErrUnacknowledgedWrite) {
		return nil
	}
	return err
}

var _ Store = (*MongoStore)(nil)
