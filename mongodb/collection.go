package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection is the subset of collection operations used by [Client].
type Collection interface {
	InsertMany(ctx context.Context, documents []any, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (*mongo.Cursor, error)
	CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error)
	CreateIndexes(ctx context.Context, models []mongo.IndexModel) error
	Drop(ctx context.Context) error
}

type sdkCollection struct {
	*mongo.Collection
}

func (c sdkCollection) CreateIndexes(ctx context.Context, models []mongo.IndexModel) error {
	_, err := c.Indexes().CreateMany(ctx, models)
	return err
}
