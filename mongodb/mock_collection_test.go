package mongodb

import (
	"context"
	"sync"

	"github.com/slackmgr/types"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mockCollection is a mock implementation of Collection for testing.
type mockCollection struct {
	insertManyFunc     func(ctx context.Context, documents []any, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
	findFunc           func(ctx context.Context, filter any, opts ...*options.FindOptions) (*mongo.Cursor, error)
	countDocumentsFunc func(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error)
	createIndexesFunc  func(ctx context.Context, models []mongo.IndexModel) error

	mu         sync.Mutex
	inserted   [][]any
	insertOpts []*options.InsertManyOptions
	dropped    bool
}

func (m *mockCollection) InsertMany(ctx context.Context, documents []any, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error) {
	m.mu.Lock()
	m.inserted = append(m.inserted, documents)
	m.insertOpts = append(m.insertOpts, opts...)
	m.mu.Unlock()

	if m.insertManyFunc != nil {
		return m.insertManyFunc(ctx, documents, opts...)
	}

	return &mongo.InsertManyResult{}, nil
}

func (m *mockCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (*mongo.Cursor, error) {
	if m.findFunc != nil {
		return m.findFunc(ctx, filter, opts...)
	}

	return mongo.NewCursorFromDocuments(nil, nil, nil)
}

func (m *mockCollection) CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error) {
	if m.countDocumentsFunc != nil {
		return m.countDocumentsFunc(ctx, filter, opts...)
	}

	return 0, nil
}

func (m *mockCollection) CreateIndexes(ctx context.Context, models []mongo.IndexModel) error {
	if m.createIndexesFunc != nil {
		return m.createIndexesFunc(ctx, models)
	}

	return nil
}

func (m *mockCollection) Drop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dropped = true

	return nil
}

func (m *mockCollection) records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record

	for _, batch := range m.inserted {
		for _, doc := range batch {
			out = append(out, doc.(Record)) //nolint:forcetypeassert
		}
	}

	return out
}

type mockLogger struct{}

func (m *mockLogger) Debug(_ string)            {}
func (m *mockLogger) Debugf(_ string, _ ...any) {}
func (m *mockLogger) Info(_ string)             {}
func (m *mockLogger) Infof(_ string, _ ...any)  {}
func (m *mockLogger) Error(_ string)            {}
func (m *mockLogger) Errorf(_ string, _ ...any) {}

//nolint:ireturn
func (m *mockLogger) WithField(_ string, _ any) types.Logger { return m }

//nolint:ireturn
func (m *mockLogger) WithFields(_ map[string]any) types.Logger { return m }
