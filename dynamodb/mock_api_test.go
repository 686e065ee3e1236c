package dynamodb

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/slackmgr/types"
)

// mockAPI is a mock implementation of API for testing.
type mockAPI struct {
	batchWriteItemFunc     func(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	describeTableFunc      func(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	describeTimeToLiveFunc func(ctx context.Context, params *dynamodb.DescribeTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTimeToLiveOutput, error)
	queryFunc              func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	scanFunc               func(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)

	mu              sync.Mutex
	batchWriteCalls []*dynamodb.BatchWriteItemInput
}

func (m *mockAPI) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	m.mu.Lock()
	m.batchWriteCalls = append(m.batchWriteCalls, params)
	m.mu.Unlock()

	if m.batchWriteItemFunc != nil {
		return m.batchWriteItemFunc(ctx, params, optFns...)
	}

	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (m *mockAPI) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if m.describeTableFunc != nil {
		return m.describeTableFunc(ctx, params, optFns...)
	}

	return &dynamodb.DescribeTableOutput{}, nil
}

func (m *mockAPI) DescribeTimeToLive(ctx context.Context, params *dynamodb.DescribeTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTimeToLiveOutput, error) {
	if m.describeTimeToLiveFunc != nil {
		return m.describeTimeToLiveFunc(ctx, params, optFns...)
	}

	return &dynamodb.DescribeTimeToLiveOutput{}, nil
}

func (m *mockAPI) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, params, optFns...)
	}

	return &dynamodb.QueryOutput{}, nil
}

func (m *mockAPI) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if m.scanFunc != nil {
		return m.scanFunc(ctx, params, optFns...)
	}

	return &dynamodb.ScanOutput{}, nil
}

func (m *mockAPI) writes() []*dynamodb.BatchWriteItemInput {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*dynamodb.BatchWriteItemInput(nil), m.batchWriteCalls...)
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
