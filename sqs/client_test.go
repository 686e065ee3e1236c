//nolint:paralleltest,testpackage // Tests use shared resources and need access to unexported functions
package sqs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/indexerqueue/worker/pipeline"
)

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/records-changed"

func queueURLFunc(_ context.Context, input *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	return &sqs.GetQueueUrlOutput{
		QueueUrl: aws.String("https://sqs.us-east-1.amazonaws.com/123456789/" + aws.ToString(input.QueueName)),
	}, nil
}

func newInitializedClient(t *testing.T, mock *mockSQSClient, opts ...Option) *Client {
	t.Helper()

	if mock.getQueueUrlFunc == nil {
		mock.getQueueUrlFunc = queueURLFunc
	}

	client, err := New(&aws.Config{}, "records-changed", newMockLogger(), append(opts, WithSQSClient(mock))...).Init(t.Context())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	return client
}

func TestNew(t *testing.T) {
	awsCfg := &aws.Config{}
	logger := newMockLogger()

	client := New(awsCfg, "records-changed", logger)

	if client == nil {
		t.Fatal("expected non-nil client")
	}

	if client.queueName != "records-changed" {
		t.Errorf("expected queueName 'records-changed', got %q", client.queueName)
	}

	if client.awsCfg != awsCfg {
		t.Error("expected awsCfg to be set")
	}

	if client.initialized {
		t.Error("expected initialized to be false before Init()")
	}
}

func TestInit_Success(t *testing.T) {
	var requested []string

	mockClient := &mockSQSClient{
		getQueueUrlFunc: func(ctx context.Context, input *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
			requested = append(requested, aws.ToString(input.QueueName))
			return queueURLFunc(ctx, input, optFns...)
		},
	}

	client := New(&aws.Config{}, "records-changed", newMockLogger(), WithSQSClient(mockClient), WithDeadLetterQueue("records-dlq"))

	result, err := client.Init(t.Context())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if result != client {
		t.Error("expected Init to return the same client")
	}

	if client.queueURL != testQueueURL {
		t.Errorf("expected queue URL to be set, got %q", client.queueURL)
	}

	if client.dlqURL != "https://sqs.us-east-1.amazonaws.com/123456789/records-dlq" {
		t.Errorf("expected dead-letter queue URL to be set, got %q", client.dlqURL)
	}

	if len(requested) != 2 {
		t.Errorf("expected 2 GetQueueUrl calls, got %d", len(requested))
	}

	// Second Init is a no-op
	if _, err := client.Init(t.Context()); err != nil {
		t.Fatalf("second Init failed: %v", err)
	}

	if len(requested) != 2 {
		t.Errorf("expected no further GetQueueUrl calls, got %d", len(requested))
	}
}

func TestInit_EmptyQueueName(t *testing.T) {
	client := New(&aws.Config{}, "", newMockLogger())

	if _, err := client.Init(context.Background()); err == nil {
		t.Fatal("expected error for empty queue name")
	}

	if client.initialized {
		t.Error("expected initialized to remain false after error")
	}
}

func TestInit_InvalidOptions(t *testing.T) {
	client := New(&aws.Config{}, "records-changed", newMockLogger(),
		WithSqsVisibilityTimeout(5), // Invalid: less than 10
	)

	if _, err := client.Init(context.Background()); err == nil {
		t.Fatal("expected error for invalid options")
	}

	if client.initialized {
		t.Error("expected initialized to remain false after error")
	}
}

func TestInit_GetQueueUrlError(t *testing.T) {
	mockClient := &mockSQSClient{
		getQueueUrlFunc: func(_ context.Context, input *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
			if aws.ToString(input.QueueName) == "records-dlq" {
				return nil, errors.New("queue not found")
			}
			return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(testQueueURL)}, nil
		},
	}

	client := New(&aws.Config{}, "records-changed", newMockLogger(), WithSQSClient(mockClient), WithDeadLetterQueue("records-dlq"))

	if _, err := client.Init(context.Background()); err == nil {
		t.Fatal("expected error when GetQueueUrl fails for the dead-letter queue")
	}

	if client.initialized {
		t.Error("expected initialized to remain false after error")
	}
}

func TestName(t *testing.T) {
	client := New(&aws.Config{}, "my-queue", newMockLogger())

	if client.Name() != "my-queue" {
		t.Errorf("expected 'my-queue', got %q", client.Name())
	}
}

func TestNotInitialized(t *testing.T) {
	client := New(&aws.Config{}, "records-changed", newMockLogger())
	ctx := context.Background()

	if _, err := client.Receive(ctx, 10, time.Second); err == nil {
		t.Error("expected Receive error when not initialized")
	}

	if _, err := client.DeleteBatch(ctx, []pipeline.DeleteEntry{{ID: "1"}}); err == nil {
		t.Error("expected DeleteBatch error when not initialized")
	}

	if _, err := client.ChangeVisibilityBatch(ctx, []pipeline.VisibilityEntry{{ID: "1"}}); err == nil {
		t.Error("expected ChangeVisibilityBatch error when not initialized")
	}

	if _, err := client.SendBatch(ctx, []pipeline.RetryEntry{{ID: "1"}}); err == nil {
		t.Error("expected SendBatch error when not initialized")
	}
}

func TestReceive_ConvertsMessages(t *testing.T) {
	var capturedInput *sqs.ReceiveMessageInput

	mockClient := &mockSQSClient{
		receiveMessageFunc: func(_ context.Context, input *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
			capturedInput = input
			return &sqs.ReceiveMessageOutput{
				Messages: []sqstypes.Message{
					{
						MessageId:     aws.String("msg-1"),
						ReceiptHandle: aws.String("receipt-1"),
						Body:          aws.String(`[{"id":"rec-1"}]`),
						Attributes: map[string]string{
							receiveCountAttribute: "4",
						},
						MessageAttributes: map[string]sqstypes.MessageAttributeValue{
							"authorization":     {DataType: aws.String("String"), StringValue: aws.String("Bearer abc")},
							"data-partition-id": {DataType: aws.String("String"), StringValue: aws.String("opendes")},
							"retries":           {DataType: aws.String("Number"), StringValue: aws.String("2")},
							"blob":              {DataType: aws.String("Binary"), BinaryValue: []byte{1, 2}},
						},
					},
					{
						MessageId:     aws.String("msg-2"),
						ReceiptHandle: aws.String("receipt-2"),
						Body:          aws.String("{}"),
						Attributes: map[string]string{
							receiveCountAttribute: "garbage",
						},
					},
				},
			}, nil
		},
	}

	client := newInitializedClient(t, mockClient, WithSqsVisibilityTimeout(90))

	msgs, err := client.Receive(t.Context(), 25, time.Minute)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if capturedInput.MaxNumberOfMessages != 10 {
		t.Errorf("expected max messages capped at 10, got %d", capturedInput.MaxNumberOfMessages)
	}

	if capturedInput.WaitTimeSeconds != 20 {
		t.Errorf("expected wait time capped at 20, got %d", capturedInput.WaitTimeSeconds)
	}

	if capturedInput.VisibilityTimeout != 90 {
		t.Errorf("expected visibility timeout 90, got %d", capturedInput.VisibilityTimeout)
	}

	if *capturedInput.QueueUrl != testQueueURL {
		t.Errorf("expected queue URL %q, got %q", testQueueURL, *capturedInput.QueueUrl)
	}

	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}

	m := msgs[0]

	if m.ID != "msg-1" || m.Receipt != "receipt-1" || m.Body != `[{"id":"rec-1"}]` {
		t.Errorf("unexpected message %+v", m)
	}

	if m.ReceiveCount != 4 {
		t.Errorf("expected receive count 4, got %d", m.ReceiveCount)
	}

	if m.Attr("authorization") != "Bearer abc" || m.DataPartitionID() != "opendes" || m.Attr("retries") != "2" {
		t.Errorf("unexpected attributes %v", m.Attributes)
	}

	if _, ok := m.Attributes["blob"]; ok {
		t.Error("expected binary attribute to be dropped")
	}

	if m.ReceivedAt.IsZero() {
		t.Error("expected ReceivedAt to be set")
	}

	if msgs[1].ReceiveCount != 0 {
		t.Errorf("expected unparseable receive count to become 0, got %d", msgs[1].ReceiveCount)
	}
}

func TestReceive_Error(t *testing.T) {
	mockClient := &mockSQSClient{
		receiveMessageFunc: func(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
			return nil, errors.New("throttled")
		},
	}

	client := newInitializedClient(t, mockClient)

	if _, err := client.Receive(t.Context(), 10, time.Second); err == nil {
		t.Fatal("expected error when ReceiveMessage fails")
	}
}

func TestDeleteBatch_Success(t *testing.T) {
	var capturedInput *sqs.DeleteMessageBatchInput

	mockClient := &mockSQSClient{
		deleteMessageBatchFunc: func(_ context.Context, input *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
			capturedInput = input
			return &sqs.DeleteMessageBatchOutput{
				Successful: []sqstypes.DeleteMessageBatchResultEntry{{Id: aws.String("e1")}},
				Failed: []sqstypes.BatchResultErrorEntry{
					{Id: aws.String("e2"), Code: aws.String("ReceiptHandleIsInvalid"), Message: aws.String("bad receipt"), SenderFault: true},
				},
			}, nil
		},
	}

	client := newInitializedClient(t, mockClient)

	result, err := client.DeleteBatch(t.Context(), []pipeline.DeleteEntry{
		{ID: "e1", MessageID: "m1", Receipt: "r1"},
		{ID: "e2", MessageID: "m2", Receipt: "r2"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(capturedInput.Entries) != 2 || *capturedInput.Entries[1].ReceiptHandle != "r2" {
		t.Errorf("unexpected entries %+v", capturedInput.Entries)
	}

	if len(result.Successful) != 1 || result.Successful[0] != "e1" {
		t.Errorf("unexpected successful entries %v", result.Successful)
	}

	if len(result.Failed) != 1 {
		t.Fatalf("expected 1 failed entry, got %d", len(result.Failed))
	}

	f := result.Failed[0]
	if f.ID != "e2" || f.Code != "ReceiptHandleIsInvalid" || f.Message != "bad receipt" || !f.SenderFault {
		t.Errorf("unexpected failure %+v", f)
	}
}

func TestDeleteBatch_Error(t *testing.T) {
	mockClient := &mockSQSClient{
		deleteMessageBatchFunc: func(_ context.Context, _ *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
			return nil, errors.New("network down")
		},
	}

	client := newInitializedClient(t, mockClient)

	if _, err := client.DeleteBatch(t.Context(), []pipeline.DeleteEntry{{ID: "e1"}}); err == nil {
		t.Fatal("expected error when DeleteMessageBatch fails")
	}
}

func TestDeleteBatch_Empty(t *testing.T) {
	var calls atomic.Int32

	mockClient := &mockSQSClient{
		deleteMessageBatchFunc: func(_ context.Context, _ *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
			calls.Add(1)
			return &sqs.DeleteMessageBatchOutput{}, nil
		},
	}

	client := newInitializedClient(t, mockClient)

	if _, err := client.DeleteBatch(t.Context(), nil); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if calls.Load() != 0 {
		t.Errorf("expected no SQS call for an empty batch, got %d", calls.Load())
	}
}

func TestDeleteBatch_SplitsLargeBatches(t *testing.T) {
	var (
		mu       sync.Mutex
		sizes    []int
		inFlight atomic.Int32
		peak     atomic.Int32
	)

	mockClient := &mockSQSClient{
		deleteMessageBatchFunc: func(_ context.Context, input *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)

			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			sizes = append(sizes, len(input.Entries))
			mu.Unlock()

			out := &sqs.DeleteMessageBatchOutput{}
			for _, e := range input.Entries {
				out.Successful = append(out.Successful, sqstypes.DeleteMessageBatchResultEntry{Id: e.Id})
			}

			return out, nil
		},
	}

	client := newInitializedClient(t, mockClient, WithMaxConcurrentBatchCalls(2))

	entries := make([]pipeline.DeleteEntry, 45)
	for i := range entries {
		entries[i] = pipeline.DeleteEntry{ID: fmt.Sprintf("e%d", i), Receipt: fmt.Sprintf("r%d", i)}
	}

	result, err := client.DeleteBatch(t.Context(), entries)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	sort.Ints(sizes)

	if fmt.Sprint(sizes) != "[5 10 10 10 10]" {
		t.Errorf("expected chunks of 10 and a remainder of 5, got %v", sizes)
	}

	if len(result.Successful) != 45 {
		t.Errorf("expected 45 successful entries, got %d", len(result.Successful))
	}

	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent calls, got %d", peak.Load())
	}
}

func TestDeleteBatch_PartialChunkFailure(t *testing.T) {
	mockClient := &mockSQSClient{
		deleteMessageBatchFunc: func(_ context.Context, input *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
			if aws.ToString(input.Entries[0].Id) == "e10" {
				return nil, errors.New("throttled")
			}

			out := &sqs.DeleteMessageBatchOutput{}
			for _, e := range input.Entries {
				out.Successful = append(out.Successful, sqstypes.DeleteMessageBatchResultEntry{Id: e.Id})
			}

			return out, nil
		},
	}

	client := newInitializedClient(t, mockClient)

	entries := make([]pipeline.DeleteEntry, 15)
	for i := range entries {
		entries[i] = pipeline.DeleteEntry{ID: fmt.Sprintf("e%d", i)}
	}

	result, err := client.DeleteBatch(t.Context(), entries)
	if err != nil {
		t.Fatalf("expected no error when some chunks succeed, got %v", err)
	}

	if len(result.Successful) != 10 {
		t.Errorf("expected 10 successful entries, got %d", len(result.Successful))
	}

	if len(result.Failed) != 5 {
		t.Fatalf("expected 5 failed entries, got %d", len(result.Failed))
	}

	if result.Failed[0].Code != "RequestFailed" {
		t.Errorf("expected RequestFailed code, got %q", result.Failed[0].Code)
	}
}

func TestChangeVisibilityBatch_Success(t *testing.T) {
	var capturedInput *sqs.ChangeMessageVisibilityBatchInput

	mockClient := &mockSQSClient{
		changeMessageVisibilityBatchFunc: func(_ context.Context, input *sqs.ChangeMessageVisibilityBatchInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error) {
			capturedInput = input
			return &sqs.ChangeMessageVisibilityBatchOutput{
				Successful: []sqstypes.ChangeMessageVisibilityBatchResultEntry{{Id: aws.String("e1")}, {Id: aws.String("e2")}, {Id: aws.String("e3")}},
			}, nil
		},
	}

	client := newInitializedClient(t, mockClient)

	result, err := client.ChangeVisibilityBatch(t.Context(), []pipeline.VisibilityEntry{
		{ID: "e1", Receipt: "r1", Timeout: 30 * time.Second},
		{ID: "e2", Receipt: "r2", Timeout: 1500 * time.Millisecond},
		{ID: "e3", Receipt: "r3", Timeout: 24 * time.Hour},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	want := []int32{30, 1, 43200}
	for i, e := range capturedInput.Entries {
		if e.VisibilityTimeout != want[i] {
			t.Errorf("entry %d: expected visibility timeout %d, got %d", i, want[i], e.VisibilityTimeout)
		}
	}

	if *capturedInput.QueueUrl != testQueueURL {
		t.Errorf("expected queue URL %q, got %q", testQueueURL, *capturedInput.QueueUrl)
	}

	if len(result.Successful) != 3 {
		t.Errorf("expected 3 successful entries, got %d", len(result.Successful))
	}
}

func TestSendBatch_NoDeadLetterQueue(t *testing.T) {
	client := newInitializedClient(t, &mockSQSClient{})

	if _, err := client.SendBatch(t.Context(), []pipeline.RetryEntry{{ID: "e1"}}); err == nil {
		t.Fatal("expected error without a dead-letter queue")
	}
}

func TestSendBatch_StandardQueue(t *testing.T) {
	var capturedInput *sqs.SendMessageBatchInput

	mockClient := &mockSQSClient{
		sendMessageBatchFunc: func(_ context.Context, input *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
			capturedInput = input
			return &sqs.SendMessageBatchOutput{
				Successful: []sqstypes.SendMessageBatchResultEntry{{Id: aws.String("e1")}},
			}, nil
		},
	}

	client := newInitializedClient(t, mockClient, WithDeadLetterQueue("records-dlq"))

	result, err := client.SendBatch(t.Context(), []pipeline.RetryEntry{{
		ID:        "e1",
		MessageID: "m1",
		Body:      "payload",
		Attributes: map[string]string{
			"data-partition-id": "opendes",
			"empty":             "",
		},
		Reason: "message has no authorization attribute",
	}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(result.Successful) != 1 {
		t.Errorf("expected 1 successful entry, got %d", len(result.Successful))
	}

	if *capturedInput.QueueUrl != "https://sqs.us-east-1.amazonaws.com/123456789/records-dlq" {
		t.Errorf("expected dead-letter queue URL, got %q", *capturedInput.QueueUrl)
	}

	e := capturedInput.Entries[0]

	if *e.MessageBody != "payload" {
		t.Errorf("expected body 'payload', got %q", *e.MessageBody)
	}

	if e.MessageGroupId != nil || e.MessageDeduplicationId != nil {
		t.Error("expected no FIFO fields for a standard queue")
	}

	if got := aws.ToString(e.MessageAttributes[originalMessageIDAttribute].StringValue); got != "m1" {
		t.Errorf("expected original message ID 'm1', got %q", got)
	}

	if got := aws.ToString(e.MessageAttributes[reasonAttribute].StringValue); got != "message has no authorization attribute" {
		t.Errorf("unexpected reason %q", got)
	}

	if got := aws.ToString(e.MessageAttributes["data-partition-id"].StringValue); got != "opendes" {
		t.Errorf("expected data partition 'opendes', got %q", got)
	}

	if _, ok := e.MessageAttributes["empty"]; ok {
		t.Error("expected empty attribute to be skipped")
	}
}

func TestSendBatch_FifoQueue(t *testing.T) {
	var capturedInput *sqs.SendMessageBatchInput

	mockClient := &mockSQSClient{
		sendMessageBatchFunc: func(_ context.Context, input *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
			capturedInput = input
			return &sqs.SendMessageBatchOutput{}, nil
		},
	}

	client := newInitializedClient(t, mockClient, WithDeadLetterQueue("records-dlq.fifo"))

	_, err := client.SendBatch(t.Context(), []pipeline.RetryEntry{
		{ID: "e1", MessageID: "m1", Body: "a", Attributes: map[string]string{"data-partition-id": "opendes"}, Reason: "r"},
		{ID: "e2", MessageID: "m2", Body: "b", Reason: "r"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if got := aws.ToString(capturedInput.Entries[0].MessageGroupId); got != "opendes" {
		t.Errorf("expected group ID 'opendes', got %q", got)
	}

	if got := aws.ToString(capturedInput.Entries[1].MessageGroupId); got != "dead-letter" {
		t.Errorf("expected default group ID, got %q", got)
	}

	if aws.ToString(capturedInput.Entries[0].MessageDeduplicationId) != hash("m1", "r") {
		t.Error("expected deduplication ID derived from message ID and reason")
	}
}

func TestDeadLetterAttributes_RespectsLimit(t *testing.T) {
	client := New(&aws.Config{}, "records-changed", newMockLogger())

	attrs := map[string]string{}
	for i := range 15 {
		attrs[fmt.Sprintf("attr-%02d", i)] = "v"
	}

	got := client.deadLetterAttributes(pipeline.RetryEntry{MessageID: "m1", Reason: "r", Attributes: attrs})

	if len(got) != maxMessageAttributes {
		t.Fatalf("expected %d attributes, got %d", maxMessageAttributes, len(got))
	}

	if _, ok := got["attr-00"]; !ok {
		t.Error("expected attributes to be kept in name order")
	}

	if _, ok := got["attr-14"]; ok {
		t.Error("expected attributes above the limit to be dropped")
	}
}

func TestVisibilitySeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int32
	}{
		{-time.Second, 0},
		{0, 0},
		{999 * time.Millisecond, 0},
		{5 * time.Second, 5},
		{2 * time.Minute, 120},
		{13 * time.Hour, 43200},
	}

	for _, tt := range tests {
		if got := visibilitySeconds(tt.in); got != tt.want {
			t.Errorf("visibilitySeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestHash(t *testing.T) {
	if hash("a", "bc") == hash("ab", "c") {
		t.Error("expected delimiter to separate inputs")
	}

	if hash("m1", "r") != hash("m1", "r") {
		t.Error("expected hash to be deterministic")
	}
}
