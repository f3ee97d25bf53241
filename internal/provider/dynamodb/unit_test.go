package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

// mockDDB is a minimal mock of the DDBAPI interface for unit testing.
type mockDDB struct {
	putItemFn           func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	getItemFn           func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	queryFn             func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	updateItemFn        func(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	deleteItemFn        func(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	transactWriteItemFn func(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	describeTableFn     func(ctx context.Context, input *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	createTableFn       func(ctx context.Context, input *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	updateTTLFn         func(ctx context.Context, input *dynamodb.UpdateTimeToLiveInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
}

func (m *mockDDB) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFn != nil {
		return m.putItemFn(ctx, input, opts...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDB) GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFn != nil {
		return m.getItemFn(ctx, input, opts...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDDB) Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, input, opts...)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (m *mockDDB) UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if m.updateItemFn != nil {
		return m.updateItemFn(ctx, input, opts...)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDDB) DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if m.deleteItemFn != nil {
		return m.deleteItemFn(ctx, input, opts...)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockDDB) TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if m.transactWriteItemFn != nil {
		return m.transactWriteItemFn(ctx, input, opts...)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (m *mockDDB) DescribeTable(ctx context.Context, input *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if m.describeTableFn != nil {
		return m.describeTableFn(ctx, input, opts...)
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func (m *mockDDB) CreateTable(ctx context.Context, input *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	if m.createTableFn != nil {
		return m.createTableFn(ctx, input, opts...)
	}
	return &dynamodb.CreateTableOutput{}, nil
}

func (m *mockDDB) UpdateTimeToLive(ctx context.Context, input *dynamodb.UpdateTimeToLiveInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error) {
	if m.updateTTLFn != nil {
		return m.updateTTLFn(ctx, input, opts...)
	}
	return &dynamodb.UpdateTimeToLiveOutput{}, nil
}

func newTestProvider(mock *mockDDB) *DynamoDBProvider {
	return &DynamoDBProvider{
		client:       mock,
		tableName:    "test-table",
		logger:       slog.Default(),
		retentionTTL: 30 * 24 * time.Hour,
	}
}

func conditionalFailed() error {
	return &ddbtypes.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
}

func transactCancelled() error {
	return &ddbtypes.TransactionCanceledException{
		CancellationReasons: []ddbtypes.CancellationReason{
			{Code: aws.String("ConditionalCheckFailed")},
		},
	}
}

// ---------------------------------------------------------------------------
// Event stream
// ---------------------------------------------------------------------------

func TestAppendEvent_WritesHeadAndEvent(t *testing.T) {
	var captured *dynamodb.TransactWriteItemsInput
	mock := &mockDDB{
		transactWriteItemFn: func(_ context.Context, input *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			captured = input
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	ev := types.Event{
		EventID:       "ev-1",
		AggregateID:   "saga-1",
		AggregateType: types.AggregateSaga,
		Type:          types.EventSagaStarted,
		Timestamp:     time.Now(),
	}
	if err := p.AppendEvent(context.Background(), ev, 0); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	if captured == nil || len(captured.TransactItems) != 2 {
		t.Fatalf("expected 2 transact items, got %+v", captured)
	}

	head := captured.TransactItems[0].Update
	if got := head.Key["PK"].(*ddbtypes.AttributeValueMemberS).Value; got != "AGG#saga-1" {
		t.Errorf("head PK = %q, want AGG#saga-1", got)
	}

	put := captured.TransactItems[1].Put
	sk := put.Item["SK"].(*ddbtypes.AttributeValueMemberS).Value
	if sk != "EVENT#000000000001" {
		t.Errorf("event SK = %q, want EVENT#000000000001", sk)
	}

	data := put.Item["data"].(*ddbtypes.AttributeValueMemberS).Value
	var stored types.Event
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		t.Fatalf("unmarshaling stored event: %v", err)
	}
	if stored.Version != 1 {
		t.Errorf("stored version = %d, want 1", stored.Version)
	}
}

func TestAppendEvent_VersionConflict(t *testing.T) {
	mock := &mockDDB{
		transactWriteItemFn: func(_ context.Context, _ *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, transactCancelled()
		},
	}
	p := newTestProvider(mock)

	ev := types.Event{AggregateID: "saga-1", Type: types.EventStepCompleted}
	err := p.AppendEvent(context.Background(), ev, 3)
	if !errors.Is(err, provider.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
}

func TestListEvents_StaysInsideEventBand(t *testing.T) {
	var captured *dynamodb.QueryInput
	mock := &mockDDB{
		queryFn: func(_ context.Context, input *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			captured = input
			return &dynamodb.QueryOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	if _, err := p.ListEvents(context.Background(), "saga-1", 2, 10); err != nil {
		t.Fatalf("ListEvents: %v", err)
	}

	from := captured.ExpressionAttributeValues[":from"].(*ddbtypes.AttributeValueMemberS).Value
	if from != "EVENT#000000000003" {
		t.Errorf("from = %q, want EVENT#000000000003", from)
	}
	if !strings.Contains(*captured.KeyConditionExpression, "BETWEEN") {
		t.Errorf("key condition %q should bound the EVENT# band", *captured.KeyConditionExpression)
	}
}

// ---------------------------------------------------------------------------
// Saga state
// ---------------------------------------------------------------------------

func TestPutSagaState_RunningIndexed(t *testing.T) {
	var captured *dynamodb.PutItemInput
	mock := &mockDDB{
		putItemFn: func(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			captured = input
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	state := types.SagaState{
		SagaID:      "saga-1",
		Type:        "cache-refresh",
		Status:      types.SagaRunning,
		HeartbeatAt: time.Now(),
	}
	if err := p.PutSagaState(context.Background(), state, 0); err != nil {
		t.Fatalf("PutSagaState: %v", err)
	}

	if _, ok := captured.Item["GSI1PK"]; !ok {
		t.Error("RUNNING saga should carry GSI1 attributes")
	}
	if *captured.ConditionExpression != "attribute_not_exists(PK)" {
		t.Errorf("create condition = %q", *captured.ConditionExpression)
	}
	if v := captured.Item["version"].(*ddbtypes.AttributeValueMemberN).Value; v != "1" {
		t.Errorf("version = %s, want 1", v)
	}
}

func TestPutSagaState_TerminalDropsFromIndex(t *testing.T) {
	var captured *dynamodb.PutItemInput
	mock := &mockDDB{
		putItemFn: func(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			captured = input
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	state := types.SagaState{SagaID: "saga-1", Status: types.SagaCompleted}
	if err := p.PutSagaState(context.Background(), state, 4); err != nil {
		t.Fatalf("PutSagaState: %v", err)
	}

	if _, ok := captured.Item["GSI1PK"]; ok {
		t.Error("terminal saga should not carry GSI1 attributes")
	}
	if _, ok := captured.Item["ttl"]; !ok {
		t.Error("terminal saga should carry a retention ttl")
	}
}

func TestPutSagaState_StaleVersion(t *testing.T) {
	mock := &mockDDB{
		putItemFn: func(_ context.Context, _ *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, conditionalFailed()
		},
	}
	p := newTestProvider(mock)

	err := p.PutSagaState(context.Background(), types.SagaState{SagaID: "saga-1", Status: types.SagaRunning}, 2)
	if !errors.Is(err, provider.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func jobGetOutput(t *testing.T, job types.Job) *dynamodb.GetItemOutput {
	t.Helper()
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshaling job: %v", err)
	}
	return &dynamodb.GetItemOutput{Item: jobItem(job, string(data))}
}

func TestClaimJob_WritesTargetGuard(t *testing.T) {
	job := types.Job{
		JobID:    "job-1",
		Kind:     "cache-refresh",
		TargetID: "portal-1",
		Status:   types.JobPending,
	}

	var captured *dynamodb.TransactWriteItemsInput
	mock := &mockDDB{
		getItemFn: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return jobGetOutput(t, job), nil
		},
		transactWriteItemFn: func(_ context.Context, input *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			captured = input
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	ok, err := p.ClaimJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if !ok {
		t.Fatal("claim should succeed")
	}

	if len(captured.TransactItems) != 2 {
		t.Fatalf("expected 2 transact items, got %d", len(captured.TransactItems))
	}
	guard := captured.TransactItems[0].Put
	if pk := guard.Item["PK"].(*ddbtypes.AttributeValueMemberS).Value; pk != "TARGET#portal-1" {
		t.Errorf("guard PK = %q, want TARGET#portal-1", pk)
	}
	claimed := captured.TransactItems[1].Put
	if status := claimed.Item["status"].(*ddbtypes.AttributeValueMemberS).Value; status != "RUNNING" {
		t.Errorf("claimed status = %q, want RUNNING", status)
	}
	if _, ok := claimed.Item["GSI1PK"]; ok {
		t.Error("RUNNING job should leave the due index")
	}
}

func TestClaimJob_TargetBusy(t *testing.T) {
	job := types.Job{JobID: "job-1", TargetID: "portal-1", Status: types.JobPending}
	mock := &mockDDB{
		getItemFn: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return jobGetOutput(t, job), nil
		},
		transactWriteItemFn: func(_ context.Context, _ *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			return nil, transactCancelled()
		},
	}
	p := newTestProvider(mock)

	ok, err := p.ClaimJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if ok {
		t.Fatal("claim should lose when the target guard exists")
	}
}

func TestClaimJob_Missing(t *testing.T) {
	mock := &mockDDB{
		getItemFn: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	_, err := p.ClaimJob(context.Background(), "job-missing")
	if !errors.Is(err, provider.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateJob_ReleasesGuardOnCompletion(t *testing.T) {
	var captured *dynamodb.TransactWriteItemsInput
	mock := &mockDDB{
		transactWriteItemFn: func(_ context.Context, input *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			captured = input
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}
	p := newTestProvider(mock)

	job := types.Job{JobID: "job-1", TargetID: "portal-1", Status: types.JobCompleted}
	if err := p.UpdateJob(context.Background(), job, types.JobRunning); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	if len(captured.TransactItems) != 2 {
		t.Fatalf("expected job put and guard delete, got %d items", len(captured.TransactItems))
	}
	del := captured.TransactItems[1].Delete
	if pk := del.Key["PK"].(*ddbtypes.AttributeValueMemberS).Value; pk != "TARGET#portal-1" {
		t.Errorf("delete PK = %q, want TARGET#portal-1", pk)
	}
}

// ---------------------------------------------------------------------------
// Webhooks
// ---------------------------------------------------------------------------

func TestGetWebhook_MergesCountersAndSecret(t *testing.T) {
	wh := types.WebhookEndpoint{WebhookID: "wh-1", URL: "https://example.com/hook", MaxRetries: 3}
	data, _ := json.Marshal(wh)

	mock := &mockDDB{
		getItemFn: func(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: map[string]ddbtypes.AttributeValue{
				"PK":           strAttr("WEBHOOK#wh-1"),
				"SK":           strAttr("STATE"),
				"data":         strAttr(string(data)),
				"secret":       strAttr("s3cret"),
				"successCount": numAttr(7),
				"failureCount": numAttr(2),
			}}, nil
		},
	}
	p := newTestProvider(mock)

	got, err := p.GetWebhook(context.Background(), "wh-1")
	if err != nil {
		t.Fatalf("GetWebhook: %v", err)
	}
	if got.Secret != "s3cret" {
		t.Errorf("secret = %q, want s3cret", got.Secret)
	}
	if got.SuccessCount != 7 || got.FailureCount != 2 {
		t.Errorf("counters = %d/%d, want 7/2", got.SuccessCount, got.FailureCount)
	}
}

func TestBumpWebhookCounters_Missing(t *testing.T) {
	mock := &mockDDB{
		updateItemFn: func(_ context.Context, _ *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			return nil, conditionalFailed()
		},
	}
	p := newTestProvider(mock)

	err := p.BumpWebhookCounters(context.Background(), "wh-missing", true)
	if !errors.Is(err, provider.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Locks
// ---------------------------------------------------------------------------

func TestAcquireLock_Contended(t *testing.T) {
	mock := &mockDDB{
		putItemFn: func(_ context.Context, _ *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, conditionalFailed()
		},
	}
	p := newTestProvider(mock)

	ok, err := p.AcquireLock(context.Background(), "watchdog:saga-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if ok {
		t.Fatal("contended acquire should return false")
	}
}
