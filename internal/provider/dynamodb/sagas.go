package dynamodb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

// PutSagaState writes saga state guarded by the version CAS. RUNNING sagas
// carry GSI1 attributes keyed by heartbeat so the watchdog can find stale
// ones; other statuses drop out of the index.
func (p *DynamoDBProvider) PutSagaState(ctx context.Context, state types.SagaState, expectedVersion int64) error {
	state.Version = expectedVersion + 1
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	item := map[string]ddbtypes.AttributeValue{
		"PK":      strAttr(sagaPK(state.SagaID)),
		"SK":      strAttr(skState),
		"data":    strAttr(string(data)),
		"version": numAttr(state.Version),
	}
	if state.Status == types.SagaRunning {
		item["GSI1PK"] = strAttr(gsiRunningSagas)
		item["GSI1SK"] = strAttr(timeSK(state.HeartbeatAt))
	} else {
		item["ttl"] = numAttr(ttlEpoch(p.retentionTTL))
	}

	input := &dynamodb.PutItemInput{
		TableName: &p.tableName,
		Item:      item,
	}
	if expectedVersion == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		input.ConditionExpression = aws.String("version = :expected")
		input.ExpressionAttributeValues = map[string]ddbtypes.AttributeValue{
			":expected": numAttr(expectedVersion),
		}
	}

	if _, err := p.client.PutItem(ctx, input); err != nil {
		if isConditionalCheckFailed(err) {
			return provider.ErrVersionConflict
		}
		return err
	}
	return nil
}

// GetSagaState retrieves a saga state (strongly consistent).
func (p *DynamoDBProvider) GetSagaState(ctx context.Context, sagaID string) (*types.SagaState, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &p.tableName,
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": strAttr(sagaPK(sagaID)),
			"SK": strAttr(skState),
		},
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, provider.ErrNotFound
	}

	return unmarshalSagaItem(out.Item)
}

// ListRunningSagas returns RUNNING sagas with a heartbeat older than the
// cutoff, stalest first.
func (p *DynamoDBProvider) ListRunningSagas(ctx context.Context, heartbeatBefore time.Time, limit int) ([]types.SagaState, error) {
	if limit <= 0 {
		limit = 50
	}

	out, err := p.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &p.tableName,
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND GSI1SK < :cutoff"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk":     strAttr(gsiRunningSagas),
			":cutoff": strAttr(timeSK(heartbeatBefore)),
		},
		Limit: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, err
	}

	var sagas []types.SagaState
	for _, item := range out.Items {
		st, err := unmarshalSagaItem(item)
		if err != nil {
			p.logger.Warn("skipping corrupt saga data", "error", err)
			continue
		}
		sagas = append(sagas, *st)
	}
	return sagas, nil
}

func unmarshalSagaItem(item map[string]ddbtypes.AttributeValue) (*types.SagaState, error) {
	data, err := attributeStr(item, "data")
	if err != nil {
		return nil, err
	}
	var st types.SagaState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, err
	}
	return &st, nil
}
