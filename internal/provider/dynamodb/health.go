package dynamodb

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

// GetHealth returns the health row for an integration.
func (p *DynamoDBProvider) GetHealth(ctx context.Context, integrationID string) (*types.DataSourceHealth, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &p.tableName,
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": strAttr(healthPK(integrationID)),
			"SK": strAttr(skState),
		},
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, provider.ErrNotFound
	}

	data, err := attributeStr(out.Item, "data")
	if err != nil {
		return nil, err
	}
	var h types.DataSourceHealth
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// PutHealth writes the health row guarded by the version CAS.
func (p *DynamoDBProvider) PutHealth(ctx context.Context, h types.DataSourceHealth, expectedVersion int64) error {
	h.Version = expectedVersion + 1
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}

	input := &dynamodb.PutItemInput{
		TableName: &p.tableName,
		Item: map[string]ddbtypes.AttributeValue{
			"PK":      strAttr(healthPK(h.IntegrationID)),
			"SK":      strAttr(skState),
			"data":    strAttr(string(data)),
			"version": numAttr(h.Version),
		},
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

// AppendHealthCheck appends one history row with retention TTL.
func (p *DynamoDBProvider) AppendHealthCheck(ctx context.Context, check types.HealthCheck) error {
	data, err := json.Marshal(check)
	if err != nil {
		return err
	}

	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &p.tableName,
		Item: map[string]ddbtypes.AttributeValue{
			"PK":   strAttr(healthPK(check.IntegrationID)),
			"SK":   strAttr(checkSK(check.CheckedAt)),
			"data": strAttr(string(data)),
			"ttl":  numAttr(ttlEpoch(p.retentionTTL)),
		},
	})
	return err
}

// ListHealthChecks returns the most recent checks, newest first.
func (p *DynamoDBProvider) ListHealthChecks(ctx context.Context, integrationID string, limit int) ([]types.HealthCheck, error) {
	if limit <= 0 {
		limit = 50
	}

	out, err := p.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &p.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk":     strAttr(healthPK(integrationID)),
			":prefix": strAttr(prefixCheck),
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, err
	}

	var checks []types.HealthCheck
	for _, item := range out.Items {
		ttlVal, _ := attributeInt(item, "ttl")
		if isExpired(ttlVal) {
			continue
		}
		data, err := attributeStr(item, "data")
		if err != nil {
			p.logger.Warn("skipping corrupt health check data", "error", err)
			continue
		}
		var check types.HealthCheck
		if err := json.Unmarshal([]byte(data), &check); err != nil {
			p.logger.Warn("skipping corrupt health check data", "error", err)
			continue
		}
		checks = append(checks, check)
	}
	return checks, nil
}
