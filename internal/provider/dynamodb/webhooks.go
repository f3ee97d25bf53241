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

// PutWebhook upserts a webhook endpoint. Counters live in their own number
// attributes so BumpWebhookCounters can increment them atomically.
func (p *DynamoDBProvider) PutWebhook(ctx context.Context, wh types.WebhookEndpoint) error {
	// Counters are owned by the bump path, not the config payload.
	wh.SuccessCount = 0
	wh.FailureCount = 0
	data, err := json.Marshal(wh)
	if err != nil {
		return err
	}

	_, err = p.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &p.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": strAttr(webhookPK(wh.WebhookID)),
			"SK": strAttr(skState),
		},
		UpdateExpression: aws.String(
			"SET #data = :data, secret = :secret ADD successCount :zero, failureCount :zero"),
		ExpressionAttributeNames: map[string]string{
			"#data": "data",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":data":   strAttr(string(data)),
			":secret": strAttr(wh.Secret),
			":zero":   numAttr(0),
		},
	})
	return err
}

// GetWebhook returns a webhook endpoint with live counters.
func (p *DynamoDBProvider) GetWebhook(ctx context.Context, webhookID string) (*types.WebhookEndpoint, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &p.tableName,
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": strAttr(webhookPK(webhookID)),
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
	var wh types.WebhookEndpoint
	if err := json.Unmarshal([]byte(data), &wh); err != nil {
		return nil, err
	}
	// The secret is excluded from the JSON payload.
	if secret, err := attributeStr(out.Item, "secret"); err == nil {
		wh.Secret = secret
	}
	wh.SuccessCount, _ = attributeInt(out.Item, "successCount")
	wh.FailureCount, _ = attributeInt(out.Item, "failureCount")
	return &wh, nil
}

// BumpWebhookCounters atomically increments the success or failure count.
func (p *DynamoDBProvider) BumpWebhookCounters(ctx context.Context, webhookID string, success bool) error {
	counter := "failureCount"
	if success {
		counter = "successCount"
	}

	_, err := p.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &p.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": strAttr(webhookPK(webhookID)),
			"SK": strAttr(skState),
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
		UpdateExpression:    aws.String("ADD #counter :one"),
		ExpressionAttributeNames: map[string]string{
			"#counter": counter,
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":one": numAttr(1),
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return provider.ErrNotFound
		}
		return err
	}
	return nil
}

func deliveryItem(d types.WebhookDelivery, data string) map[string]ddbtypes.AttributeValue {
	item := map[string]ddbtypes.AttributeValue{
		"PK":     strAttr(deliveryPK(d.DeliveryID)),
		"SK":     strAttr(skState),
		"data":   strAttr(data),
		"status": strAttr(string(d.Status)),
	}
	switch d.Status {
	case types.DeliveryPending, types.DeliveryRetrying:
		item["GSI1PK"] = strAttr(gsiDueDeliveries)
		item["GSI1SK"] = strAttr(timeSK(d.NextAttemptAt))
	case types.DeliverySuccess, types.DeliveryFailed:
		item["ttl"] = numAttr(ttlEpoch(defaultRetentionTTL))
	}
	return item
}

// PutDelivery stores a delivery row.
func (p *DynamoDBProvider) PutDelivery(ctx context.Context, d types.WebhookDelivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &p.tableName,
		Item:      deliveryItem(d, string(data)),
	})
	return err
}

// GetDelivery returns one delivery row.
func (p *DynamoDBProvider) GetDelivery(ctx context.Context, deliveryID string) (*types.WebhookDelivery, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &p.tableName,
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": strAttr(deliveryPK(deliveryID)),
			"SK": strAttr(skState),
		},
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, provider.ErrNotFound
	}
	return unmarshalDeliveryItem(out.Item)
}

// ClaimDelivery moves PENDING/RETRYING -> RUNNING, returning false when
// another worker already holds it or the delivery is terminal.
func (p *DynamoDBProvider) ClaimDelivery(ctx context.Context, deliveryID string) (bool, error) {
	d, err := p.GetDelivery(ctx, deliveryID)
	if err != nil {
		return false, err
	}
	if d.Status != types.DeliveryPending && d.Status != types.DeliveryRetrying {
		return false, nil
	}

	prior := d.Status
	d.Status = types.DeliveryRunning
	d.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(d)
	if err != nil {
		return false, err
	}

	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &p.tableName,
		ConditionExpression: aws.String("#status = :prior"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":prior": strAttr(string(prior)),
		},
		Item: deliveryItem(*d, string(data)),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpdateDelivery writes a delivery row guarded by the status CAS.
func (p *DynamoDBProvider) UpdateDelivery(ctx context.Context, d types.WebhookDelivery, expectStatus types.DeliveryStatus) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}

	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &p.tableName,
		ConditionExpression: aws.String("attribute_exists(PK) AND #status = :expect"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":expect": strAttr(string(expectStatus)),
		},
		Item: deliveryItem(d, string(data)),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			if _, getErr := p.GetDelivery(ctx, d.DeliveryID); getErr != nil {
				return getErr
			}
			return provider.ErrVersionConflict
		}
		return err
	}
	return nil
}

// DueDeliveries returns PENDING/RETRYING deliveries due by now.
func (p *DynamoDBProvider) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]types.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}

	out, err := p.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &p.tableName,
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND GSI1SK <= :now"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk":  strAttr(gsiDueDeliveries),
			":now": strAttr(timeSK(now)),
		},
		Limit: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, err
	}

	var due []types.WebhookDelivery
	for _, item := range out.Items {
		d, err := unmarshalDeliveryItem(item)
		if err != nil {
			p.logger.Warn("skipping corrupt delivery data", "error", err)
			continue
		}
		due = append(due, *d)
	}
	return due, nil
}

func unmarshalDeliveryItem(item map[string]ddbtypes.AttributeValue) (*types.WebhookDelivery, error) {
	data, err := attributeStr(item, "data")
	if err != nil {
		return nil, err
	}
	var d types.WebhookDelivery
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, err
	}
	return &d, nil
}
