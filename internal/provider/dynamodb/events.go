package dynamodb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

// AppendEvent appends an event at expectedVersion+1. A HEAD item per
// aggregate carries the stream head; the transaction bumps it under a
// version condition so concurrent writers at the same expectedVersion
// cannot both win, and versions stay gapless.
func (p *DynamoDBProvider) AppendEvent(ctx context.Context, event types.Event, expectedVersion int64) error {
	event.Version = expectedVersion + 1
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	headUpdate := &ddbtypes.Update{
		TableName: &p.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": strAttr(aggregatePK(event.AggregateID)),
			"SK": strAttr(skHead),
		},
		UpdateExpression: aws.String("SET version = :new"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":new": numAttr(event.Version),
		},
	}
	if expectedVersion == 0 {
		headUpdate.ConditionExpression = aws.String("attribute_not_exists(PK) OR version = :zero")
		headUpdate.ExpressionAttributeValues[":zero"] = numAttr(0)
	} else {
		headUpdate.ConditionExpression = aws.String("version = :expected")
		headUpdate.ExpressionAttributeValues[":expected"] = numAttr(expectedVersion)
	}

	_, err = p.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []ddbtypes.TransactWriteItem{
			{Update: headUpdate},
			{
				Put: &ddbtypes.Put{
					TableName:           &p.tableName,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
					Item: map[string]ddbtypes.AttributeValue{
						"PK":       strAttr(aggregatePK(event.AggregateID)),
						"SK":       strAttr(eventSK(event.Version)),
						"data":     strAttr(string(data)),
						"archived": &ddbtypes.AttributeValueMemberBOOL{Value: false},
					},
				},
			},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return provider.ErrVersionConflict
		}
		return err
	}
	return nil
}

// ListEvents returns events with version > fromVersion in ascending order.
func (p *DynamoDBProvider) ListEvents(ctx context.Context, aggregateID string, fromVersion int64, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	// BETWEEN keeps the query inside the EVENT# band, away from the HEAD
	// and SNAPSHOT items sharing the partition.
	out, err := p.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &p.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk":   strAttr(aggregatePK(aggregateID)),
			":from": strAttr(eventSK(fromVersion + 1)),
			":to":   strAttr(prefixEvent + "999999999999"),
		},
		Limit: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, err
	}

	var events []types.Event
	for _, item := range out.Items {
		data, err := attributeStr(item, "data")
		if err != nil {
			p.logger.Warn("skipping corrupt event data", "error", err)
			continue
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			p.logger.Warn("skipping corrupt event data", "error", err)
			continue
		}
		if archived, ok := item["archived"].(*ddbtypes.AttributeValueMemberBOOL); ok {
			ev.Archived = archived.Value
		}
		events = append(events, ev)
	}
	return events, nil
}

// HeadVersion returns the stream head, 0 for an empty stream.
func (p *DynamoDBProvider) HeadVersion(ctx context.Context, aggregateID string) (int64, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &p.tableName,
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": strAttr(aggregatePK(aggregateID)),
			"SK": strAttr(skHead),
		},
	})
	if err != nil {
		return 0, err
	}
	if out.Item == nil {
		return 0, nil
	}
	return attributeInt(out.Item, "version")
}

// ArchiveEvents marks events at or below uptoVersion as archived.
func (p *DynamoDBProvider) ArchiveEvents(ctx context.Context, aggregateID string, uptoVersion int64) error {
	for v := int64(1); v <= uptoVersion; v++ {
		_, err := p.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: &p.tableName,
			Key: map[string]ddbtypes.AttributeValue{
				"PK": strAttr(aggregatePK(aggregateID)),
				"SK": strAttr(eventSK(v)),
			},
			ConditionExpression: aws.String("attribute_exists(PK)"),
			UpdateExpression:    aws.String("SET archived = :t, #ttl = :ttl"),
			ExpressionAttributeNames: map[string]string{
				"#ttl": "ttl",
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":t":   &ddbtypes.AttributeValueMemberBOOL{Value: true},
				":ttl": numAttr(ttlEpoch(p.retentionTTL)),
			},
		})
		if err != nil {
			if isConditionalCheckFailed(err) {
				continue // already gone
			}
			return fmt.Errorf("archiving event %d: %w", v, err)
		}
	}
	return nil
}

// SaveSnapshot stores the snapshot if it is at least as new as the stored one.
func (p *DynamoDBProvider) SaveSnapshot(ctx context.Context, snap types.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &p.tableName,
		Item: map[string]ddbtypes.AttributeValue{
			"PK":      strAttr(aggregatePK(snap.AggregateID)),
			"SK":      strAttr(skSnapshot),
			"data":    strAttr(string(data)),
			"version": numAttr(snap.Version),
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) OR version <= :v"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":v": numAttr(snap.Version),
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil // stale snapshot, keep the newer one
		}
		return err
	}
	return nil
}

// GetSnapshot retrieves the latest snapshot for an aggregate.
func (p *DynamoDBProvider) GetSnapshot(ctx context.Context, aggregateID string) (*types.Snapshot, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &p.tableName,
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": strAttr(aggregatePK(aggregateID)),
			"SK": strAttr(skSnapshot),
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
	var snap types.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
