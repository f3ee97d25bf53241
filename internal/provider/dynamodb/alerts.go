package dynamodb

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/porticohq/portico/pkg/types"
)

// PutAlert appends an alert row. GSI1 carries a global feed partition so
// ListAllAlerts can query across subjects.
func (p *DynamoDBProvider) PutAlert(ctx context.Context, alert types.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	sk := alertSK(alert.Timestamp)
	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &p.tableName,
		Item: map[string]ddbtypes.AttributeValue{
			"PK":     strAttr(alertPK(alert.SubjectID)),
			"SK":     strAttr(sk),
			"data":   strAttr(string(data)),
			"GSI1PK": strAttr(gsiAlerts),
			"GSI1SK": strAttr(sk),
			"ttl":    numAttr(ttlEpoch(p.retentionTTL)),
		},
	})
	return err
}

// ListAlerts returns alerts for one subject, newest first.
func (p *DynamoDBProvider) ListAlerts(ctx context.Context, subjectID string, limit int) ([]types.Alert, error) {
	if limit <= 0 {
		limit = 50
	}

	out, err := p.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &p.tableName,
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": strAttr(alertPK(subjectID)),
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, err
	}
	return p.unmarshalAlerts(out.Items), nil
}

// ListAllAlerts returns alerts across subjects, newest first.
func (p *DynamoDBProvider) ListAllAlerts(ctx context.Context, limit int) ([]types.Alert, error) {
	if limit <= 0 {
		limit = 50
	}

	out, err := p.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &p.tableName,
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": strAttr(gsiAlerts),
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, err
	}
	return p.unmarshalAlerts(out.Items), nil
}

func (p *DynamoDBProvider) unmarshalAlerts(items []map[string]ddbtypes.AttributeValue) []types.Alert {
	var alerts []types.Alert
	for _, item := range items {
		ttlVal, _ := attributeInt(item, "ttl")
		if isExpired(ttlVal) {
			continue
		}
		data, err := attributeStr(item, "data")
		if err != nil {
			p.logger.Warn("skipping corrupt alert data", "error", err)
			continue
		}
		var alert types.Alert
		if err := json.Unmarshal([]byte(data), &alert); err != nil {
			p.logger.Warn("skipping corrupt alert data", "error", err)
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts
}
