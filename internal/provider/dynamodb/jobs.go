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

func jobItem(job types.Job, data string) map[string]ddbtypes.AttributeValue {
	item := map[string]ddbtypes.AttributeValue{
		"PK":       strAttr(jobPK(job.JobID)),
		"SK":       strAttr(skState),
		"data":     strAttr(data),
		"status":   strAttr(string(job.Status)),
		"targetID": strAttr(job.TargetID),
	}
	// Only PENDING jobs appear in the due index.
	if job.Status == types.JobPending {
		item["GSI1PK"] = strAttr(gsiDueJobs)
		item["GSI1SK"] = strAttr(timeSK(job.NextAttemptAt))
	}
	return item
}

// PutJob stores a job row.
func (p *DynamoDBProvider) PutJob(ctx context.Context, job types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &p.tableName,
		Item:      jobItem(job, string(data)),
	})
	return err
}

// GetJob returns one job row.
func (p *DynamoDBProvider) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &p.tableName,
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": strAttr(jobPK(jobID)),
			"SK": strAttr(skState),
		},
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, provider.ErrNotFound
	}
	return unmarshalJobItem(out.Item)
}

// ClaimJob moves PENDING -> RUNNING unless another RUNNING job holds the
// same target. A TARGET# guard item written in the same transaction
// enforces one runner per target.
func (p *DynamoDBProvider) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	job, err := p.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != types.JobPending {
		return false, nil
	}

	now := time.Now().UTC()
	claimed := *job
	claimed.Status = types.JobRunning
	claimed.StartedAt = &now
	claimed.UpdatedAt = now
	data, err := json.Marshal(claimed)
	if err != nil {
		return false, err
	}

	_, err = p.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []ddbtypes.TransactWriteItem{
			{
				Put: &ddbtypes.Put{
					TableName:           &p.tableName,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
					Item: map[string]ddbtypes.AttributeValue{
						"PK":    strAttr(targetPK(job.TargetID)),
						"SK":    strAttr(skRunning),
						"jobID": strAttr(job.JobID),
					},
				},
			},
			{
				Put: &ddbtypes.Put{
					TableName:           &p.tableName,
					ConditionExpression: aws.String("#status = :pending"),
					ExpressionAttributeNames: map[string]string{
						"#status": "status",
					},
					ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
						":pending": strAttr(string(types.JobPending)),
					},
					Item: jobItem(claimed, string(data)),
				},
			},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpdateJob writes a job row guarded by the status CAS. Leaving RUNNING
// releases the TARGET# guard in the same transaction.
func (p *DynamoDBProvider) UpdateJob(ctx context.Context, job types.Job, expectStatus types.JobStatus) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	items := []ddbtypes.TransactWriteItem{
		{
			Put: &ddbtypes.Put{
				TableName:           &p.tableName,
				ConditionExpression: aws.String("attribute_exists(PK) AND #status = :expect"),
				ExpressionAttributeNames: map[string]string{
					"#status": "status",
				},
				ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
					":expect": strAttr(string(expectStatus)),
				},
				Item: jobItem(job, string(data)),
			},
		},
	}
	if expectStatus == types.JobRunning && job.Status != types.JobRunning {
		items = append(items, ddbtypes.TransactWriteItem{
			Delete: &ddbtypes.Delete{
				TableName:           &p.tableName,
				ConditionExpression: aws.String("attribute_not_exists(PK) OR jobID = :jid"),
				ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
					":jid": strAttr(job.JobID),
				},
				Key: map[string]ddbtypes.AttributeValue{
					"PK": strAttr(targetPK(job.TargetID)),
					"SK": strAttr(skRunning),
				},
			},
		})
	}

	_, err = p.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			if _, getErr := p.GetJob(ctx, job.JobID); getErr != nil {
				return getErr
			}
			return provider.ErrVersionConflict
		}
		return err
	}
	return nil
}

// DueJobs returns PENDING jobs with nextAttemptAt <= now, soonest first.
func (p *DynamoDBProvider) DueJobs(ctx context.Context, now time.Time, limit int) ([]types.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	out, err := p.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &p.tableName,
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND GSI1SK <= :now"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk":  strAttr(gsiDueJobs),
			":now": strAttr(timeSK(now)),
		},
		Limit: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, err
	}

	var jobs []types.Job
	for _, item := range out.Items {
		j, err := unmarshalJobItem(item)
		if err != nil {
			p.logger.Warn("skipping corrupt job data", "error", err)
			continue
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

func unmarshalJobItem(item map[string]ddbtypes.AttributeValue) (*types.Job, error) {
	data, err := attributeStr(item, "data")
	if err != nil {
		return nil, err
	}
	var job types.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, err
	}
	return &job, nil
}
