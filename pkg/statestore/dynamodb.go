package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/actiongate/gateway/pkg/errs"
)

// DynamoDB is a Store backed by a single DynamoDB table with a string
// partition key "pk" holding the canonical key, extending the AWS SDK v2
// dependency tree the teacher already carries (previously S3-only) to a
// second service client.
//
// RefreshesTTLOnIncrement = true: Increment's PutItem always rewrites
// expires_at_ms alongside the counter.
type DynamoDB struct {
	client *dynamodb.Client
	table  string
	now    func() time.Time
}

// NewDynamoDB wraps an existing *dynamodb.Client bound to table.
func NewDynamoDB(client *dynamodb.Client, table string) *DynamoDB {
	return &DynamoDB{client: client, table: table, now: time.Now}
}

type dynamoItem struct {
	PK          string `dynamodbav:"pk"`
	Value       string `dynamodbav:"value"`
	Version     int64  `dynamodbav:"version"`
	ExpiresAtMs int64  `dynamodbav:"expires_at_ms"`
	WrittenAtMs int64  `dynamodbav:"written_at_ms"`
}

func (d *DynamoDB) getItem(ctx context.Context, key Key) (dynamoItem, bool, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: key.Canonical()}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return dynamoItem{}, false, errs.Wrap(errs.KindConnection, "dynamodb get_item", err)
	}
	if out.Item == nil {
		return dynamoItem{}, false, nil
	}

	item := dynamoItem{}
	if v, ok := out.Item["pk"].(*types.AttributeValueMemberS); ok {
		item.PK = v.Value
	}
	if v, ok := out.Item["value"].(*types.AttributeValueMemberS); ok {
		item.Value = v.Value
	}
	if v, ok := out.Item["version"].(*types.AttributeValueMemberN); ok {
		item.Version = parseInt(v.Value)
	}
	if v, ok := out.Item["expires_at_ms"].(*types.AttributeValueMemberN); ok {
		item.ExpiresAtMs = parseInt(v.Value)
	}
	if v, ok := out.Item["written_at_ms"].(*types.AttributeValueMemberN); ok {
		item.WrittenAtMs = parseInt(v.Value)
	}

	if item.ExpiresAtMs > 0 && item.ExpiresAtMs <= d.now().UnixMilli() {
		_, _ = d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(d.table),
			Key:       map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: key.Canonical()}},
		})
		return dynamoItem{}, false, nil
	}
	return item, true, nil
}

func (d *DynamoDB) Get(ctx context.Context, key Key) (Entry, bool, error) {
	item, ok, err := d.getItem(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	return toEntry(item), true, nil
}

func toEntry(item dynamoItem) Entry {
	e := Entry{Value: item.Value, Version: uint64(item.Version)}
	if item.ExpiresAtMs > 0 {
		t := time.UnixMilli(item.ExpiresAtMs)
		e.ExpiresAt = &t
	}
	if item.WrittenAtMs > 0 {
		e.WrittenAt = time.UnixMilli(item.WrittenAtMs).UTC()
	}
	return e
}

func (d *DynamoDB) expiresAtMs(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return d.now().Add(ttl).UnixMilli()
}

func (d *DynamoDB) Set(ctx context.Context, key Key, value string, ttl time.Duration) error {
	existing, ok, err := d.getItem(ctx, key)
	if err != nil {
		return err
	}
	version := int64(1)
	if ok {
		version = existing.Version + 1
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]types.AttributeValue{
			"pk":            &types.AttributeValueMemberS{Value: key.Canonical()},
			"value":         &types.AttributeValueMemberS{Value: value},
			"version":       &types.AttributeValueMemberN{Value: formatInt(version)},
			"expires_at_ms": &types.AttributeValueMemberN{Value: formatInt(d.expiresAtMs(ttl))},
			"written_at_ms": &types.AttributeValueMemberN{Value: formatInt(d.now().UnixMilli())},
		},
	})
	if err != nil {
		return errs.Wrap(errs.KindConnection, "dynamodb put_item", err)
	}
	return nil
}

func (d *DynamoDB) CheckAndSet(ctx context.Context, key Key, value string, ttl time.Duration) (bool, error) {
	if _, ok, err := d.getItem(ctx, key); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}

	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]types.AttributeValue{
			"pk":            &types.AttributeValueMemberS{Value: key.Canonical()},
			"value":         &types.AttributeValueMemberS{Value: value},
			"version":       &types.AttributeValueMemberN{Value: "1"},
			"expires_at_ms": &types.AttributeValueMemberN{Value: formatInt(d.expiresAtMs(ttl))},
			"written_at_ms": &types.AttributeValueMemberN{Value: formatInt(d.now().UnixMilli())},
		},
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, errs.Wrap(errs.KindConnection, "dynamodb check_and_set", err)
	}
	return true, nil
}

func (d *DynamoDB) Delete(ctx context.Context, key Key) (bool, error) {
	if _, ok, err := d.getItem(ctx, key); err != nil || !ok {
		return false, err
	}
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: key.Canonical()}},
	})
	if err != nil {
		return false, errs.Wrap(errs.KindConnection, "dynamodb delete_item", err)
	}
	return true, nil
}

func (d *DynamoDB) Increment(ctx context.Context, key Key, delta int64, ttl time.Duration) (int64, error) {
	for {
		existing, ok, err := d.getItem(ctx, key)
		if err != nil {
			return 0, err
		}
		var current int64
		version := int64(1)
		cond := expression.AttributeNotExists(expression.Name("pk"))
		if ok {
			current = parseInt(existing.Value)
			version = existing.Version + 1
			cond = expression.Name("version").Equal(expression.Value(existing.Version))
		}
		newVal := current + delta
		expr, err := expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return 0, errs.Wrap(errs.KindSerialization, "dynamodb expression build", err)
		}

		_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(d.table),
			Item: map[string]types.AttributeValue{
				"pk":            &types.AttributeValueMemberS{Value: key.Canonical()},
				"value":         &types.AttributeValueMemberS{Value: formatInt(newVal)},
				"version":       &types.AttributeValueMemberN{Value: formatInt(version)},
				"expires_at_ms": &types.AttributeValueMemberN{Value: formatInt(d.expiresAtMs(ttl))},
				"written_at_ms": &types.AttributeValueMemberN{Value: formatInt(d.now().UnixMilli())},
			},
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		if err != nil {
			var condErr *types.ConditionalCheckFailedException
			if errors.As(err, &condErr) {
				continue
			}
			return 0, errs.Wrap(errs.KindConnection, "dynamodb increment put_item", err)
		}
		return newVal, nil
	}
}

func (d *DynamoDB) CompareAndSwap(ctx context.Context, key Key, expectedVersion uint64, newValue string, ttl time.Duration) (CASResult, error) {
	existing, ok, err := d.getItem(ctx, key)
	if err != nil {
		return CASResult{}, err
	}
	currentVersion := uint64(0)
	currentValue := ""
	if ok {
		currentVersion = uint64(existing.Version)
		currentValue = existing.Value
	}
	if currentVersion != expectedVersion {
		return CASResult{Status: CASConflict, CurrentValue: currentValue, CurrentVersion: currentVersion}, nil
	}

	cond := expression.Name("version").Equal(expression.Value(int(expectedVersion)))
	if !ok {
		cond = expression.AttributeNotExists(expression.Name("pk"))
	}
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return CASResult{}, errs.Wrap(errs.KindSerialization, "dynamodb expression build", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]types.AttributeValue{
			"pk":            &types.AttributeValueMemberS{Value: key.Canonical()},
			"value":         &types.AttributeValueMemberS{Value: newValue},
			"version":       &types.AttributeValueMemberN{Value: formatInt(int64(expectedVersion) + 1)},
			"expires_at_ms": &types.AttributeValueMemberN{Value: formatInt(d.expiresAtMs(ttl))},
			"written_at_ms": &types.AttributeValueMemberN{Value: formatInt(d.now().UnixMilli())},
		},
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			entry, _, _ := d.Get(ctx, key)
			return CASResult{Status: CASConflict, CurrentValue: entry.Value, CurrentVersion: entry.Version}, nil
		}
		return CASResult{}, errs.Wrap(errs.KindConnection, "dynamodb compare_and_swap", err)
	}

	return CASResult{Status: CASOk, CurrentValue: newValue, CurrentVersion: expectedVersion + 1}, nil
}

func (d *DynamoDB) ScanKeysByKind(ctx context.Context, kind Kind) ([]KeyValue, error) {
	filter := expression.Contains(expression.Name("pk"), ":"+kind.String()+":")
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, errs.Wrap(errs.KindSerialization, "dynamodb expression build", err)
	}

	var out []KeyValue
	var startKey map[string]types.AttributeValue
	for {
		res, err := d.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(d.table),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, errs.Wrap(errs.KindConnection, "dynamodb scan", err)
		}

		for _, item := range res.Items {
			pk, _ := item["pk"].(*types.AttributeValueMemberS)
			if pk == nil {
				continue
			}
			parsed, ok := ParseCanonical(pk.Value)
			if !ok || parsed.Kind != kind {
				continue
			}
			entry, ok, err := d.Get(ctx, parsed)
			if err != nil || !ok {
				continue
			}
			out = append(out, KeyValue{Key: parsed, Entry: entry})
		}

		if res.LastEvaluatedKey == nil {
			break
		}
		startKey = res.LastEvaluatedKey
	}
	return out, nil
}
