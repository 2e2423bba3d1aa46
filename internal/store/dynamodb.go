package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/crosslogic/metering-agent/internal/billing"
	"github.com/crosslogic/metering-agent/pkg/models"
	"github.com/crosslogic/metering-agent/pkg/sanitize"
)

const (
	attrName     = "name"
	attrQuantity = "quantity"
	attrLastSent = "last_sent"
)

// DynamoDBAPI is the subset of *dynamodb.Client the store uses.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDB keeps one item per dimension, keyed by name. The table must
// already exist.
type DynamoDB struct {
	api   DynamoDBAPI
	table string
}

var _ billing.DimensionStore = (*DynamoDB)(nil)

// NewDynamoDB returns a store on the given table.
func NewDynamoDB(api DynamoDBAPI, table string) *DynamoDB {
	return &DynamoDB{api: api, table: table}
}

func (d *DynamoDB) key(name string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrName: &types.AttributeValueMemberS{Value: name},
	}
}

func number(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func (d *DynamoDB) EnsureDimensions(ctx context.Context, names []string, purge bool, at time.Time) error {
	if purge {
		existing, err := d.ListDimensions(ctx)
		if err != nil {
			return err
		}
		for _, dim := range existing {
			_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(d.table),
				Key:       d.key(dim.Name),
			})
			if err != nil {
				return fmt.Errorf("purge dimension %q: %w", dim.Name, err)
			}
		}
	}

	for _, name := range names {
		_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(d.table),
			Item: map[string]types.AttributeValue{
				attrName:     &types.AttributeValueMemberS{Value: name},
				attrQuantity: number(0),
				attrLastSent: number(at.Unix()),
			},
			ConditionExpression:      aws.String("attribute_not_exists(#n)"),
			ExpressionAttributeNames: map[string]string{"#n": attrName},
		})
		var exists *types.ConditionalCheckFailedException
		if errors.As(err, &exists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("create dimension %q: %w", name, err)
		}
	}
	return nil
}

func (d *DynamoDB) ListDimensions(ctx context.Context) ([]models.Dimension, error) {
	var out []models.Dimension

	paginator := dynamodb.NewScanPaginator(d.api, &dynamodb.ScanInput{
		TableName: aws.String(d.table),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan dimensions: %w", err)
		}
		for _, item := range page.Items {
			dim, err := decodeDimension(item)
			if err != nil {
				return nil, err
			}
			out = append(out, dim)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func decodeDimension(item map[string]types.AttributeValue) (models.Dimension, error) {
	name, ok := item[attrName].(*types.AttributeValueMemberS)
	if !ok {
		return models.Dimension{}, errors.New("dimension item without a name")
	}

	read := func(attr string) (int64, error) {
		n, ok := item[attr].(*types.AttributeValueMemberN)
		if !ok {
			return 0, nil
		}
		v, err := sanitize.Quantity(n.Value)
		if err != nil {
			return 0, fmt.Errorf("dimension %q %s: %w", name.Value, attr, err)
		}
		return v, nil
	}

	quantity, err := read(attrQuantity)
	if err != nil {
		return models.Dimension{}, err
	}
	lastSent, err := read(attrLastSent)
	if err != nil {
		return models.Dimension{}, err
	}
	return models.Dimension{Name: name.Value, Quantity: quantity, LastFlushedAt: lastSent}, nil
}

func (d *DynamoDB) Increment(ctx context.Context, name string, delta int64) error {
	_, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 d.key(name),
		UpdateExpression:    aws.String("ADD #q :d"),
		ConditionExpression: aws.String("attribute_exists(#n)"),
		ExpressionAttributeNames: map[string]string{
			"#n": attrName,
			"#q": attrQuantity,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": number(delta),
		},
	})
	return d.updateErr("increment", name, err)
}

func (d *DynamoDB) ResetAfterFlush(ctx context.Context, name string, flushed int64, at time.Time) error {
	_, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 d.key(name),
		UpdateExpression:    aws.String("SET #q = #q - :f, #t = :at"),
		ConditionExpression: aws.String("attribute_exists(#n)"),
		ExpressionAttributeNames: map[string]string{
			"#n": attrName,
			"#q": attrQuantity,
			"#t": attrLastSent,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":f":  number(flushed),
			":at": number(at.Unix()),
		},
	})
	return d.updateErr("reset", name, err)
}

func (d *DynamoDB) updateErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var missing *types.ConditionalCheckFailedException
	if errors.As(err, &missing) {
		return fmt.Errorf("%w: %q", billing.ErrUnknownDimension, name)
	}
	return fmt.Errorf("%s %q: %w", op, name, err)
}

func (d *DynamoDB) MaxLastFlushedAt(ctx context.Context) (int64, error) {
	dims, err := d.ListDimensions(ctx)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, dim := range dims {
		if dim.LastFlushedAt > max {
			max = dim.LastFlushedAt
		}
	}
	return max, nil
}

func (d *DynamoDB) Close() error {
	return nil
}
