package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"recordable/server/internal/score"
)

// MaxDynamoItemBytes is the DynamoDB item size ceiling; compressed scores above it are rejected.
const MaxDynamoItemBytes = 400 * 1024

// DynamoStore persists scores as items keyed by PK, with the zstd-compressed record in Data.
type DynamoStore struct {
	client dynamodbiface.DynamoDBAPI
	table  string
	codec  Compressor
	now    func() time.Time
}

// NewDynamoClient builds a DynamoDB client. An empty endpoint uses the regional default.
func NewDynamoClient(region, endpoint string) (dynamodbiface.DynamoDBAPI, error) {
	cfg := &aws.Config{Region: aws.String(region)}
	if strings.TrimSpace(endpoint) != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("create dynamodb session: %w", err)
	}
	return dynamodb.New(sess), nil
}

// NewDynamoStore wraps client for table.
func NewDynamoStore(client dynamodbiface.DynamoDBAPI, table string) (*DynamoStore, error) {
	if client == nil {
		return nil, errors.New("dynamodb client is required")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("dynamodb table is required")
	}
	codec, err := NewZstdCompressor()
	if err != nil {
		return nil, err
	}
	return &DynamoStore{client: client, table: table, codec: codec, now: time.Now}, nil
}

// StoreScore implements Store.
func (d *DynamoStore) StoreScore(ctx context.Context, data []byte) (score.ID, error) {
	compressed, err := d.codec.Compress(data)
	if err != nil {
		return "", fmt.Errorf("compress score: %w", err)
	}
	if len(compressed) > MaxDynamoItemBytes {
		return "", fmt.Errorf("compressed score of %d bytes exceeds the item limit", len(compressed))
	}
	id := score.NewID()
	//1.- Refuse to overwrite an existing item should an identifier ever repeat.
	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]*dynamodb.AttributeValue{
			"PK":        {S: aws.String(string(id))},
			"Data":      {B: compressed},
			"Codec":     {S: aws.String(d.codec.Name())},
			"RawBytes":  {N: aws.String(strconv.Itoa(len(data)))},
			"FinalTick": {N: aws.String(strconv.Itoa(describe(data)))},
			"CreatedAt": {N: aws.String(strconv.FormatInt(d.now().UTC().UnixMilli(), 10))},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return "", fmt.Errorf("put score: %w", err)
	}
	return id, nil
}

// RequestScore implements Store.
func (d *DynamoStore) RequestScore(ctx context.Context, id score.ID) (*Request, error) {
	out, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            map[string]*dynamodb.AttributeValue{"PK": {S: aws.String(string(id))}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get score: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	blob := out.Item["Data"]
	if blob == nil || len(blob.B) == 0 {
		return nil, fmt.Errorf("score %s has no data attribute", id)
	}
	codecName := d.codec.Name()
	if attr := out.Item["Codec"]; attr != nil && attr.S != nil {
		codecName = *attr.S
	}
	codec, err := CompressorByName(codecName)
	if err != nil {
		return nil, err
	}
	data, err := codec.Decompress(blob.B)
	if err != nil {
		return nil, fmt.Errorf("decompress score: %w", err)
	}
	return NewRequest(id, data, nil), nil
}

// Delete implements Deleter.
func (d *DynamoStore) Delete(ctx context.Context, id score.ID) error {
	out, err := d.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(d.table),
		Key:          map[string]*dynamodb.AttributeValue{"PK": {S: aws.String(string(id))}},
		ReturnValues: aws.String(dynamodb.ReturnValueAllOld),
	})
	if err != nil {
		return fmt.Errorf("delete score: %w", err)
	}
	if len(out.Attributes) == 0 {
		return ErrNotFound
	}
	return nil
}
