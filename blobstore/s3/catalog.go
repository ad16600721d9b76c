package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/memvault/blobstore"
)

// CurrentName is the blob that names the newest backup descriptor.
const CurrentName = "CURRENT"

// CatalogStore implements blobstore.Store backed by S3, with DynamoDB
// holding the CURRENT pointer. Each backup commit is a new item; a
// conditional write makes concurrent commits fail instead of overwriting
// each other.
//
// Table schema:
//   - Partition key: base_uri (string) - the S3 bucket and prefix
//   - Sort key: version (number) - increases by one per commit
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name memvault-backups \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type CatalogStore struct {
	*Store
	ddbClient DDBClient
	tableName string
	baseURI   string
}

var _ blobstore.Store = (*CatalogStore)(nil)

// DDBClient is the subset of the DynamoDB API the catalog uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

var _ DDBClient = (*dynamodb.Client)(nil)

// ErrConcurrentModification is returned when another writer committed the
// same catalog version first.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// CatalogEntry is one committed CURRENT value.
type CatalogEntry struct {
	Version     uint64
	Descriptor  string
	CommittedAt time.Time
}

// NewCatalogStore wraps store. baseURI ("s3://bucket/prefix") partitions
// the table between backup locations.
func NewCatalogStore(store *Store, ddbClient DDBClient, tableName, baseURI string) *CatalogStore {
	return &CatalogStore{
		Store:     store,
		ddbClient: ddbClient,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

// Open serves CURRENT from the newest catalog entry and everything else
// from S3.
func (s *CatalogStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != CurrentName {
		return s.Store.Open(ctx, name)
	}
	entries, err := s.query(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, blobstore.ErrNotFound
	}
	return &staticBlob{content: []byte(entries[0].Descriptor)}, nil
}

// Put commits CURRENT through DynamoDB and writes everything else to S3.
func (s *CatalogStore) Put(ctx context.Context, name string, data []byte) error {
	if name != CurrentName {
		return s.Store.Put(ctx, name, data)
	}
	return s.commit(ctx, string(data))
}

// History returns up to limit catalog entries, newest first. A limit of
// zero returns all of them.
func (s *CatalogStore) History(ctx context.Context, limit int) ([]CatalogEntry, error) {
	return s.query(ctx, limit)
}

func (s *CatalogStore) query(ctx context.Context, limit int) ([]CatalogEntry, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	resp, err := s.ddbClient.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}

	entries := make([]CatalogEntry, 0, len(resp.Items))
	for _, item := range resp.Items {
		e, err := decodeEntry(item)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeEntry(item map[string]types.AttributeValue) (CatalogEntry, error) {
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return CatalogEntry{}, errors.New("catalog item without numeric version")
	}
	descAttr, ok := item["descriptor"].(*types.AttributeValueMemberS)
	if !ok {
		return CatalogEntry{}, errors.New("catalog item without descriptor")
	}
	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return CatalogEntry{}, fmt.Errorf("catalog version: %w", err)
	}
	e := CatalogEntry{Version: version, Descriptor: descAttr.Value}
	if at, ok := item["committed_at"].(*types.AttributeValueMemberN); ok {
		if sec, err := strconv.ParseInt(at.Value, 10, 64); err == nil {
			e.CommittedAt = time.Unix(sec, 0).UTC()
		}
	}
	return e, nil
}

func (s *CatalogStore) commit(ctx context.Context, descriptor string) error {
	latest, err := s.query(ctx, 1)
	if err != nil {
		return err
	}
	var next uint64 = 1
	if len(latest) > 0 {
		next = latest[0].Version + 1
	}

	_, err = s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri":     &types.AttributeValueMemberS{Value: s.baseURI},
			"version":      &types.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
			"descriptor":   &types.AttributeValueMemberS{Value: descriptor},
			"committed_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("commit catalog version %d: %w", next, err)
	}
	return nil
}

// staticBlob serves a catalog value as a blob.
type staticBlob struct {
	content []byte
}

func (b *staticBlob) Close() error { return nil }

func (b *staticBlob) Size() int64 { return int64(len(b.content)) }

func (b *staticBlob) Bytes() ([]byte, error) { return b.content, nil }

func (b *staticBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off >= int64(len(b.content)) {
		return 0, io.EOF
	}
	n := copy(p, b.content[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *staticBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	if off >= int64(len(b.content)) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := min(off+length, int64(len(b.content)))
	return io.NopCloser(bytes.NewReader(b.content[off:end])), nil
}
