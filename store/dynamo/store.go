// Package dynamo provides a DynamoDB-backed Relation Store.
//
// Items live in a single table keyed by the numeric attribute "id". Ids come from an
// atomic counter row (id = Config.CounterID) incremented with UpdateItem ADD, so ids
// are unique and increasing across writers. Writes are conditional on row existence,
// which maps ConditionalCheckFailedException to store.ErrNotFound.
package dynamo

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/canopy/store"
)

// Compile-time contract assertion.
var _ store.Store = (*Store)(nil)

// API is the subset of *dynamodb.Client used by the store.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	dynamodb.ScanAPIClient
}

// record is the DynamoDB shape of an item.
type record struct {
	ID     int64  `dynamodbav:"id"`
	Name   string `dynamodbav:"name"`
	Parent *int64 `dynamodbav:"parent,omitempty"`
}

func (r record) item() store.Item {
	return store.Item{ID: r.ID, Name: r.Name, Parent: r.Parent}
}

// Store provides Relation Store operations over a DynamoDB table.
type Store struct {
	client API
	config Config
}

// New creates a new Store instance.
func New(client API, config Config) *Store {
	config.validate()
	return &Store{
		client: client,
		config: config,
	}
}

// Config returns the validated configuration.
func (s *Store) Config() Config { return s.config }

func (s *Store) key(id int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": numberAttr(id)}
}

// List scans the table and returns every item ordered by id.
func (s *Store) List(ctx context.Context) ([]store.Item, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.config.TableName),
		FilterExpression:          aws.String(NotCounterFilter()),
		ExpressionAttributeNames:  map[string]string{"#id": "id"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":counter": numberAttr(s.config.CounterID)},
		ConsistentRead:            aws.Bool(s.config.ConsistentReads),
	})

	items := []store.Item{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan items: %w", err)
		}
		for _, raw := range page.Items {
			item, err := unmarshalItem(raw)
			if err != nil {
				return nil, err
			}
			if item.ID == s.config.CounterID {
				continue
			}
			items = append(items, item)
		}
	}

	slices.SortFunc(items, func(a, b store.Item) int { return cmp.Compare(a.ID, b.ID) })
	return items, nil
}

// Get retrieves an item by id.
func (s *Store) Get(ctx context.Context, id int64) (store.Item, error) {
	if id == s.config.CounterID {
		return store.Item{}, store.ErrNotFound
	}
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.TableName),
		Key:            s.key(id),
		ConsistentRead: aws.Bool(s.config.ConsistentReads),
	})
	if err != nil {
		return store.Item{}, fmt.Errorf("get item: %w", err)
	}
	if result.Item == nil {
		return store.Item{}, store.ErrNotFound
	}
	return unmarshalItem(result.Item)
}

// Insert allocates the next id from the counter row and puts the item.
func (s *Store) Insert(ctx context.Context, name string, parent *int64) (store.Item, error) {
	id, err := s.nextID(ctx)
	if err != nil {
		return store.Item{}, err
	}

	rec := record{ID: id, Name: name, Parent: parent}
	av, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return store.Item{}, fmt.Errorf("marshal item: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.config.TableName),
		Item:                     av,
		ConditionExpression:      aws.String(ItemAbsentCondition()),
		ExpressionAttributeNames: map[string]string{"#id": "id"},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return store.Item{}, fmt.Errorf("put item %d: id already taken", id)
		}
		return store.Item{}, fmt.Errorf("put item: %w", err)
	}
	return rec.item().Clone(), nil
}

// nextID atomically increments the sequence row and returns the new value.
func (s *Store) nextID(ctx context.Context) (int64, error) {
	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.TableName),
		Key:                       s.key(s.config.CounterID),
		UpdateExpression:          aws.String("ADD #seq :one"),
		ExpressionAttributeNames:  map[string]string{"#seq": "seq"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":one": numberAttr(1)},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	seq, ok := result.Attributes["seq"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("allocate id: counter row has no seq")
	}
	n, err := strconv.ParseInt(seq.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	return s.config.CounterID + n, nil
}

// Update applies patch with a conditional UpdateItem and returns the new row.
func (s *Store) Update(ctx context.Context, id int64, patch store.Patch) (store.Item, error) {
	if patch.Empty() {
		return s.Get(ctx, id)
	}
	if id == s.config.CounterID {
		return store.Item{}, store.ErrNotFound
	}

	var setClauses, removeClauses []string
	exprNames := map[string]string{"#id": "id"}
	exprValues := map[string]types.AttributeValue{}

	if patch.Name != nil {
		exprNames["#name"] = "name"
		exprValues[":name"] = &types.AttributeValueMemberS{Value: *patch.Name}
		setClauses = append(setClauses, "#name = :name")
	}
	if patch.Parent.Set {
		exprNames["#parent"] = "parent"
		if patch.Parent.ID != nil {
			exprValues[":parent"] = numberAttr(*patch.Parent.ID)
			setClauses = append(setClauses, "#parent = :parent")
		} else {
			removeClauses = append(removeClauses, "#parent")
		}
	}

	input := &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.config.TableName),
		Key:                      s.key(id),
		UpdateExpression:         aws.String(buildUpdateExpr(setClauses, removeClauses)),
		ConditionExpression:      aws.String(ItemExistsCondition()),
		ExpressionAttributeNames: exprNames,
		ReturnValues:             types.ReturnValueAllNew,
	}
	if len(exprValues) > 0 {
		input.ExpressionAttributeValues = exprValues
	}

	result, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		return store.Item{}, mapConditionError("update item", err)
	}
	return unmarshalItem(result.Attributes)
}

// Delete removes the row and returns its last state.
func (s *Store) Delete(ctx context.Context, id int64) (store.Item, error) {
	if id == s.config.CounterID {
		return store.Item{}, store.ErrNotFound
	}
	result, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(s.config.TableName),
		Key:                      s.key(id),
		ConditionExpression:      aws.String(ItemExistsCondition()),
		ExpressionAttributeNames: map[string]string{"#id": "id"},
		ReturnValues:             types.ReturnValueAllOld,
	})
	if err != nil {
		return store.Item{}, mapConditionError("delete item", err)
	}
	return unmarshalItem(result.Attributes)
}

// Close is a no-op; the SDK client holds no per-store resources.
func (s *Store) Close() error { return nil }

// mapConditionError maps a failed existence condition to store.ErrNotFound.
func mapConditionError(op string, err error) error {
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// unmarshalItem converts a DynamoDB item to a store.Item.
func unmarshalItem(raw map[string]types.AttributeValue) (store.Item, error) {
	var rec record
	if err := attributevalue.UnmarshalMap(raw, &rec); err != nil {
		return store.Item{}, fmt.Errorf("unmarshal item: %w", err)
	}
	return rec.item(), nil
}

// DecodeItem converts a table row, such as a stream image, to a store.Item.
func DecodeItem(raw map[string]types.AttributeValue) (store.Item, error) {
	item, err := unmarshalItem(raw)
	if err != nil {
		return store.Item{}, err
	}
	if _, ok := raw["name"]; !ok {
		return store.Item{}, errors.New("unmarshal item: missing name")
	}
	return item, nil
}
