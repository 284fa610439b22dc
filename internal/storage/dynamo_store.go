package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
)

// partitionKey is the hash key attribute shared by every table.
const partitionKey = "key"

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoTables names the four tables.
type DynamoTables struct {
	Spec     string
	Guild    string
	Server   string
	Instance string
}

var _ Store = (*DynamoStore)(nil)

// DynamoStore implements Store on DynamoDB. Reads are strongly consistent
// and conditional writes use ConditionExpression.
type DynamoStore struct {
	api    DynamoAPI
	tables DynamoTables
}

func NewDynamoStore(api DynamoAPI, tables DynamoTables) *DynamoStore {
	return &DynamoStore{api: api, tables: tables}
}

func (s *DynamoStore) Close() error { return nil }

func (s *DynamoStore) GetSpec(ctx context.Context, name string) (*models.Spec, error) {
	var out models.Spec
	if err := s.get(ctx, s.tables.Spec, name, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *DynamoStore) PutSpec(ctx context.Context, spec *models.Spec) error {
	return s.put(ctx, s.tables.Spec, spec.Name, spec, nil)
}

func (s *DynamoStore) GetGuild(ctx context.Context, id string) (*models.Guild, error) {
	var out models.Guild
	if err := s.get(ctx, s.tables.Guild, id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *DynamoStore) PutGuild(ctx context.Context, guild *models.Guild) error {
	return s.put(ctx, s.tables.Guild, guild.ID, guild, nil)
}

func (s *DynamoStore) GetServer(ctx context.Context, guildID, name string) (*models.Server, error) {
	var out models.Server
	if err := s.get(ctx, s.tables.Server, models.ServerKey(guildID, name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *DynamoStore) ListServers(ctx context.Context, guildID string) ([]*models.Server, error) {
	p := dynamodb.NewScanPaginator(s.api, &dynamodb.ScanInput{
		TableName:                 aws.String(s.tables.Server),
		ConsistentRead:            aws.Bool(true),
		FilterExpression:          aws.String("#gid = :gid"),
		ExpressionAttributeNames:  map[string]string{"#gid": "guildId"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":gid": &types.AttributeValueMemberS{Value: guildID}},
	})
	var out []*models.Server
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.tables.Server, err)
		}
		for _, item := range page.Items {
			var srv models.Server
			if err := unmarshalItem(item, &srv); err != nil {
				return nil, err
			}
			out = append(out, &srv)
		}
	}
	return out, nil
}

func (s *DynamoStore) CreateServer(ctx context.Context, srv *models.Server) error {
	next := *srv
	next.Generation = 1
	if err := s.put(ctx, s.tables.Server, next.Key(), &next, notExists()); err != nil {
		if errors.Is(err, ErrConflict) {
			return ErrExists
		}
		return err
	}
	*srv = next
	return nil
}

func (s *DynamoStore) UpdateServer(ctx context.Context, srv *models.Server, expected int64) error {
	next := *srv
	next.Generation = expected + 1
	if err := s.put(ctx, s.tables.Server, next.Key(), &next, generationIs(expected)); err != nil {
		return err
	}
	*srv = next
	return nil
}

func (s *DynamoStore) DeleteServer(ctx context.Context, guildID, name string, expected int64) error {
	cond := generationIs(expected)
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.tables.Server),
		Key:                       keyOf(models.ServerKey(guildID, name)),
		ConditionExpression:       cond.expr,
		ExpressionAttributeNames:  cond.names,
		ExpressionAttributeValues: cond.values,
	})
	return mapDynamoErr(err)
}

func (s *DynamoStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	var out models.Instance
	if err := s.get(ctx, s.tables.Instance, id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *DynamoStore) CreateInstance(ctx context.Context, inst *models.Instance) error {
	err := s.put(ctx, s.tables.Instance, inst.ID, inst, notExists())
	if errors.Is(err, ErrConflict) {
		return ErrExists
	}
	return err
}

func (s *DynamoStore) UpdateInstance(ctx context.Context, inst *models.Instance, expected models.Phase) error {
	return s.put(ctx, s.tables.Instance, inst.ID, inst, &condition{
		expr:   aws.String("#p = :p"),
		names:  map[string]string{"#p": "phase"},
		values: map[string]types.AttributeValue{":p": &types.AttributeValueMemberS{Value: string(expected)}},
	})
}

func (s *DynamoStore) DeleteInstance(ctx context.Context, id string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tables.Instance),
		Key:       keyOf(id),
	})
	return mapDynamoErr(err)
}

type condition struct {
	expr   *string
	names  map[string]string
	values map[string]types.AttributeValue
}

func notExists() *condition {
	return &condition{
		expr:  aws.String("attribute_not_exists(#k)"),
		names: map[string]string{"#k": partitionKey},
	}
}

func generationIs(gen int64) *condition {
	return &condition{
		expr:   aws.String("#g = :g"),
		names:  map[string]string{"#g": "generation"},
		values: map[string]types.AttributeValue{":g": &types.AttributeValueMemberN{Value: strconv.FormatInt(gen, 10)}},
	}
}

func keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{partitionKey: &types.AttributeValueMemberS{Value: key}}
}

func (s *DynamoStore) get(ctx context.Context, table, key string, out any) error {
	res, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	if len(res.Item) == 0 {
		return ErrNotFound
	}
	return unmarshalItem(res.Item, out)
}

func (s *DynamoStore) put(ctx context.Context, table, key string, v any, cond *condition) error {
	item, err := attributevalue.MarshalMapWithOptions(v, func(o *attributevalue.EncoderOptions) {
		o.TagKey = "json"
	})
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", table, key, err)
	}
	item[partitionKey] = &types.AttributeValueMemberS{Value: key}
	in := &dynamodb.PutItemInput{TableName: aws.String(table), Item: item}
	if cond != nil {
		in.ConditionExpression = cond.expr
		in.ExpressionAttributeNames = cond.names
		in.ExpressionAttributeValues = cond.values
	}
	_, err = s.api.PutItem(ctx, in)
	return mapDynamoErr(err)
}

func unmarshalItem(item map[string]types.AttributeValue, out any) error {
	return attributevalue.UnmarshalMapWithOptions(item, out, func(o *attributevalue.DecoderOptions) {
		o.TagKey = "json"
	})
}

// mapDynamoErr turns a failed condition into ErrConflict.
func mapDynamoErr(err error) error {
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrConflict
	}
	return err
}
