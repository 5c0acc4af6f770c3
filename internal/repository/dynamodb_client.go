package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"sales-assistant/internal/domain"
)

const (
	skProfile   = "PROFILE"
	skLookup    = "LOOKUP"
	skMarker    = "MARKER"
	skCounter   = "COUNTER"
	roleIndex   = "GSI1"
	statePrefix = "st_"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Client keeps actors, one-time markers and counters in a single DynamoDB
// table. Each state document key is its own top-level attribute so that a
// patch touches exactly the attributes it names.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

func actorPK(id string) string     { return "ACTOR#" + id }
func addressPK(addr string) string { return "ADDR#" + addr }
func rolePK(role domain.Role) string {
	return "ROLE#" + string(role)
}
func markerPK(key string) string  { return "ONCE#" + key }
func counterPK(key string) string { return "COUNTER#" + key }

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// GetActor reads the actor's profile and state with a strongly consistent read.
func (c *Client) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(actorPK(id), skProfile),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Actor{}, fmt.Errorf("repository: GetActor get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Actor{}, ErrNotFound
	}
	actor, err := itemToActor(out.Item)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("repository: GetActor decode: %w", err)
	}
	return actor, nil
}

// FindActorByAddress resolves the address lookup item, then reads the actor.
func (c *Client) FindActorByAddress(ctx context.Context, address string) (domain.Actor, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(addressPK(address), skLookup),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Actor{}, fmt.Errorf("repository: FindActorByAddress get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Actor{}, ErrNotFound
	}
	id, err := strAttr(out.Item, "actorId")
	if err != nil {
		return domain.Actor{}, fmt.Errorf("repository: FindActorByAddress decode: %w", err)
	}
	return c.GetActor(ctx, id)
}

// ListActorsByRole pages through the role index.
func (c *Client) ListActorsByRole(ctx context.Context, role domain.Role) ([]domain.Actor, error) {
	var (
		actors []domain.Actor
		start  map[string]types.AttributeValue
	)
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			IndexName:              aws.String(roleIndex),
			KeyConditionExpression: aws.String("GSI1PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: rolePK(role)},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListActorsByRole query: %w", err)
		}
		for _, item := range out.Items {
			actor, err := itemToActor(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListActorsByRole decode: %w", err)
			}
			actors = append(actors, actor)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return actors, nil
		}
		start = out.LastEvaluatedKey
	}
}

// CreateActor writes the profile and its address lookup in one transaction so
// two actors can never share an address.
func (c *Client) CreateActor(ctx context.Context, actor domain.Actor) (domain.Actor, error) {
	actor, err := prepareActor(actor)
	if err != nil {
		return domain.Actor{}, err
	}
	profile, err := actorItem(actor)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("repository: CreateActor encode: %w", err)
	}
	lookup := itemKey(addressPK(actor.Address), skLookup)
	lookup["actorId"] = &types.AttributeValueMemberS{Value: actor.ID}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                profile,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                lookup,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			return domain.Actor{}, fmt.Errorf("repository: CreateActor %s: %w", actor.Address, ErrConflict)
		}
		return domain.Actor{}, fmt.Errorf("repository: CreateActor: %w", err)
	}
	return actor, nil
}

// UpdateState translates the patch into a single SET/REMOVE update expression
// over the named state attributes.
func (c *Client) UpdateState(ctx context.Context, id string, patch *domain.Patch) error {
	if err := patch.Err(); err != nil {
		return fmt.Errorf("repository: UpdateState: %w", err)
	}
	if patch.Empty() {
		return nil
	}

	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	var sets, removes []string

	setKeys := patch.Sets()
	keys := make([]string, 0, len(setKeys))
	for k := range setKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		n, v := fmt.Sprintf("#s%d", i), fmt.Sprintf(":s%d", i)
		names[n] = statePrefix + k
		values[v] = &types.AttributeValueMemberS{Value: string(setKeys[k])}
		sets = append(sets, n+" = "+v)
	}
	for i, k := range patch.Deletes() {
		n := fmt.Sprintf("#r%d", i)
		names[n] = statePrefix + k
		removes = append(removes, n)
	}

	var expr []string
	if len(sets) > 0 {
		expr = append(expr, "SET "+strings.Join(sets, ", "))
	}
	if len(removes) > 0 {
		expr = append(expr, "REMOVE "+strings.Join(removes, ", "))
	}

	in := &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      itemKey(actorPK(id), skProfile),
		UpdateExpression:         aws.String(strings.Join(expr, " ")),
		ConditionExpression:      aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: names,
	}
	if len(values) > 0 {
		in.ExpressionAttributeValues = values
	}
	if _, err := c.api.UpdateItem(ctx, in); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrNotFound
		}
		return fmt.Errorf("repository: UpdateState: %w", err)
	}
	return nil
}

// Ping checks that the table is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.tableName)}); err != nil {
		return fmt.Errorf("repository: Ping: %w", err)
	}
	return nil
}

// GetMarker reports when the one-time marker was written, if ever.
func (c *Client) GetMarker(ctx context.Context, key string) (time.Time, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(markerPK(key), skMarker),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("repository: GetMarker get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return time.Time{}, false, nil
	}
	raw, err := strAttr(out.Item, "markedAt")
	if err != nil {
		// A marker without a readable timestamp still counts as present.
		return time.Time{}, true, nil
	}
	ts, _ := time.Parse(time.RFC3339Nano, raw)
	return ts, true, nil
}

// PutMarkerIfAbsent writes the marker with a conditional put. Exactly one of
// several concurrent callers observes true. Markers carry no ttl attribute, so
// table expiry never removes them.
func (c *Client) PutMarkerIfAbsent(ctx context.Context, key string, at time.Time) (bool, error) {
	item := itemKey(markerPK(key), skMarker)
	item["markedAt"] = &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("repository: PutMarkerIfAbsent: %w", err)
	}
	return true, nil
}

// GetCounter reads a counter. Expired counters are returned as stored; the
// caller decides what expiry means.
func (c *Client) GetCounter(ctx context.Context, key string) (Counter, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(counterPK(key), skCounter),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Counter{}, false, fmt.Errorf("repository: GetCounter get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return Counter{}, false, nil
	}
	count, err := intAttr(out.Item, "count")
	if err != nil {
		return Counter{}, false, fmt.Errorf("repository: GetCounter decode count: %w", err)
	}
	exp, err := intAttr(out.Item, "ttl")
	if err != nil {
		return Counter{}, false, fmt.Errorf("repository: GetCounter decode ttl: %w", err)
	}
	return Counter{Count: count, ExpiresAt: time.Unix(int64(exp), 0).UTC()}, true, nil
}

// PutCounter overwrites the counter. The ttl attribute doubles as the table's
// TTL so stale counters are reaped by DynamoDB.
func (c *Client) PutCounter(ctx context.Context, key string, counter Counter) error {
	item := itemKey(counterPK(key), skCounter)
	item["count"] = &types.AttributeValueMemberN{Value: strconv.Itoa(counter.Count)}
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(counter.ExpiresAt.Unix(), 10)}

	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("repository: PutCounter: %w", err)
	}
	return nil
}

func actorItem(actor domain.Actor) (map[string]types.AttributeValue, error) {
	item := itemKey(actorPK(actor.ID), skProfile)
	item["id"] = &types.AttributeValueMemberS{Value: actor.ID}
	item["address"] = &types.AttributeValueMemberS{Value: actor.Address}
	item["name"] = &types.AttributeValueMemberS{Value: actor.Name}
	item["role"] = &types.AttributeValueMemberS{Value: string(actor.Role)}
	item["GSI1PK"] = &types.AttributeValueMemberS{Value: rolePK(actor.Role)}
	item["GSI1SK"] = &types.AttributeValueMemberS{Value: actorPK(actor.ID)}
	for k, v := range actor.State {
		if !domain.ValidStateKey(k) {
			return nil, fmt.Errorf("invalid state key %q", k)
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("state key %q is not valid JSON", k)
		}
		item[statePrefix+k] = &types.AttributeValueMemberS{Value: string(v)}
	}
	return item, nil
}

// itemToActor converts a profile item to an Actor. State attributes that are
// not strings are skipped; readers treat them as absent.
func itemToActor(item map[string]types.AttributeValue) (domain.Actor, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Actor{}, err
	}
	address, err := strAttr(item, "address")
	if err != nil {
		return domain.Actor{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Actor{}, err
	}
	name, _ := strAttr(item, "name") // allow empty

	state := domain.StateDocument{}
	for attr, v := range item {
		key, ok := strings.CutPrefix(attr, statePrefix)
		if !ok {
			continue
		}
		s, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		state[key] = json.RawMessage(s.Value)
	}
	return domain.Actor{
		ID:      id,
		Address: address,
		Name:    name,
		Role:    domain.Role(role),
		State:   state,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
