package workorder

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pitabwire/traveler/internal/storage/mongodb"
	"github.com/pitabwire/traveler/model"
)

// CollectionWorkOrders is the MongoDB collection holding work orders.
const CollectionWorkOrders = "work_orders"

// workOrderDocument is the stored shape: the work order plus its history,
// so that a patch and its events land in a single atomic update.
type workOrderDocument struct {
	model.WorkOrder `bson:",inline"`
	History         []model.WorkOrderEvent `bson:"history"`
}

var withoutHistory = bson.M{"history": 0}

// MongoStore is a MongoDB-backed Store. Conditional updates use
// FindOneAndUpdate filtered on the expected stage.
type MongoStore struct {
	db         *mongo.Database
	collection *mongo.Collection
}

// NewMongoStore creates the store and ensures its indexes exist.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{db: db, collection: db.Collection(CollectionWorkOrders)}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "woNumber", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"woNumber": bson.M{"$gt": ""}}),
		},
		{Keys: bson.D{{Key: "stage", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "customer", Value: 1}}},
	}
	if _, err := s.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create work order indexes: %w", err)
	}
	return nil
}

// Create inserts a new work order with its intake event.
func (s *MongoStore) Create(ctx context.Context, wo model.WorkOrder) (model.WorkOrder, error) {
	wo, evt := prepareCreate(wo, nowUTC())

	doc := workOrderDocument{WorkOrder: wo, History: []model.WorkOrderEvent{evt}}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return model.WorkOrder{}, model.NewConflictError(
				fmt.Sprintf("work order %q or number %q already exists", wo.ID, wo.WONumber),
			)
		}
		return model.WorkOrder{}, fmt.Errorf("insert work order: %w", err)
	}
	return wo, nil
}

// Get retrieves a work order by ID.
func (s *MongoStore) Get(ctx context.Context, id string) (model.WorkOrder, error) {
	var wo model.WorkOrder
	err := s.collection.FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(withoutHistory),
	).Decode(&wo)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.WorkOrder{}, model.NewNotFoundError(
			fmt.Sprintf("work order %q not found", id),
		)
	}
	if err != nil {
		return model.WorkOrder{}, fmt.Errorf("find work order: %w", err)
	}
	wo.Normalize()
	return wo, nil
}

// Update applies the patch with dotted $set paths so sibling sub-record
// fields are preserved. The filter includes the expected stage, making the
// check and the write a single operation.
func (s *MongoStore) Update(ctx context.Context, id string, patch Patch) (model.WorkOrder, error) {
	at := patchTime(patch)

	filter := bson.M{"_id": id}
	if patch.ExpectedStage != "" {
		filter["stage"] = patch.ExpectedStage
	}

	set := patch.setFields()
	set["updatedAt"] = at
	update := bson.M{
		"$set": set,
		"$inc": bson.M{"version": 1},
	}
	if events := stampEvents(id, patch.Events, at); len(events) > 0 {
		update["$push"] = bson.M{"history": bson.M{"$each": events}}
	}

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(withoutHistory)

	var wo model.WorkOrder
	err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&wo)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.WorkOrder{}, s.missOrStale(ctx, id, patch.ExpectedStage)
	}
	if err != nil {
		return model.WorkOrder{}, fmt.Errorf("update work order: %w", err)
	}
	wo.Normalize()
	return wo, nil
}

// missOrStale explains why a conditional update matched nothing.
func (s *MongoStore) missOrStale(ctx context.Context, id, expected string) error {
	var current struct {
		Stage string `bson:"stage"`
	}
	err := s.collection.FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"stage": 1}),
	).Decode(&current)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.NewNotFoundError(fmt.Sprintf("work order %q not found", id))
	}
	if err != nil {
		return fmt.Errorf("find work order: %w", err)
	}
	return model.NewStaleStageError(id, expected, current.Stage)
}

// List returns matching work orders, newest first.
func (s *MongoStore) List(ctx context.Context, filters Filters) ([]model.WorkOrder, int, error) {
	filter := bson.M{}
	switch {
	case filters.Stage != "" && len(filters.Stages) > 0:
		filter["$and"] = bson.A{
			bson.M{"stage": filters.Stage},
			bson.M{"stage": bson.M{"$in": filters.Stages}},
		}
	case filters.Stage != "":
		filter["stage"] = filters.Stage
	case len(filters.Stages) > 0:
		filter["stage"] = bson.M{"$in": filters.Stages}
	}
	if filters.Customer != "" {
		filter["customer"] = primitive.Regex{
			Pattern: "^" + regexp.QuoteMeta(filters.Customer) + "$",
			Options: "i",
		}
	}

	total, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count work orders: %w", err)
	}

	opts := options.Find().
		SetProjection(withoutHistory).
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: 1}})
	if filters.Offset > 0 {
		opts.SetSkip(int64(filters.Offset))
	}
	if filters.Limit > 0 {
		opts.SetLimit(int64(filters.Limit))
	}

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("find work orders: %w", err)
	}
	defer cursor.Close(ctx)

	result := []model.WorkOrder{}
	if err := cursor.All(ctx, &result); err != nil {
		return nil, 0, fmt.Errorf("decode work orders: %w", err)
	}
	for i := range result {
		result[i].Normalize()
	}
	return result, int(total), nil
}

// History returns the events recorded on the work order document.
func (s *MongoStore) History(ctx context.Context, id string) ([]model.WorkOrderEvent, error) {
	var doc struct {
		History []model.WorkOrderEvent `bson:"history"`
	}
	err := s.collection.FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"history": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.NewNotFoundError(fmt.Sprintf("work order %q not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("find work order history: %w", err)
	}

	events := doc.History
	if events == nil {
		events = []model.WorkOrderEvent{}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// HealthCheck pings the primary.
func (s *MongoStore) HealthCheck(ctx context.Context) error {
	return mongodb.Ping(ctx, s.db)
}
