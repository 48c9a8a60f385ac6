package dispatch

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pitabwire/traveler/internal/storage/mongodb"
	"github.com/pitabwire/traveler/model"
)

// CollectionDispatchRecords is the MongoDB collection holding dispatch
// records.
const CollectionDispatchRecords = "dispatch_records"

// MongoStore is a MongoDB-backed dispatch Store.
type MongoStore struct {
	db         *mongo.Database
	collection *mongo.Collection
}

// NewMongoStore creates the store and ensures its indexes exist.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{db: db, collection: db.Collection(CollectionDispatchRecords)}

	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "workOrderId", Value: 1}, {Key: "createdAt", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create dispatch indexes: %w", err)
	}
	return s, nil
}

// Create inserts a dispatch record.
func (s *MongoStore) Create(ctx context.Context, rec model.DispatchRecord) (model.DispatchRecord, error) {
	rec = prepareRecord(rec)
	if _, err := s.collection.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return model.DispatchRecord{}, model.NewConflictError(
				fmt.Sprintf("dispatch record %q already exists", rec.ID),
			)
		}
		return model.DispatchRecord{}, fmt.Errorf("insert dispatch record: %w", err)
	}
	return rec, nil
}

// ListByWorkOrder returns a work order's dispatch records.
func (s *MongoStore) ListByWorkOrder(ctx context.Context, workOrderID string) ([]model.DispatchRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{"workOrderId": workOrderID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find dispatch records: %w", err)
	}
	defer cursor.Close(ctx)

	result := []model.DispatchRecord{}
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("decode dispatch records: %w", err)
	}
	return result, nil
}

// HealthCheck pings the primary.
func (s *MongoStore) HealthCheck(ctx context.Context) error {
	return mongodb.Ping(ctx, s.db)
}
