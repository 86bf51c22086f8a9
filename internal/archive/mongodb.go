package archive

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoArchive stores extraction records in MongoDB.
type MongoArchive struct {
	client      *mongo.Client
	extractions *mongo.Collection
}

// NewMongoArchive connects to MongoDB and ensures the collection indexes.
func NewMongoArchive(ctx context.Context, connectionString, database string) (*MongoArchive, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		// Disconnect error during failed initialization is not actionable.
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	if database == "" {
		database = "pixelprobe"
	}
	a := &MongoArchive{
		client:      client,
		extractions: client.Database(database).Collection("extractions"),
	}

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "sessionId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
	}
	if _, err := a.extractions.Indexes().CreateMany(ctx, indexes); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create archive indexes: %w", err)
	}
	return a, nil
}

// Save appends a record.
func (a *MongoArchive) Save(ctx context.Context, record Record) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := a.extractions.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("insert extraction record: %w", err)
	}
	return nil
}

// ListBySession returns the newest records for a session.
func (a *MongoArchive) ListBySession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := a.extractions.Find(ctx, bson.M{"sessionId": sessionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find extraction records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decode extraction records: %w", err)
	}
	return records, nil
}

// Close disconnects from MongoDB.
func (a *MongoArchive) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.client.Disconnect(ctx)
}
