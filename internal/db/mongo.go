package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"fsbo_spider/internal/config"
	"fsbo_spider/internal/models"
)

type MongoDB struct {
	client        *mongo.Client
	database      *mongo.Database
	listings      *mongo.Collection
	spiderState   *mongo.Collection
	spiderHistory *mongo.Collection
	logger        *slog.Logger
}

// SourceStats summarises what was stored for one source.
type SourceStats struct {
	Listings      int64 `bson:"listings" json:"listings"`
	WithPrice     int64 `bson:"with_price" json:"with_price"`
	WithAddress   int64 `bson:"with_address" json:"with_address"`
	DistinctPages int64 `bson:"distinct_pages" json:"distinct_pages"`
}

func NewMongoDB(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Connection))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("can't ping MongoDB: %w", err)
	}

	database := client.Database(cfg.Database)

	d := &MongoDB{
		client:        client,
		database:      database,
		listings:      database.Collection(cfg.Collections.Listings),
		spiderState:   database.Collection(cfg.Collections.SpiderState),
		spiderHistory: database.Collection(cfg.Collections.SpiderHistory),
		logger:        logger,
	}

	d.createIndexes(ctx)
	logger.Info("connected to MongoDB", "uri", cfg.Connection, "database", cfg.Database)
	return d, nil
}

// createIndexes logs failures instead of returning them; a missing index only
// slows queries down.
func (d *MongoDB) createIndexes(ctx context.Context) {
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{d.listings, mongo.IndexModel{Keys: bson.D{{Key: "source", Value: 1}, {Key: "scraped_at", Value: 1}}}},
		{d.listings, mongo.IndexModel{Keys: bson.D{{Key: "url", Value: 1}}}},
		{d.spiderState, mongo.IndexModel{Keys: bson.D{{Key: "source", Value: 1}, {Key: "started_at", Value: -1}}}},
		{d.spiderHistory, mongo.IndexModel{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "timestamp", Value: 1}}}},
	}

	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			d.logger.Warn("failed to create index", "collection", idx.coll.Name(), "error", err)
		}
	}
}

// WriteListing inserts one record. Records are never merged: the same card
// seen on two runs is stored twice.
func (d *MongoDB) WriteListing(ctx context.Context, l *models.Listing) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := d.listings.InsertOne(ctx, l); err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

func (d *MongoDB) SaveCrawlState(ctx context.Context, state *models.CrawlState) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Update().SetUpsert(true)
	filter := bson.M{"_id": state.RunID}

	var set bson.M
	data, err := bson.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal crawl state: %w", err)
	}
	if err := bson.Unmarshal(data, &set); err != nil {
		return fmt.Errorf("marshal crawl state: %w", err)
	}
	delete(set, "_id")

	if _, err := d.spiderState.UpdateOne(ctx, filter, bson.M{"$set": set}, opts); err != nil {
		return fmt.Errorf("save crawl state: %w", err)
	}
	return nil
}

// GetCrawlState returns nil, nil when the run is unknown.
func (d *MongoDB) GetCrawlState(ctx context.Context, runID string) (*models.CrawlState, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var state models.CrawlState
	err := d.spiderState.FindOne(ctx, bson.M{"_id": runID}).Decode(&state)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (d *MongoDB) SavePageVisit(ctx context.Context, visit *models.PageVisit) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := d.spiderHistory.InsertOne(ctx, visit); err != nil {
		return fmt.Errorf("save page visit: %w", err)
	}
	return nil
}

func (d *MongoDB) SourceStats(ctx context.Context, source string) (*SourceStats, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cursor, err := d.listings.Aggregate(ctx, sourceStatsPipeline(source))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []SourceStats
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &SourceStats{}, nil
	}
	return &results[0], nil
}

func sourceStatsPipeline(source string) mongo.Pipeline {
	present := func(field string) bson.D {
		return bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$gt", Value: bson.A{"$" + field, nil}}}, 1, 0,
		}}}}}
	}
	return mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{{Key: "source", Value: source}}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "listings", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "with_price", Value: present("price")},
			{Key: "with_address", Value: present("address")},
			{Key: "pages", Value: bson.D{{Key: "$addToSet", Value: "$page_url"}}},
		}}},
		bson.D{{Key: "$project", Value: bson.D{
			{Key: "_id", Value: 0},
			{Key: "listings", Value: 1},
			{Key: "with_price", Value: 1},
			{Key: "with_address", Value: 1},
			{Key: "distinct_pages", Value: bson.D{{Key: "$size", Value: "$pages"}}},
		}}},
	}
}

func (d *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}
