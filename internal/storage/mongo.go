package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	logx "schedcore/pkg/logx"
)

// mongoStore keeps one document per template (keyed by name) and one
// document per firing in a sibling "<collection>_firings" collection.
type mongoStore struct {
	client    *mongo.Client
	templates *mongo.Collection
	firings   *mongo.Collection
	log       logx.Logger
}

type templateBSON struct {
	Name      string    `bson:"_id"`
	Records   string    `bson:"records"`
	Revision  int64     `bson:"revision"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

type firingBSON struct {
	At        time.Time `bson:"at"`
	Scheduler string    `bson:"scheduler"`
	Kind      string    `bson:"kind"`
	Target    time.Time `bson:"target"`
	Value     string    `bson:"value,omitempty"`
	CatchUp   bool      `bson:"catchUp,omitempty"`
}

func openMongo(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, errors.New("storage.uri is required for mongodb driver")
	}
	dbName := strings.TrimSpace(cfg.Database)
	if dbName == "" {
		dbName = "schedcore"
	}
	coll := strings.TrimSpace(cfg.Collection)
	if coll == "" {
		coll = "templates"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	db := client.Database(dbName)
	st := &mongoStore{
		client:    client,
		templates: db.Collection(coll),
		firings:   db.Collection(coll + "_firings"),
		log:       log,
	}
	if err := st.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return st, nil
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.firings.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "scheduler", Value: 1}, {Key: "at", Value: -1}}},
		{
			Keys:    bson.D{{Key: "at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(firingRetention / time.Second)),
		},
	})
	if err != nil {
		return fmt.Errorf("mongodb indexes: %w", err)
	}
	return nil
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *mongoStore) SaveTemplate(ctx context.Context, doc TemplateDoc) error {
	if strings.TrimSpace(doc.Name) == "" {
		return errors.New("template name required")
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now()
	}
	update := bson.M{"$set": bson.M{
		"records":   string(doc.Records),
		"revision":  int64(doc.Revision),
		"updatedAt": doc.UpdatedAt,
	}}
	_, err := s.templates.UpdateOne(ctx, bson.M{"_id": doc.Name}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("template upsert failed: %w", err)
	}
	return nil
}

func (s *mongoStore) LoadTemplate(ctx context.Context, name string) (TemplateDoc, bool, error) {
	var b templateBSON
	err := s.templates.FindOne(ctx, bson.M{"_id": name}).Decode(&b)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return TemplateDoc{}, false, nil
	}
	if err != nil {
		return TemplateDoc{}, false, fmt.Errorf("template find failed: %w", err)
	}
	return TemplateDoc{
		Name:      b.Name,
		Records:   []byte(b.Records),
		Revision:  uint64(b.Revision),
		UpdatedAt: b.UpdatedAt,
	}, true, nil
}

func (s *mongoStore) AppendFiring(ctx context.Context, e FiringEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.firings.InsertOne(ctx, firingBSON(e))
	if err != nil {
		return fmt.Errorf("firing insert failed: %w", err)
	}
	return nil
}

func (s *mongoStore) RecentFirings(ctx context.Context, scheduler string, limit int) ([]FiringEntry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "at", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.firings.Find(ctx, bson.M{"scheduler": scheduler}, opts)
	if err != nil {
		return nil, fmt.Errorf("firing find failed: %w", err)
	}
	defer cur.Close(ctx)

	var out []FiringEntry
	for cur.Next(ctx) {
		var b firingBSON
		if err := cur.Decode(&b); err != nil {
			return nil, err
		}
		out = append(out, FiringEntry(b))
	}
	return out, cur.Err()
}
