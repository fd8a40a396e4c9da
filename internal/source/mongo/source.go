// Package mongo tails MongoDB change streams and publishes the changes
// as transport events. It is the producing side of the sync pipeline:
// one watched collection maps to one resource.
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"livecache/internal/transport"
)

// Config configures the change-stream source.
type Config struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`

	// Collections to watch; each is published under a resource of the
	// same name.
	Collections []string `yaml:"collections"`
}

func DefaultConfig() Config {
	return Config{
		URI:      "mongodb://localhost:27017",
		Database: "livecache",
	}
}

// Source watches collections and publishes their changes.
type Source struct {
	cfg    Config
	pub    transport.Publisher
	logger *slog.Logger
	client *mongo.Client
}

func NewSource(cfg Config, pub transport.Publisher, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{cfg: cfg, pub: pub, logger: logger}
}

// Connect establishes the MongoDB connection.
func (s *Source) Connect(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.cfg.URI))
	if err != nil {
		return fmt.Errorf("mongo source: connect %s: %w", s.cfg.URI, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo source: ping: %w", err)
	}
	s.client = client
	return nil
}

// Run watches every configured collection until ctx is cancelled. Each
// collection gets its own stream; a stream error stops Run so the
// supervisor can decide whether to restart.
func (s *Source) Run(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("mongo source: not connected")
	}
	if len(s.cfg.Collections) == 0 {
		return fmt.Errorf("mongo source: no collections configured")
	}

	errCh := make(chan error, len(s.cfg.Collections))
	for _, name := range s.cfg.Collections {
		go func(name string) {
			errCh <- s.watchCollection(ctx, name)
		}(name)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Source) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Source) watchCollection(ctx context.Context, name string) error {
	// updateLookup gives the post-image for updates; the pre-image for
	// deletes is only available when the collection enables it.
	opts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetFullDocumentBeforeChange(options.WhenAvailable)

	coll := s.client.Database(s.cfg.Database).Collection(name)
	stream, err := coll.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		return fmt.Errorf("mongo source: watch %s: %w", name, err)
	}
	defer stream.Close(context.Background())

	s.logger.Info("mongo source: watching collection", "collection", name)
	for stream.Next(ctx) {
		var change changeDoc
		if err := stream.Decode(&change); err != nil {
			s.logger.Warn("mongo source: undecodable change", "collection", name, "error", err)
			continue
		}
		evt, ok := mapChange(name, change)
		if !ok {
			continue
		}
		if err := s.pub.Publish(ctx, evt); err != nil {
			s.logger.Warn("mongo source: publish failed",
				"collection", name, "event_id", evt.Record["id"], "error", err)
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mongo source: stream %s: %w", name, err)
	}
	return ctx.Err()
}

// changeDoc is the subset of a change stream document this source reads.
type changeDoc struct {
	OperationType            string `bson:"operationType"`
	FullDocument             bson.M `bson:"fullDocument"`
	FullDocumentBeforeChange bson.M `bson:"fullDocumentBeforeChange"`
	DocumentKey              struct {
		ID interface{} `bson:"_id"`
	} `bson:"documentKey"`
}

// mapChange converts a change stream document into a transport event.
// Unhandled operation types (drop, invalidate, ...) and changes without
// a usable document id report ok=false.
func mapChange(resource string, change changeDoc) (transport.ChangeEvent, bool) {
	id := idString(change.DocumentKey.ID)
	if id == "" {
		return transport.ChangeEvent{}, false
	}

	evt := transport.ChangeEvent{
		Resource:  resource,
		Timestamp: time.Now().UnixMilli(),
	}

	switch change.OperationType {
	case "insert":
		evt.Type = transport.EventInsert
		evt.Record = normalizeRecord(change.FullDocument, id)
	case "update", "replace":
		evt.Type = transport.EventUpdate
		evt.Record = normalizeRecord(change.FullDocument, id)
	case "delete":
		evt.Type = transport.EventDelete
		old := change.FullDocumentBeforeChange
		if old == nil {
			// No pre-image configured; the id alone still lets caches
			// drop the entity.
			old = bson.M{}
		}
		evt.OldRecord = normalizeRecord(old, id)
	default:
		return transport.ChangeEvent{}, false
	}
	return evt, true
}

// normalizeRecord flattens a BSON document into the transport record
// shape: "_id" becomes the "id" string every consumer keys on.
func normalizeRecord(doc bson.M, id string) map[string]interface{} {
	record := make(map[string]interface{}, len(doc)+1)
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		record[k] = v
	}
	record["id"] = id
	return record
}

func idString(v interface{}) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case primitive.ObjectID:
		return tv.Hex()
	default:
		return fmt.Sprintf("%v", tv)
	}
}
