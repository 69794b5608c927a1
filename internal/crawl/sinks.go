package crawl

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/product-extractor/internal/crawler"
	"github.com/JakeFAU/product-extractor/internal/product"
	"github.com/JakeFAU/product-extractor/internal/storage/postgres"
)

// RecordSink receives every accepted batch record.
type RecordSink interface {
	Save(ctx context.Context, batchID string, rec product.Record) error
}

// ProductInserter is the write side of postgres.ProductStore.
type ProductInserter interface {
	InsertProduct(ctx context.Context, row postgres.Row) error
}

// StoreSink persists records as product rows.
type StoreSink struct {
	store ProductInserter
	ids   crawler.IDGenerator
	clock crawler.Clock
}

// NewStoreSink wires a store with ID and time sources.
func NewStoreSink(store ProductInserter, ids crawler.IDGenerator, clock crawler.Clock) *StoreSink {
	return &StoreSink{store: store, ids: ids, clock: clock}
}

// Save inserts rec under a fresh row ID.
func (s *StoreSink) Save(ctx context.Context, batchID string, rec product.Record) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate product id: %w", err)
	}
	now := time.Now().UTC()
	if s.clock != nil {
		now = s.clock.Now()
	}
	return s.store.InsertProduct(ctx, postgres.Row{ID: id, BatchID: batchID, Record: rec, ExtractedAt: now})
}

// RecordMessage is the published form of an extracted record.
type RecordMessage struct {
	BatchID  string         `json:"batch_id"`
	Strategy string         `json:"strategy"`
	Product  product.Output `json:"product"`
	SKU      string         `json:"sku,omitempty"`
	Brand    string         `json:"brand,omitempty"`
}

// PublishSink publishes each record to a topic.
type PublishSink struct {
	publisher crawler.Publisher
	topic     string
}

// NewPublishSink wires a publisher and topic.
func NewPublishSink(publisher crawler.Publisher, topic string) *PublishSink {
	return &PublishSink{publisher: publisher, topic: topic}
}

// Save publishes rec.
func (s *PublishSink) Save(ctx context.Context, batchID string, rec product.Record) error {
	msg := RecordMessage{
		BatchID:  batchID,
		Strategy: string(rec.Strategy),
		Product:  rec.Output(),
		SKU:      rec.SKU,
		Brand:    rec.Brand,
	}
	if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
		return fmt.Errorf("publish record: %w", err)
	}
	return nil
}
