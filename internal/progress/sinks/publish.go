package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/product-extractor/internal/crawler"
	"github.com/JakeFAU/product-extractor/internal/progress"
)

// PublishSink forwards batch-level events (start, done, error) to a topic.
// Page and record events stay local; records are published on their own.
type PublishSink struct {
	publisher crawler.Publisher
	topic     string
}

// NewPublishSink wires a publisher and topic.
func NewPublishSink(publisher crawler.Publisher, topic string) *PublishSink {
	return &PublishSink{publisher: publisher, topic: topic}
}

// Consume publishes each batch-level event and stops at the first failure.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageBatchStart, progress.StageBatchDone, progress.StageBatchError:
		default:
			continue
		}
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			return fmt.Errorf("publish %s for batch %s: %w", evt.Stage, evt.BatchID, err)
		}
	}
	return nil
}

// Close is a no-op; the publisher is owned by the caller.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
