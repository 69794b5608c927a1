package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/product-extractor/internal/progress"
	"github.com/JakeFAU/product-extractor/internal/publisher/memory"
)

func batchEvents(ts time.Time) []progress.Event {
	return []progress.Event{
		{BatchID: "b", TS: ts, Stage: progress.StageBatchStart, Total: 3},
		{BatchID: "b", TS: ts, Stage: progress.StagePageDone, URL: "https://shop.vn/1"},
		{BatchID: "b", TS: ts, Stage: progress.StageRecord, URL: "https://shop.vn/1", Strategy: "html"},
		{BatchID: "b", TS: ts, Stage: progress.StagePageSkipped, URL: "https://shop.vn/2", Note: "empty"},
		{BatchID: "b", TS: ts.Add(time.Second), Stage: progress.StageBatchDone, Total: 1},
	}
}

func TestTrackerSummarizesBatch(t *testing.T) {
	t.Parallel()

	tracker, err := NewTracker(0)
	require.NoError(t, err)
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, tracker.Consume(context.Background(), batchEvents(ts)))

	st, ok := tracker.Get("b")
	require.True(t, ok)
	assert.Equal(t, BatchDone, st.State)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Pages)
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, 1, st.Records)
	assert.Equal(t, ts, st.StartedAt)
	require.NotNil(t, st.FinishedAt)
	assert.Equal(t, ts.Add(time.Second), *st.FinishedAt)

	_, ok = tracker.Get("missing")
	assert.False(t, ok)
}

func TestTrackerRecordsErrors(t *testing.T) {
	t.Parallel()

	tracker, err := NewTracker(1)
	require.NoError(t, err)
	ts := time.Now()
	require.NoError(t, tracker.Consume(context.Background(), []progress.Event{
		{BatchID: "a", TS: ts, Stage: progress.StageBatchStart},
		{BatchID: "a", TS: ts, Stage: progress.StageBatchError, Note: "schema unavailable"},
		{BatchID: "c", TS: ts, Stage: progress.StageBatchStart},
	}))

	_, ok := tracker.Get("a")
	assert.False(t, ok, "evicted by size 1")
	st, ok := tracker.Get("c")
	require.True(t, ok)
	assert.Equal(t, BatchRunning, st.State)
}

func TestPublishSinkForwardsBatchEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "progress")
	require.NoError(t, sink.Consume(context.Background(), batchEvents(time.Unix(0, 0))))

	msgs := pub.Topic("progress")
	require.Len(t, msgs, 2)
	var first progress.Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &first))
	assert.Equal(t, progress.StageBatchStart, first.Stage)
	assert.Equal(t, 3, first.Total)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("unavailable")
}

func TestPublishSinkReturnsErrors(t *testing.T) {
	t.Parallel()

	sink := NewPublishSink(failingPublisher{}, "progress")
	err := sink.Consume(context.Background(), batchEvents(time.Now()))
	assert.ErrorContains(t, err, "unavailable")
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), batchEvents(time.Now())))
	assert.Equal(t, 5, logs.Len())
	assert.Equal(t, 2, logs.FilterLevelExact(zap.InfoLevel).Len())
}
