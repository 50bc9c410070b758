package stream

import (
	"context"
	"testing"
	"time"

	"civicops.org/internal/inspect"
)

func TestPublishTransitionReachesSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)

	now := time.Now().UTC()
	s.PublishTransition(inspect.Report{
		ID:        "rep-1",
		AssetID:   "asset-1",
		ModuleKey: "twinbin",
		Trail: []inspect.TrailEntry{{
			From: inspect.StatusReviewPending, To: inspect.StatusApproved,
			ActorID: "qc-1", Timestamp: now,
		}},
	})

	select {
	case evt := <-ch:
		if evt.ReportID != "rep-1" || evt.To != inspect.StatusApproved || evt.ActorID != "qc-1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSubscribeClosesOnContextCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestPublishWithoutTrailIsNoop(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)

	s.PublishTransition(inspect.Report{ID: "rep-1"})

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
