package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iv-ingestion/ingest/store"
	"github.com/iv-ingestion/ingest/types"
)

func newSubscription(id string, mut func(*types.Subscription)) *types.Subscription {
	sub := &types.Subscription{
		ID:          id,
		Tenant:      "tenant-1",
		URL:         "https://example.com/hooks",
		Events:      []string{"processing.*"},
		Secret:      "whsec_test",
		Description: "test hook",
		Active:      true,
		CreatedAt:   base,
	}
	if mut != nil {
		mut(sub)
	}
	return sub
}

func TestSubscriptionCRUD(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	sub := newSubscription("sub-1", nil)
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetSubscription(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.URL != sub.URL || got.Secret != "whsec_test" || !got.Active {
		t.Errorf("got = %+v", got)
	}
	if len(got.Events) != 1 || got.Events[0] != "processing.*" {
		t.Errorf("events = %v", got.Events)
	}

	got.URL = "https://example.com/hooks/v2"
	got.Events = []string{"processing.completed", "inspection.*"}
	got.Active = false
	if err := s.UpdateSubscription(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = s.GetSubscription(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.URL != "https://example.com/hooks/v2" || got.Active || len(got.Events) != 2 {
		t.Errorf("after update = %+v", got)
	}

	if err := s.DeleteSubscription(ctx, "sub-1", base.Add(time.Hour)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetSubscription(ctx, "sub-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get after delete err = %v, want ErrNotFound", err)
	}
	if all, err := s.ListSubscriptions(ctx, "tenant-1"); err != nil || len(all) != 0 {
		t.Fatalf("list after delete = %v, %v, want empty", all, err)
	}
	if err := s.DeleteSubscription(ctx, "sub-1", base.Add(2*time.Hour)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
	if err := s.UpdateSubscription(ctx, got); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update after delete err = %v, want ErrNotFound", err)
	}
}

func TestUpdateMissingSubscription(t *testing.T) {
	s := openStore(t)
	err := s.UpdateSubscription(context.Background(), newSubscription("nope", nil))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestActiveSubscriptions(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.CreateSubscription(ctx, newSubscription("sub-on", nil)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateSubscription(ctx, newSubscription("sub-off", func(sub *types.Subscription) {
		sub.Active = false
	})); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateSubscription(ctx, newSubscription("sub-other", func(sub *types.Subscription) {
		sub.Tenant = "tenant-2"
	})); err != nil {
		t.Fatalf("create: %v", err)
	}

	active, err := s.ActiveSubscriptions(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 || active[0].ID != "sub-on" {
		t.Errorf("active = %+v, want only sub-on", active)
	}

	all, err := s.ListSubscriptions(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("list = %d subscriptions, want 2", len(all))
	}

	// Fan-out candidates ignore tenant boundaries.
	global, err := s.AllActiveSubscriptions(ctx)
	if err != nil {
		t.Fatalf("all active: %v", err)
	}
	if len(global) != 2 {
		t.Errorf("all active = %d subscriptions, want 2", len(global))
	}
}

func TestCreateSubscriptionDefaultsEvents(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.CreateSubscription(ctx, newSubscription("sub-1", func(sub *types.Subscription) {
		sub.Events = nil
	})); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetSubscription(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Events) != 1 || got.Events[0] != "*" {
		t.Errorf("events = %v, want [*]", got.Events)
	}
}

func TestRecordDelivery(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.CreateSubscription(ctx, newSubscription("sub-1", nil)); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := base.Add(time.Minute)
	if err := s.RecordDelivery(ctx, "sub-1", true, at); err != nil {
		t.Fatalf("record delivered: %v", err)
	}
	if err := s.RecordDelivery(ctx, "sub-1", false, at.Add(time.Minute)); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	got, err := s.GetSubscription(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TotalDeliveries != 2 || got.Succeeded != 1 || got.Failed != 1 {
		t.Errorf("counters = %d/%d/%d, want 2/1/1",
			got.TotalDeliveries, got.Succeeded, got.Failed)
	}
	if got.LastTriggeredAt == nil || !got.LastTriggeredAt.Equal(at.Add(time.Minute)) {
		t.Errorf("last_triggered_at = %v", got.LastTriggeredAt)
	}

	// Recording against a deleted subscription is a quiet no-op.
	if err := s.RecordDelivery(ctx, "gone", true, at); err != nil {
		t.Fatalf("record on missing: %v", err)
	}
}
