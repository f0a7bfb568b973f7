package escalation_test

import (
	"context"
	"testing"
	"time"

	"github.com/dobrevit/captcha-gate/pkg/escalation"
)

func TestMemoryStoreLookupPrecedence(t *testing.T) {
	store := escalation.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	// Seed a Tier1 record, then promote it through Apply and check the
	// higher tier wins the lookup.
	_, err := store.Apply(ctx, "10.1.1.1", func(cur *escalation.Record) (*escalation.Record, error) {
		return &escalation.Record{
			IP:          "10.1.1.1",
			Tier:        escalation.Tier1,
			Code:        "AAAA",
			BannedUntil: now.Add(time.Hour),
			CreatedAt:   now,
			UpdatedAt:   now,
		}, nil
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	_, err = store.Apply(ctx, "10.1.1.1", func(cur *escalation.Record) (*escalation.Record, error) {
		if cur == nil || cur.Tier != escalation.Tier1 {
			t.Fatalf("Expected current Tier1 record, got %+v", cur)
		}
		return &escalation.Record{
			IP:          "10.1.1.1",
			Tier:        escalation.Tier3,
			Code:        "BBBB",
			BannedUntil: now.Add(2 * time.Hour),
			CreatedAt:   cur.CreatedAt,
			UpdatedAt:   now,
		}, nil
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	rec, err := store.Lookup(ctx, "10.1.1.1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if rec == nil || rec.Tier != escalation.Tier3 {
		t.Errorf("Expected Tier3 record, got %+v", rec)
	}
	if rec.Code != "BBBB" {
		t.Errorf("Expected promoted code, got %s", rec.Code)
	}
}

func TestMemoryStoreExpiredRecordIgnored(t *testing.T) {
	store := escalation.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_, err := store.Apply(ctx, "10.1.1.2", func(cur *escalation.Record) (*escalation.Record, error) {
		return &escalation.Record{
			IP:          "10.1.1.2",
			Tier:        escalation.Tier2,
			Code:        "CCCC",
			BannedUntil: now.Add(-time.Minute),
			CreatedAt:   now.Add(-time.Hour),
			UpdatedAt:   now.Add(-time.Hour),
		}, nil
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	rec, err := store.Lookup(ctx, "10.1.1.2")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if rec != nil {
		t.Errorf("Expired record must not surface, got %+v", rec)
	}

	// Apply must also see nil, so escalation memory is reset.
	_, err = store.Apply(ctx, "10.1.1.2", func(cur *escalation.Record) (*escalation.Record, error) {
		if cur != nil {
			t.Errorf("Expected nil current record for expired ban, got %+v", cur)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
}

func TestMemoryStorePermanentRecordHasNoExpiry(t *testing.T) {
	store := escalation.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_, err := store.Apply(ctx, "10.1.1.3", func(cur *escalation.Record) (*escalation.Record, error) {
		return &escalation.Record{
			IP:        "10.1.1.3",
			Tier:      escalation.TierPermanent,
			Code:      "DDDD",
			CreatedAt: now,
			UpdatedAt: now,
		}, nil
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	rec, err := store.Lookup(ctx, "10.1.1.3")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if rec == nil || rec.Tier != escalation.TierPermanent {
		t.Fatalf("Expected permanent record, got %+v", rec)
	}
	if !rec.Active(now.Add(1000 * time.Hour)) {
		t.Error("Permanent record must stay active forever")
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	store := escalation.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	seed := func(ip string, tier escalation.Tier, until time.Time) {
		_, err := store.Apply(ctx, ip, func(cur *escalation.Record) (*escalation.Record, error) {
			return &escalation.Record{IP: ip, Tier: tier, Code: "X", BannedUntil: until, CreatedAt: now, UpdatedAt: now}, nil
		})
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
	}

	seed("10.2.0.1", escalation.Tier1, now.Add(-time.Minute))
	seed("10.2.0.2", escalation.Tier1, now.Add(time.Hour))
	seed("10.2.0.3", escalation.TierPermanent, time.Time{})

	if err := store.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.BackendType != "memory" {
		t.Errorf("Expected memory backend type, got %s", stats.BackendType)
	}
	if stats.ByTier["tier1"] != 1 {
		t.Errorf("Expected 1 live tier1 record after sweep, got %d", stats.ByTier["tier1"])
	}
	if stats.ByTier["permanent"] != 1 {
		t.Errorf("Sweep must never remove permanent records, got %d", stats.ByTier["permanent"])
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := escalation.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_, err := store.Apply(ctx, "10.3.0.1", func(cur *escalation.Record) (*escalation.Record, error) {
		return &escalation.Record{IP: "10.3.0.1", Tier: escalation.TierPermanent, Code: "E", CreatedAt: now, UpdatedAt: now}, nil
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if err := store.Delete(ctx, "10.3.0.1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	rec, err := store.Lookup(ctx, "10.3.0.1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if rec != nil {
		t.Errorf("Expected record removed, got %+v", rec)
	}
}

// TestMemoryStoreApplySerializedAcrossSweep holds one Apply inside its
// callback for an IP with no stored record, sweeps, and checks a second
// Apply for the same IP still waits for the first instead of running under
// a freshly minted lock.
func TestMemoryStoreApplySerializedAcrossSweep(t *testing.T) {
	store := escalation.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	ip := "10.5.0.1"

	entered := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, err := store.Apply(ctx, ip, func(cur *escalation.Record) (*escalation.Record, error) {
			close(entered)
			<-release
			return &escalation.Record{IP: ip, Tier: escalation.Tier1, Code: "FIRST", BannedUntil: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now}, nil
		})
		if err != nil {
			t.Errorf("First Apply failed: %v", err)
		}
	}()

	<-entered
	// The IP has nothing stored yet; a sweep here must leave the in-flight
	// Apply's serialization intact.
	if err := store.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		_, err := store.Apply(ctx, ip, func(cur *escalation.Record) (*escalation.Record, error) {
			if cur == nil || cur.Code != "FIRST" {
				t.Errorf("Second Apply must observe the first write, got %+v", cur)
			}
			return nil, nil
		})
		if err != nil {
			t.Errorf("Second Apply failed: %v", err)
		}
	}()

	select {
	case <-secondDone:
		t.Fatal("Second Apply completed while the first was still inside its callback")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-firstDone
	<-secondDone
}

func TestMemoryStoreApplyNoChange(t *testing.T) {
	store := escalation.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_, err := store.Apply(ctx, "10.4.0.1", func(cur *escalation.Record) (*escalation.Record, error) {
		return &escalation.Record{IP: "10.4.0.1", Tier: escalation.Tier1, Code: "F", BannedUntil: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now}, nil
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	rec, err := store.Apply(ctx, "10.4.0.1", func(cur *escalation.Record) (*escalation.Record, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if rec == nil || rec.Code != "F" {
		t.Errorf("No-change Apply must return the existing record, got %+v", rec)
	}
}
