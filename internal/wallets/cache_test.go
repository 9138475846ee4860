package wallets

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/walltrack/walltrack-engine/pkg/models"
)

type fakeSource struct {
	entries []models.WalletEntry
	err     error
	loads   int
}

func (f *fakeSource) LoadWallets(ctx context.Context) ([]models.WalletEntry, error) {
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func TestWarmup_PopulatesHotSets(t *testing.T) {
	src := &fakeSource{entries: []models.WalletEntry{
		{Address: "alpha", IsMonitored: true, WinRate: 0.7},
		{Address: "bravo", IsMonitored: true},
		{Address: "mallory", IsBlacklisted: true},
	}}
	c := NewCache(src, 0)

	if c.Initialized() {
		t.Fatalf("cache must report uninitialized before warmup")
	}
	if err := c.Warmup(context.Background()); err != nil {
		t.Fatalf("warmup failed: %v", err)
	}

	if !c.Initialized() || c.MonitoredCount() != 2 || c.BlacklistedCount() != 1 {
		t.Fatalf("hot sets wrong: monitored=%d blacklisted=%d", c.MonitoredCount(), c.BlacklistedCount())
	}
	if !c.IsMonitored("alpha") || c.IsMonitored("mallory") {
		t.Fatalf("membership lookups wrong")
	}

	entry, hit := c.Get("alpha")
	if !hit || entry.WinRate != 0.7 {
		t.Fatalf("expected warm hit with full entry, got hit=%v %+v", hit, entry)
	}
}

func TestWarmup_FailurePropagates(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	c := NewCache(src, 0)

	if err := c.Warmup(context.Background()); err == nil {
		t.Fatalf("warmup must surface source failures")
	}
	if c.Initialized() {
		t.Fatalf("failed warmup must leave the cache uninitialized")
	}
}

func TestGet_BlacklistPrecedence(t *testing.T) {
	src := &fakeSource{entries: []models.WalletEntry{
		// Address is both monitored and blacklisted; blacklist must win.
		{Address: "janus", IsMonitored: true, IsBlacklisted: true},
	}}
	c := NewCache(src, 0)
	_ = c.Warmup(context.Background())

	entry, _ := c.Get("janus")
	if !entry.IsBlacklisted {
		t.Fatalf("blacklist must take precedence, got %+v", entry)
	}
	if !c.IsBlacklisted("janus") {
		t.Fatalf("hot set must report blacklisted")
	}
}

func TestGet_UnknownAddressMiss(t *testing.T) {
	c := NewCache(&fakeSource{}, 0)
	_ = c.Warmup(context.Background())

	entry, hit := c.Get("stranger")
	if hit {
		t.Fatalf("unknown address must be a miss")
	}
	if entry.IsMonitored || entry.IsBlacklisted {
		t.Fatalf("unknown address must resolve to no membership, got %+v", entry)
	}
}

func TestPut_UpdatesMembership(t *testing.T) {
	c := NewCache(nil, 0)

	c.Put(models.WalletEntry{Address: "alpha", IsMonitored: true})
	if !c.IsMonitored("alpha") {
		t.Fatalf("put must add to the monitored set")
	}

	c.Put(models.WalletEntry{Address: "alpha", IsMonitored: false, IsBlacklisted: true})
	if c.IsMonitored("alpha") || !c.IsBlacklisted("alpha") {
		t.Fatalf("put must move the address between hot sets")
	}
}

func TestApplyMembership_MergesClusterData(t *testing.T) {
	c := NewCache(nil, 0)
	c.Put(models.WalletEntry{Address: "alpha", IsMonitored: true})

	c.ApplyMembership("alpha", "cluster-7", true, 1.6)

	entry, _ := c.Get("alpha")
	if entry.ClusterID != "cluster-7" || !entry.IsClusterLeader || entry.Amplification != 1.6 {
		t.Fatalf("cluster membership not merged: %+v", entry)
	}
}

func TestLRU_EvictsBeyondMaxSize(t *testing.T) {
	c := NewCache(nil, 3)
	for i := 0; i < 5; i++ {
		c.Put(models.WalletEntry{Address: fmt.Sprintf("w-%d", i), IsMonitored: true})
	}

	if c.Size() != 3 {
		t.Fatalf("LRU must cap at 3 entries, got %d", c.Size())
	}
	// The hot sets are not LRU-bounded: membership survives eviction.
	if !c.IsMonitored("w-0") {
		t.Fatalf("membership set must survive LRU eviction")
	}
}

func TestRefresh_FailureKeepsPreviousSnapshot(t *testing.T) {
	src := &fakeSource{entries: []models.WalletEntry{{Address: "alpha", IsMonitored: true}}}
	c := NewCache(src, 0)
	_ = c.Warmup(context.Background())

	src.err = errors.New("transient")
	if err := c.refresh(context.Background()); err == nil {
		t.Fatalf("refresh must report the failure")
	}
	if !c.IsMonitored("alpha") {
		t.Fatalf("failed refresh must keep the previous membership snapshot")
	}
}
