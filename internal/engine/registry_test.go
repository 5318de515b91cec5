package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/atmx/options-amm/internal/model"
	"github.com/atmx/options-amm/internal/store"
)

// sharedStores hands out one MemoryStore per pool ID, standing in for a
// persistent backend that outlives a registry.
type sharedStores map[string]*store.MemoryStore

func (s sharedStores) factory(poolID string) (store.Store, error) {
	if _, ok := s[poolID]; !ok {
		s[poolID] = store.NewMemoryStore()
	}
	return s[poolID], nil
}

func TestRegistry_LookupDoesNotCreate(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(sharedStores{}.factory, DefaultConfig())

	e, ok, err := reg.Lookup(ctx, "ghost")
	if err != nil || ok {
		t.Fatalf("Lookup(ghost) = %v, %v; want not found", ok, err)
	}
	v, err := e.PoolBalance(ctx, model.Call)
	if err != nil || !v.IsZero() {
		t.Errorf("unknown pool reserve = %s, %v", v, err)
	}
	if ids := reg.Pools(); len(ids) != 0 {
		t.Errorf("Pools = %v after lookups only", ids)
	}

	created, err := reg.Pool("ghost")
	if err != nil {
		t.Fatal(err)
	}
	mustInit(t, created)
	e, ok, err = reg.Lookup(ctx, "ghost")
	if err != nil || !ok || e != created {
		t.Fatalf("Lookup after Pool = %p, %v, %v", e, ok, err)
	}
}

func TestRegistry_LookupLoadsPersistedPool(t *testing.T) {
	ctx := context.Background()
	stores := sharedStores{}

	first := NewRegistry(stores.factory, DefaultConfig())
	e, err := first.Pool("kept")
	if err != nil {
		t.Fatal(err)
	}
	mustDeposit(t, e, 1, "3", "4")

	// A fresh registry over the same backend sees the pool on read.
	second := NewRegistry(stores.factory, DefaultConfig())
	e, ok, err := second.Lookup(ctx, "kept")
	if err != nil || !ok {
		t.Fatalf("Lookup(kept) = %v, %v", ok, err)
	}
	expectPool(t, e, model.Put, "4")
	if ids := second.Pools(); len(ids) != 1 || ids[0] != "kept" {
		t.Errorf("Pools = %v", ids)
	}
}

func TestRegistry_RejectsInvalidIDs(t *testing.T) {
	reg := NewRegistry(sharedStores{}.factory, DefaultConfig())
	for _, id := range []string{"", "a/b", "al.pha", string(make([]byte, 65))} {
		if _, err := reg.Pool(id); !errors.Is(err, ErrInvalidPoolID) {
			t.Errorf("Pool(%q) = %v, want ErrInvalidPoolID", id, err)
		}
		if _, _, err := reg.Lookup(context.Background(), id); !errors.Is(err, ErrInvalidPoolID) {
			t.Errorf("Lookup(%q) = %v, want ErrInvalidPoolID", id, err)
		}
	}
}
