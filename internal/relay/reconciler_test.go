package relay

import (
	"context"
	"testing"
	"time"

	"github.com/surgelove/aia-transactions/internal/clock"
	"github.com/surgelove/aia-transactions/internal/keys"
	"github.com/surgelove/aia-transactions/internal/store"
)

func newTestReconciler(t *testing.T, b *testBackend, clk clock.Clock) *Reconciler {
	t.Helper()
	r, err := NewReconciler(ReconcilerConfig{Connector: b.connector(t, clk)})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return r
}

func TestReconcilerPrunesOnlyExpiredMembers(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	b := newTestBackend(clk)
	r := newTestReconciler(t, b, clk)
	ctx := context.Background()

	dead := keys.ForRecord("ORDER_FILL", "1")
	live := keys.ForRecord("ORDER_FILL", "2")
	if err := b.backing.SetWithTTL(ctx, dead, []byte(`{}`), 100*time.Second); err != nil {
		t.Fatalf("seed dead record: %v", err)
	}
	if err := b.backing.SetWithTTL(ctx, live, []byte(`{}`), 500*time.Second); err != nil {
		t.Fatalf("seed live record: %v", err)
	}
	for _, key := range []string{dead, live} {
		if err := b.backing.SetAdd(ctx, keys.Index, key); err != nil {
			t.Fatalf("seed index: %v", err)
		}
	}
	if err := b.backing.Expire(ctx, keys.Index, 600*time.Second); err != nil {
		t.Fatalf("seed index ttl: %v", err)
	}

	clk.Advance(200 * time.Second)

	res := r.Reconcile(ctx)
	if res.Warning != nil {
		t.Fatalf("Reconcile warning: %v", res.Warning)
	}
	if res.Checked != 2 || res.Pruned != 1 {
		t.Fatalf("result = %+v, want checked 2 pruned 1", res)
	}
	members, err := b.backing.SetMembers(ctx, keys.Index)
	if err != nil {
		t.Fatalf("SetMembers: %v", err)
	}
	if len(members) != 1 || members[0] != live {
		t.Fatalf("index members = %v, want only %s", members, live)
	}
	if ok, _ := b.backing.Exists(ctx, live); !ok {
		t.Fatalf("live record removed by reconcile")
	}

	res = r.Reconcile(ctx)
	if res.Pruned != 0 || res.Warning != nil {
		t.Fatalf("second pass = %+v, want nothing left to prune", res)
	}
}

func TestReconcilerEmptyIndexIsNoop(t *testing.T) {
	clk := newImmediateClock()
	b := newTestBackend(clk)
	r := newTestReconciler(t, b, clk)

	res := r.Reconcile(context.Background())
	if res.Checked != 0 || res.Pruned != 0 || res.Warning != nil {
		t.Fatalf("result = %+v, want a clean empty pass", res)
	}
}

func TestReconcilerSwallowsStoreFailures(t *testing.T) {
	t.Run("no connection", func(t *testing.T) {
		b := newTestBackend(newImmediateClock())
		c, err := store.NewConnector(store.ConnectorConfig{Open: b.open})
		if err != nil {
			t.Fatalf("NewConnector: %v", err)
		}
		r, err := NewReconciler(ReconcilerConfig{Connector: c})
		if err != nil {
			t.Fatalf("NewReconciler: %v", err)
		}
		res := r.Reconcile(context.Background())
		if res.Warning == nil {
			t.Fatalf("expected a warning without a connection")
		}
		if res.Checked != 0 || res.Pruned != 0 {
			t.Fatalf("result = %+v, want no activity", res)
		}
	})

	t.Run("store went away", func(t *testing.T) {
		clk := newImmediateClock()
		b := newTestBackend(clk)
		r := newTestReconciler(t, b, clk)
		if err := b.backing.Close(); err != nil {
			t.Fatalf("close backing: %v", err)
		}
		res := r.Reconcile(context.Background())
		if !store.IsUnavailable(res.Warning) {
			t.Fatalf("warning = %v, want unavailable", res.Warning)
		}
	})
}
