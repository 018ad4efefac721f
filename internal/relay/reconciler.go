package relay

import (
	"context"
	"fmt"

	"pkt.systems/pslog"

	"github.com/surgelove/aia-transactions/internal/keys"
	"github.com/surgelove/aia-transactions/internal/store"
)

// ReconcilerConfig wires a Reconciler to the store connector.
type ReconcilerConfig struct {
	// Connector owns the store connection. Required.
	Connector *store.Connector
	// Logger defaults to a noop logger.
	Logger pslog.Logger
}

// ReconcileResult reports one advisory pass. Warning carries a swallowed
// store failure; it is informational and never fatal.
type ReconcileResult struct {
	Checked int
	Pruned  int
	Warning error
}

// Reconciler prunes index entries whose backing record already expired. It
// never deletes or extends record lifetimes, only removes stale references.
type Reconciler struct {
	cfg     ReconcilerConfig
	metrics *reconcilerMetrics
}

// NewReconciler validates cfg and builds a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Connector == nil {
		return nil, fmt.Errorf("relay: reconciler requires a connector")
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	r := &Reconciler{cfg: cfg}
	r.metrics = newReconcilerMetrics(cfg.Logger)
	return r, nil
}

// Reconcile enumerates the index, checks each member for continued
// existence and removes the dead ones. Store failures abort the pass and
// are reported as a warning; the next cycle simply tries again.
func (r *Reconciler) Reconcile(ctx context.Context) ReconcileResult {
	res := r.pass(ctx)
	if res.Warning != nil {
		r.cfg.Logger.Warn("relay.reconciler.pass_skipped", "error", res.Warning)
		return res
	}
	if res.Pruned > 0 {
		r.metrics.addPruned(ctx, res.Pruned)
		r.cfg.Logger.Debug("relay.reconciler.pruned",
			"checked", res.Checked,
			"pruned", res.Pruned)
	}
	return res
}

func (r *Reconciler) pass(ctx context.Context) ReconcileResult {
	st, err := r.cfg.Connector.Current()
	if err != nil {
		return ReconcileResult{Warning: err}
	}
	members, err := st.SetMembers(ctx, keys.Index)
	if err != nil {
		return ReconcileResult{Warning: err}
	}
	res := ReconcileResult{Checked: len(members)}
	var dead []string
	for _, key := range members {
		ok, err := st.Exists(ctx, key)
		if err != nil {
			res.Warning = err
			return res
		}
		if !ok {
			dead = append(dead, key)
		}
	}
	if len(dead) == 0 {
		return res
	}
	if err := st.SetRemove(ctx, keys.Index, dead...); err != nil {
		res.Warning = err
		return res
	}
	res.Pruned = len(dead)
	return res
}
