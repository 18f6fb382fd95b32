// Package config defines the key/value configuration store contract the
// transcode supervisor reads its templates, rules, and tunables from, plus
// two implementations: an environment-backed store for local use and a
// Postgres-backed store for shared deployments.
package config

import "context"

// Store is the key/value configuration backend the supervisor assumes is
// already running. Keys follow spec.md §6: "transcode.*" tunables,
// "templates.<name>" template bodies, "rules.<app glob>[/<stream glob>]"
// rule bodies.
type Store interface {
	// Get returns the raw value for key, or ok=false if it is unset.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Keys returns every key with the given prefix, in unspecified order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
