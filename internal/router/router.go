// Package router maps task categories and complexities to worker pools.
// Routing is a pure function with no I/O so the policy can change without
// touching any scheduling invariant.
package router

import (
	"strings"

	"github.com/klowery/stagehand/pkg/models"
)

// DefaultPool receives every task whose category has no explicit mapping.
// Routing is total: an unrecognized category is never an error.
const DefaultPool = "general"

// defaultTable is the built-in category to pool mapping. Config can
// override it per project.
var defaultTable = map[string]string{
	"backend":  "backend",
	"frontend": "frontend",
	"testing":  "testing",
	"docs":     "docs",
	"infra":    "infra",
	"security": "infra",
	"database": "backend",
}

// Assignment is the routing result for a single task.
type Assignment struct {
	PoolID string
	Tier   models.Tier
}

// Router resolves categories to pools using a fixed table.
type Router struct {
	table map[string]string
}

// New creates a Router with the built-in routing table.
func New() *Router {
	return NewWithTable(nil)
}

// NewWithTable creates a Router whose table overrides the built-in
// mapping. Entries from the built-in table remain for categories the
// override does not name.
func NewWithTable(overrides map[string]string) *Router {
	table := make(map[string]string, len(defaultTable)+len(overrides))
	for k, v := range defaultTable {
		table[k] = v
	}
	for k, v := range overrides {
		table[normalize(k)] = v
	}
	return &Router{table: table}
}

// Route maps a category and complexity to a pool assignment. Every input
// maps to a pool; unknown categories land in DefaultPool.
func (r *Router) Route(category string, complexity models.Complexity) Assignment {
	pool, ok := r.table[normalize(category)]
	if !ok {
		pool = DefaultPool
	}
	return Assignment{
		PoolID: pool,
		Tier:   models.TierFor(complexity),
	}
}

// Pools returns the distinct pool IDs the router can assign, including
// the default pool. Used to validate pool concurrency configuration.
func (r *Router) Pools() []string {
	seen := map[string]bool{DefaultPool: true}
	pools := []string{DefaultPool}
	for _, pool := range r.table {
		if !seen[pool] {
			seen[pool] = true
			pools = append(pools, pool)
		}
	}
	return pools
}

func normalize(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}
