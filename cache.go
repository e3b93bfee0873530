package namedsql

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/cespare/xxhash/v2"
	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"
)

// PlanKind distinguishes bind plans from extract plans.
type PlanKind uint8

const (
	BindPlanKind PlanKind = iota + 1
	ExtractPlanKind
)

func (k PlanKind) String() string {
	if k == BindPlanKind {
		return "bind"
	}

	return "extract"
}

// CacheKey identifies a plan.
type CacheKey struct {
	Kind        PlanKind
	Target      reflect.Type
	Fingerprint uint64
	Config      uint64
}

// PlanEvent is reported to Config.OnPlan whenever a plan is built.
type PlanEvent struct {
	Kind        PlanKind
	Target      reflect.Type
	Fingerprint uint64
}

// PlanCache memoizes bind and extract plans. Entries never expire. A cache
// may be shared by several engines; the configuration id in the key keeps
// their plans apart. It is safe for concurrent use.
type PlanCache struct {
	plans *otter.Cache[CacheKey, any]
	group singleflight.Group
}

// NewPlanCache returns an empty, unbounded plan cache.
func NewPlanCache() *PlanCache {
	return &PlanCache{
		plans: otter.Must(&otter.Options[CacheKey, any]{
			InitialCapacity: 64,
		}),
	}
}

// Len returns the number of cached plans.
func (c *PlanCache) Len() int {
	return c.plans.EstimatedSize()
}

// get returns the plan stored under key, building it on a miss. Concurrent
// misses on one key share a single build.
func (c *PlanCache) get(key CacheKey, build func() (any, error)) (any, error) {
	if plan, ok := c.plans.GetIfPresent(key); ok {
		return plan, nil
	}

	plan, err, _ := c.group.Do(fmt.Sprintf("%d/%p/%x/%d", key.Kind, key.Target, key.Fingerprint, key.Config), func() (any, error) {
		if plan, ok := c.plans.GetIfPresent(key); ok {
			return plan, nil
		}

		plan, err := build()
		if err != nil {
			return nil, err
		}

		c.plans.Set(key, plan)

		return plan, nil
	})

	return plan, err
}

func bindFingerprint(pm *ParameterMap) uint64 {
	d := xxhash.New()

	var buf [8]byte

	for _, p := range pm.params {
		_, _ = d.WriteString(p.Name)

		for _, pos := range p.Positions {
			binary.LittleEndian.PutUint64(buf[:], uint64(pos))
			_, _ = d.Write(buf[:])
		}

		_, _ = d.Write([]byte{0})
	}

	return d.Sum64()
}

func extractFingerprint(columns []Column) uint64 {
	d := xxhash.New()

	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], uint64(len(columns)))
	_, _ = d.Write(buf[:])

	for _, col := range columns {
		_, _ = d.WriteString(col.TypeName)
		_, _ = d.Write([]byte{0})
	}

	return d.Sum64()
}
