package aggregation

import (
	"slices"

	"shipsync/internal/core/entity"
)

type change struct {
	// everAdded sticks once set within a batch: the package entered the cell.
	everAdded bool
	// live is the last operation of the batch on the cell.
	live bool
}

type pkgRef struct {
	tenantID  int64
	packageID int64
}

// delta accumulates membership changes for one batch. It also keeps the live
// cells of every package touched by the batch, seeded from storage and
// updated in memory as changes accumulate, so later events in the same batch
// see the effect of earlier ones.
type delta struct {
	cells map[entity.AggregateKey]map[int64]*change
	live  map[pkgRef]map[entity.AggregateKey]struct{}
	// status is the last status applied to a package in this batch.
	status map[pkgRef]int

	// touched records the keys each event contributed to.
	touched map[int64][]entity.AggregateKey
	current int64
}

func newDelta() *delta {
	return &delta{
		cells:   make(map[entity.AggregateKey]map[int64]*change),
		live:    make(map[pkgRef]map[entity.AggregateKey]struct{}),
		status:  make(map[pkgRef]int),
		touched: make(map[int64][]entity.AggregateKey),
	}
}

// seed installs the stored live cells of a package. Later seeds are ignored.
func (d *delta) seed(tenantID, packageID int64, keys []entity.AggregateKey) {
	ref := pkgRef{tenantID, packageID}
	if _, ok := d.live[ref]; ok {
		return
	}
	set := make(map[entity.AggregateKey]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	d.live[ref] = set
}

func (d *delta) setStatus(tenantID, packageID int64, status int) {
	d.status[pkgRef{tenantID, packageID}] = status
}

func (d *delta) statusOf(tenantID, packageID int64) (int, bool) {
	s, ok := d.status[pkgRef{tenantID, packageID}]
	return s, ok
}

// track attributes subsequent add/remove calls to eventID.
func (d *delta) track(eventID int64) {
	d.current = eventID
	if _, ok := d.touched[eventID]; !ok {
		d.touched[eventID] = nil
	}
}

func (d *delta) cell(key entity.AggregateKey, packageID int64) *change {
	pkgs, ok := d.cells[key]
	if !ok {
		pkgs = make(map[int64]*change)
		d.cells[key] = pkgs
	}
	c, ok := pkgs[packageID]
	if !ok {
		c = &change{}
		pkgs[packageID] = c
	}
	d.touched[d.current] = append(d.touched[d.current], key)
	return c
}

func (d *delta) liveSet(key entity.AggregateKey, packageID int64) map[entity.AggregateKey]struct{} {
	ref := pkgRef{key.TenantID, packageID}
	set, ok := d.live[ref]
	if !ok {
		set = make(map[entity.AggregateKey]struct{})
		d.live[ref] = set
	}
	return set
}

func (d *delta) add(key entity.AggregateKey, packageID int64) {
	c := d.cell(key, packageID)
	c.everAdded = true
	c.live = true
	d.liveSet(key, packageID)[key] = struct{}{}
}

func (d *delta) remove(key entity.AggregateKey, packageID int64) {
	c := d.cell(key, packageID)
	c.live = false
	delete(d.liveSet(key, packageID), key)
}

// liveKeys returns the cells where the package is currently live, sorted.
func (d *delta) liveKeys(tenantID, packageID int64) []entity.AggregateKey {
	set := d.live[pkgRef{tenantID, packageID}]
	keys := make([]entity.AggregateKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, entity.CompareKeys)
	return keys
}

// keys returns every touched cell in a stable order.
func (d *delta) keys() []entity.AggregateKey {
	keys := make([]entity.AggregateKey, 0, len(d.cells))
	for k := range d.cells {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, entity.CompareKeys)
	return keys
}

// memberships returns the desired state of each package in key.
func (d *delta) memberships(key entity.AggregateKey) []entity.Membership {
	pkgs := d.cells[key]
	out := make([]entity.Membership, 0, len(pkgs))
	for pkg, c := range pkgs {
		out = append(out, entity.Membership{PackageID: pkg, Historical: c.everAdded, Live: c.live})
	}
	slices.SortFunc(out, func(a, b entity.Membership) int {
		switch {
		case a.PackageID < b.PackageID:
			return -1
		case a.PackageID > b.PackageID:
			return 1
		}
		return 0
	})
	return out
}

// eventKeys returns the distinct keys an event contributed to.
func (d *delta) eventKeys(eventID int64) []entity.AggregateKey {
	keys := slices.Clone(d.touched[eventID])
	slices.SortFunc(keys, entity.CompareKeys)
	return slices.Compact(keys)
}
