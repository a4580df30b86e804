// Package memstore is an in-memory tile store with an orb-based geometry
// engine. Transactions run concurrently: each keeps its clears and writes
// private and applies them to the shared table on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/osm"

	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/tiles"
)

// Changeset is a changeset as seeded into the store
type Changeset struct {
	ID        osm.ChangesetID
	CreatedAt time.Time
	Edits     []changeset.Edit
}

// Store implements changeset.Store, SummaryStore and Reader in memory
type Store struct {
	Engine *Engine

	mu         sync.Mutex
	changesets map[osm.ChangesetID]*Changeset
	tiles      map[changeset.Key]changeset.Tile
	summary    map[tiles.Tile]changeset.Summary

	Writes  atomic.Int64 // successful WriteTile calls
	Commits atomic.Int64
}

var (
	_ changeset.Store        = (*Store)(nil)
	_ changeset.SummaryStore = (*Store)(nil)
	_ changeset.Reader       = (*Store)(nil)
)

// New creates an empty store
func New() *Store {
	return &Store{
		Engine:     &Engine{},
		changesets: make(map[osm.ChangesetID]*Changeset),
		tiles:      make(map[changeset.Key]changeset.Tile),
		summary:    make(map[tiles.Tile]changeset.Summary),
	}
}

// AddChangeset seeds a changeset and its edits
func (s *Store) AddChangeset(id osm.ChangesetID, createdAt time.Time, edits ...changeset.Edit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changesets[id] = &Changeset{ID: id, CreatedAt: createdAt, Edits: edits}
}

// PutTile stores a committed tile row directly, replacing any existing one
func (s *Store) PutTile(t changeset.Tile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiles[t.Key()] = t
}

// Tiles returns all committed tile rows ordered by changeset and tile
func (s *Store) Tiles() []changeset.Tile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedTiles(s.tiles, func(changeset.Tile) bool { return true })
}

// Begin starts a transaction
func (s *Store) Begin(ctx context.Context) (changeset.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{
		Engine:  s.Engine,
		s:       s,
		cleared: make(map[scope]bool),
		written: make(map[changeset.Key]changeset.Tile),
	}, nil
}

// SelectChangesets returns changesets with geometry in id order
func (s *Store) SelectChangesets(ctx context.Context, retile bool, limit int) ([]osm.ChangesetID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tiled := make(map[osm.ChangesetID]bool)
	for k := range s.tiles {
		tiled[k.ChangesetID] = true
	}

	var ids []osm.ChangesetID
	for id, cs := range s.changesets {
		if !hasGeometry(cs) {
			continue
		}
		if !retile && tiled[id] {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func hasGeometry(cs *Changeset) bool {
	for _, e := range cs.Edits {
		if !changeset.IsEmpty(e.Geom) || !changeset.IsEmpty(e.PrevGeom) {
			return true
		}
	}
	return false
}

// AggregateSummary counts distinct changesets per cell from committed tiles
func (s *Store) AggregateSummary(ctx context.Context, zoom, sourceZoom, xMin, xMax int) ([]changeset.Summary, error) {
	if zoom > sourceZoom {
		return nil, fmt.Errorf("summary zoom %d finer than source zoom %d", zoom, sourceZoom)
	}

	cells := make(map[tiles.Tile]map[osm.ChangesetID]time.Time)

	s.mu.Lock()
	for _, t := range s.tiles {
		if t.Z != sourceZoom {
			continue
		}
		cell := t.Ancestor(zoom)
		if cell.X < xMin || cell.X >= xMax {
			continue
		}
		m := cells[cell]
		if m == nil {
			m = make(map[osm.ChangesetID]time.Time)
			cells[cell] = m
		}
		if prev, ok := m[t.ChangesetID]; !ok || t.Tstamp.After(prev) {
			m[t.ChangesetID] = t.Tstamp
		}
	}
	s.mu.Unlock()

	out := make([]changeset.Summary, 0, len(cells))
	for cell, m := range cells {
		sum := changeset.Summary{Tile: cell, NumChangesets: len(m)}
		var best time.Time
		for id, ts := range m {
			if sum.LatestChangesetID == 0 || ts.After(best) || (ts.Equal(best) && id > sum.LatestChangesetID) {
				sum.LatestChangesetID = id
				best = ts
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tile.Less(out[j].Tile) })
	return out, nil
}

// ReplaceSummary swaps the rows at zoom for rows. Nothing changes when any
// row is rejected.
func (s *Store) ReplaceSummary(ctx context.Context, zoom int, rows []changeset.Summary) (int64, error) {
	next := make(map[tiles.Tile]changeset.Summary, len(rows))
	for _, r := range rows {
		if r.Z != zoom {
			return 0, fmt.Errorf("summary row %s not at zoom %d", r.Tile, zoom)
		}
		if _, dup := next[r.Tile]; dup {
			return 0, fmt.Errorf("%w: summary %s", changeset.ErrDuplicateKey, r.Tile)
		}
		next[r.Tile] = r
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for k := range s.summary {
		if k.Z == zoom {
			delete(s.summary, k)
			removed++
		}
	}
	for k, r := range next {
		s.summary[k] = r
	}
	return removed, nil
}

// QueryTiles returns tiles in the query range, newest first
func (s *Store) QueryTiles(ctx context.Context, q changeset.Query) ([]changeset.Tile, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := sortedTiles(s.tiles, func(t changeset.Tile) bool {
		return q.Contains(t.Tile) && (q.Since.IsZero() || !t.Tstamp.Before(q.Since))
	})
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Tstamp.Equal(out[j].Tstamp) {
			return out[i].Tstamp.After(out[j].Tstamp)
		}
		return out[i].ChangesetID > out[j].ChangesetID
	})
	if q.Limit > 0 {
		out = limitChangesets(out, q.Limit)
	}
	return out, nil
}

// limitChangesets keeps the rows of the first n changesets seen in rows
func limitChangesets(rows []changeset.Tile, n int) []changeset.Tile {
	picked := make(map[osm.ChangesetID]bool, n)
	out := rows[:0]
	for _, r := range rows {
		if !picked[r.ChangesetID] {
			if len(picked) == n {
				continue
			}
			picked[r.ChangesetID] = true
		}
		out = append(out, r)
	}
	return out
}

// QuerySummary returns the stored summary rows in the query range
func (s *Store) QuerySummary(ctx context.Context, q changeset.Query) ([]changeset.Summary, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []changeset.Summary
	for k, v := range s.summary {
		if q.Contains(k) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tile.Less(out[j].Tile) })
	return out, nil
}

// ChangesetTiles returns every tile of one changeset
func (s *Store) ChangesetTiles(ctx context.Context, id osm.ChangesetID) ([]changeset.Tile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.changesets[id]; !ok {
		return nil, fmt.Errorf("changeset %d: %w", id, changeset.ErrNotFound)
	}
	return sortedTiles(s.tiles, func(t changeset.Tile) bool { return t.ChangesetID == id }), nil
}

func sortedTiles(m map[changeset.Key]changeset.Tile, keep func(changeset.Tile) bool) []changeset.Tile {
	out := make([]changeset.Tile, 0)
	for _, t := range m {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChangesetID != out[j].ChangesetID {
			return out[i].ChangesetID < out[j].ChangesetID
		}
		return out[i].Tile.Less(out[j].Tile)
	})
	return out
}
