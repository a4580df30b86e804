package memstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/osm"

	"github.com/wegman-software/owl-tiler/internal/changeset"
)

var errTxDone = errors.New("transaction already closed")

// scope is the unit a ClearTiles call removes
type scope struct {
	id   osm.ChangesetID
	zoom int
}

// tx overlays its own clears and writes on the committed table. Reads see
// committed rows outside cleared scopes plus the rows written so far.
type tx struct {
	*Engine
	s       *Store
	cleared map[scope]bool
	written map[changeset.Key]changeset.Tile
	done    bool
}

func (t *tx) FetchEdits(ctx context.Context, id osm.ChangesetID) ([]changeset.Edit, error) {
	if t.done {
		return nil, errTxDone
	}
	t.s.mu.Lock()
	cs, ok := t.s.changesets[id]
	t.s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("changeset %d: %w", id, changeset.ErrNotFound)
	}

	edits := make([]changeset.Edit, len(cs.Edits))
	copy(edits, cs.Edits)
	return edits, nil
}

// visible reports whether the committed row at k is seen by t
func (t *tx) visible(k changeset.Key) bool {
	return !t.cleared[scope{id: k.ChangesetID, zoom: k.Z}]
}

func (t *tx) CountTiles(ctx context.Context, id osm.ChangesetID, zoom int) (int, error) {
	if t.done {
		return 0, errTxDone
	}
	n := 0
	t.s.mu.Lock()
	for k := range t.s.tiles {
		if k.ChangesetID == id && k.Z == zoom && t.visible(k) {
			n++
		}
	}
	t.s.mu.Unlock()
	for k := range t.written {
		if k.ChangesetID == id && k.Z == zoom {
			n++
		}
	}
	return n, nil
}

func (t *tx) ClearTiles(ctx context.Context, id osm.ChangesetID, zoom int) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	sc := scope{id: id, zoom: zoom}

	var n int64
	if !t.cleared[sc] {
		t.s.mu.Lock()
		for k := range t.s.tiles {
			if k.ChangesetID == id && k.Z == zoom {
				n++
			}
		}
		t.s.mu.Unlock()
		t.cleared[sc] = true
	}
	for k := range t.written {
		if k.ChangesetID == id && k.Z == zoom {
			delete(t.written, k)
			n++
		}
	}
	return n, nil
}

func (t *tx) WriteTile(ctx context.Context, tile changeset.Tile) error {
	if t.done {
		return errTxDone
	}
	if !tile.Tile.Valid() {
		return fmt.Errorf("tile %s: %w", tile.Tile, changeset.ErrInvalidCoordinate)
	}
	if changeset.IsEmpty(tile.Geom) {
		return fmt.Errorf("tile %s of changeset %d has empty geometry", tile.Tile, tile.ChangesetID)
	}

	key := tile.Key()
	_, exists := t.written[key]
	if !exists && t.visible(key) {
		t.s.mu.Lock()
		_, exists = t.s.tiles[key]
		t.s.mu.Unlock()
	}
	if exists {
		return fmt.Errorf("changeset %d tile %s: %w", tile.ChangesetID, tile.Tile, changeset.ErrDuplicateKey)
	}

	t.written[key] = tile
	t.s.Writes.Add(1)
	return nil
}

// Commit applies the clears, then the writes. A row committed by another
// transaction in the meantime fails the commit with ErrDuplicateKey and
// leaves the table unchanged.
func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for k := range t.written {
		if _, exists := t.s.tiles[k]; exists && t.visible(k) {
			return fmt.Errorf("commit changeset %d tile %s: %w", k.ChangesetID, k.Tile, changeset.ErrDuplicateKey)
		}
	}
	for k := range t.s.tiles {
		if !t.visible(k) {
			delete(t.s.tiles, k)
		}
	}
	for k, v := range t.written {
		t.s.tiles[k] = v
	}
	t.s.Commits.Add(1)
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.cleared = nil
	t.written = nil
	return nil
}
