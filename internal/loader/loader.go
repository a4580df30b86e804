// Package loader turns a changeset's raw edits into the entities that get
// tiled: one point per node position, one combined geometry per way version.
package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/logger"
)

// Entity is a tiling input derived from one edit
type Entity struct {
	ID        int64
	Version   int
	Kind      osm.Type
	Timestamp time.Time
	Geom      orb.Geometry
	Bound     orb.Bound
}

// IsNode reports whether the entity is a single node position
func (e Entity) IsNode() bool {
	return e.Kind == osm.TypeNode
}

// Source is the part of a transaction the loader reads through
type Source interface {
	FetchEdits(ctx context.Context, id osm.ChangesetID) ([]changeset.Edit, error)
	Collect(ctx context.Context, geoms []orb.Geometry) (orb.Geometry, error)
}

// Stats counts what a Load call produced
type Stats struct {
	Edits   int
	Nodes   int
	Ways    int
	Skipped int
}

// Loader loads the entities of a changeset
type Loader struct {
	log *zap.Logger
}

// New creates a loader
func New(log *zap.Logger) *Loader {
	return &Loader{log: logger.OrNop(log)}
}

// Load fetches the edits of changeset id and expands them into entities.
// Nodes yield a point for the previous and the current position (one when
// the node did not move). Ways yield the collection of their previous and
// current line. Edits without usable geometry are skipped and logged.
func (l *Loader) Load(ctx context.Context, src Source, id osm.ChangesetID) ([]Entity, Stats, error) {
	var stats Stats

	edits, err := src.FetchEdits(ctx, id)
	if err != nil {
		return nil, stats, err
	}
	stats.Edits = len(edits)

	entities := make([]Entity, 0, len(edits))
	for _, e := range edits {
		if err := e.Validate(); err != nil {
			l.log.Warn("Skipping edit",
				zap.Int64("changeset_id", int64(id)),
				zap.Error(err))
			stats.Skipped++
			continue
		}

		switch e.Kind {
		case osm.TypeNode:
			positions := nodePositions(e)
			if len(positions) == 0 {
				stats.Skipped++
				continue
			}
			for _, p := range positions {
				entities = append(entities, Entity{
					ID: e.ID, Version: e.Version, Kind: e.Kind, Timestamp: e.Timestamp,
					Geom: p, Bound: p.Bound(),
				})
				stats.Nodes++
			}

		case osm.TypeWay:
			geom, err := l.combine(ctx, src, e)
			if err != nil {
				return nil, stats, fmt.Errorf("way %d v%d: %w", e.ID, e.Version, err)
			}
			if changeset.IsEmpty(geom) {
				stats.Skipped++
				continue
			}
			entities = append(entities, Entity{
				ID: e.ID, Version: e.Version, Kind: e.Kind, Timestamp: e.Timestamp,
				Geom: geom, Bound: geom.Bound(),
			})
			stats.Ways++
		}
	}

	l.log.Debug("Loaded changeset entities",
		zap.Int64("changeset_id", int64(id)),
		zap.Int("edits", stats.Edits),
		zap.Int("nodes", stats.Nodes),
		zap.Int("ways", stats.Ways),
		zap.Int("skipped", stats.Skipped))

	return entities, stats, nil
}

// combine merges the previous and current way geometry
func (l *Loader) combine(ctx context.Context, src Source, e changeset.Edit) (orb.Geometry, error) {
	var parts []orb.Geometry
	if !changeset.IsEmpty(e.Geom) {
		parts = append(parts, e.Geom)
	}
	if !changeset.IsEmpty(e.PrevGeom) {
		parts = append(parts, e.PrevGeom)
	}

	switch {
	case len(parts) == 0:
		return nil, nil
	case len(parts) == 1:
		return parts[0], nil
	case orb.Equal(parts[0], parts[1]):
		// Tag-only edit
		return parts[0], nil
	}
	return src.Collect(ctx, parts)
}

func nodePositions(e changeset.Edit) []orb.Point {
	var out []orb.Point
	cur, hasCur := e.Geom.(orb.Point)
	prev, hasPrev := e.PrevGeom.(orb.Point)
	if hasCur {
		out = append(out, cur)
	}
	if hasPrev && (!hasCur || !prev.Equal(cur)) {
		out = append(out, prev)
	}
	return out
}
