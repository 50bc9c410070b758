package pg

import (
	"context"

	"civicops.org/internal/geo"
)

// LoadHierarchy reads the full geographic forest. The arena is small (a few
// thousand nodes city-wide) so callers cache it rather than query per lookup.
func (s *Store) LoadHierarchy(ctx context.Context) (*geo.Hierarchy, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, level, coalesce(parent_id, '')
		from geo_nodes
		order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []geo.Node
	for rows.Next() {
		var n geo.Node
		var level string
		if err := rows.Scan(&n.ID, &n.Name, &level, &n.ParentID); err != nil {
			return nil, err
		}
		n.Level, err = geo.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return geo.NewHierarchy(nodes), nil
}
