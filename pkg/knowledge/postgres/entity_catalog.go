package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lorekeep/lorekeep/pkg/knowledge"
)

const entityColumns = `id, campaign_id, name, kind, aliases, description,
	attributes, created_at, updated_at`

// The canonical name keeps its first-recorded casing: later upserts match
// through the lower(name) key but do not overwrite the display name.
// Aliases are unioned, attributes jsonb-merged, and empty incoming fields
// leave the stored values alone.
const upsertEntitySQL = `
INSERT INTO kb_entities (id, campaign_id, name, kind, aliases, description, attributes)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (campaign_id, lower(name)) DO UPDATE SET
	kind        = CASE WHEN EXCLUDED.kind <> '' THEN EXCLUDED.kind ELSE kb_entities.kind END,
	aliases     = COALESCE(
		(SELECT array_agg(DISTINCT a ORDER BY a)
		 FROM unnest(kb_entities.aliases || EXCLUDED.aliases) AS a),
		'{}'),
	description = CASE WHEN EXCLUDED.description <> '' THEN EXCLUDED.description ELSE kb_entities.description END,
	attributes  = kb_entities.attributes || EXCLUDED.attributes,
	updated_at  = now()
RETURNING ` + entityColumns

// UpsertEntity inserts or updates an entity keyed by its case-insensitive
// name within the campaign, and returns the stored row.
func (s *Store) UpsertEntity(ctx context.Context, e knowledge.Entity) (*knowledge.Entity, error) {
	e.Name = strings.TrimSpace(e.Name)
	if e.CampaignID == "" || e.Name == "" {
		return nil, fmt.Errorf("knowledge: upsert entity: campaign and name are required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Aliases == nil {
		e.Aliases = []string{}
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}

	row := s.pool.QueryRow(ctx, upsertEntitySQL,
		e.ID, e.CampaignID, e.Name, e.Kind, e.Aliases, e.Description, e.Attributes)
	stored, err := scanEntity(row)
	if err != nil {
		return nil, fmt.Errorf("knowledge: upsert entity %q: %w", e.Name, err)
	}
	return stored, nil
}

// GetEntity resolves a canonical name or alias within a campaign,
// case-insensitively. Returns (nil, nil) when no entity matches.
func (s *Store) GetEntity(ctx context.Context, campaignID, name string) (*knowledge.Entity, error) {
	const q = `
SELECT ` + entityColumns + `
FROM kb_entities
WHERE campaign_id = $1
  AND (lower(name) = lower($2)
       OR EXISTS (SELECT 1 FROM unnest(aliases) AS a WHERE lower(a) = lower($2)))
ORDER BY (lower(name) = lower($2)) DESC
LIMIT 1`

	row := s.pool.QueryRow(ctx, q, campaignID, strings.TrimSpace(name))
	e, err := scanEntity(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: get entity %q: %w", name, err)
	}
	return e, nil
}

// FindEntities lists entities matching the filter, ordered by name.
func (s *Store) FindEntities(ctx context.Context, f knowledge.EntityFilter) ([]knowledge.Entity, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conds := []string{"TRUE"}
	if f.CampaignID != "" {
		conds = append(conds, fmt.Sprintf("campaign_id = %s", next(f.CampaignID)))
	}
	if f.Kind != "" {
		conds = append(conds, fmt.Sprintf("kind = %s", next(f.Kind)))
	}
	if f.Name != "" {
		conds = append(conds, fmt.Sprintf("name ILIKE %s", next("%"+f.Name+"%")))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
SELECT %s
FROM kb_entities
WHERE %s
ORDER BY name ASC
LIMIT %s`, entityColumns, strings.Join(conds, " AND "), next(limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge: find entities: %w", err)
	}
	entities, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (knowledge.Entity, error) {
		e, err := scanEntity(row)
		if err != nil {
			return knowledge.Entity{}, err
		}
		return *e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: find entities: collect: %w", err)
	}
	return entities, nil
}

// RecordAppearance notes that an entity was mentioned in a session.
// Re-recording replaces the mention count so re-ingestion stays idempotent.
func (s *Store) RecordAppearance(ctx context.Context, entityID, sessionID string, mentions int) error {
	if entityID == "" || sessionID == "" {
		return fmt.Errorf("knowledge: record appearance: entity and session are required")
	}
	if mentions < 1 {
		mentions = 1
	}
	const q = `
INSERT INTO kb_appearances (entity_id, session_id, mentions)
VALUES ($1, $2, $3)
ON CONFLICT (entity_id, session_id) DO UPDATE SET
	mentions  = EXCLUDED.mentions,
	last_seen = now()`
	if _, err := s.pool.Exec(ctx, q, entityID, sessionID, mentions); err != nil {
		return fmt.Errorf("knowledge: record appearance: %w", err)
	}
	return nil
}

// Appearances lists the sessions an entity appeared in, by session ID.
func (s *Store) Appearances(ctx context.Context, entityID string) ([]knowledge.Appearance, error) {
	const q = `
SELECT entity_id, session_id, mentions, last_seen
FROM kb_appearances
WHERE entity_id = $1
ORDER BY session_id ASC`

	rows, err := s.pool.Query(ctx, q, entityID)
	if err != nil {
		return nil, fmt.Errorf("knowledge: appearances: %w", err)
	}
	apps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (knowledge.Appearance, error) {
		var a knowledge.Appearance
		err := row.Scan(&a.EntityID, &a.SessionID, &a.Mentions, &a.LastSeen)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: appearances: collect: %w", err)
	}
	return apps, nil
}

// Names returns every canonical name and alias of a campaign, deduplicated
// case-insensitively (first spelling wins) and sorted.
func (s *Store) Names(ctx context.Context, campaignID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, aliases FROM kb_entities WHERE campaign_id = $1 ORDER BY name ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("knowledge: names: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var names []string
	add := func(n string) {
		n = strings.TrimSpace(n)
		if n == "" {
			return
		}
		key := strings.ToLower(n)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		names = append(names, n)
	}
	for rows.Next() {
		var (
			name    string
			aliases []string
		)
		if err := rows.Scan(&name, &aliases); err != nil {
			return nil, fmt.Errorf("knowledge: names: scan: %w", err)
		}
		add(name)
		for _, a := range aliases {
			add(a)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("knowledge: names: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// scanEntity scans one entity row in entityColumns order.
func scanEntity(row pgx.Row) (*knowledge.Entity, error) {
	var e knowledge.Entity
	err := row.Scan(&e.ID, &e.CampaignID, &e.Name, &e.Kind, &e.Aliases,
		&e.Description, &e.Attributes, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
