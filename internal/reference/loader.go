package reference

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/awarddata/linkage-platform/pkg/postgres"
)

// Loader yields the full reference entity collection. Implementations own the
// source format (database table, CSV import, upstream API); the matching core
// only ever sees []Entity.
type Loader interface {
	Load(ctx context.Context) ([]Entity, error)
}

// PostgresLoader reads the reference_entities table.
type PostgresLoader struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewPostgresLoader(db *postgres.Client) *PostgresLoader {
	return &PostgresLoader{
		db:     db,
		logger: slog.Default().With("component", "reference-loader"),
	}
}

func (l *PostgresLoader) Load(ctx context.Context) ([]Entity, error) {
	rows, err := l.db.DB.QueryContext(ctx,
		`SELECT entity_id, COALESCE(primary_id, ''), COALESCE(secondary_id, ''), name
         FROM reference_entities
         ORDER BY entity_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying reference entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.PrimaryID, &e.SecondaryID, &e.Name); err != nil {
			return nil, fmt.Errorf("scanning reference entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reference entities: %w", err)
	}

	l.logger.Info("reference set loaded", "entities", len(entities))
	return entities, nil
}
