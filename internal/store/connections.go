package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jcovali/pgsync/internal/model"
)

const connectionColumns = `id, name, description, host, port, database_name,
	username, encrypted_password, connection_string_encrypted, is_active,
	created_at, updated_at`

func scanConnection(row pgx.Row) (model.Connection, error) {
	var c model.Connection
	err := row.Scan(
		&c.ID, &c.Name, &c.Description, &c.Host, &c.Port, &c.DatabaseName,
		&c.Username, &c.PasswordEnc, &c.DSNEnc, &c.IsActive,
		&c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

func (s *Store) ListConnections(ctx context.Context) ([]model.Connection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+connectionColumns+` FROM database_connections ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var conns []model.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

func (s *Store) GetConnection(ctx context.Context, id int64) (model.Connection, bool, error) {
	c, err := scanConnection(s.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM database_connections WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return model.Connection{}, false, nil
	}
	if err != nil {
		return model.Connection{}, false, fmt.Errorf("get connection %d: %w", id, err)
	}
	return c, true, nil
}

func (s *Store) CreateConnection(ctx context.Context, c model.Connection) (model.Connection, error) {
	if err := model.ValidateConnection(c); err != nil {
		return model.Connection{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO database_connections
			(name, description, host, port, database_name, username,
			 encrypted_password, connection_string_encrypted, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+connectionColumns,
		c.Name, c.Description, c.Host, c.Port, c.DatabaseName, c.Username,
		c.PasswordEnc, c.DSNEnc, c.IsActive,
	)
	created, err := scanConnection(row)
	if err != nil {
		return model.Connection{}, fmt.Errorf("create connection: %w", err)
	}
	return created, nil
}

func (s *Store) UpdateConnection(ctx context.Context, c model.Connection) error {
	if err := model.ValidateConnection(c); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE database_connections SET
			name = $2, description = $3, host = $4, port = $5,
			database_name = $6, username = $7, encrypted_password = $8,
			connection_string_encrypted = $9, is_active = $10,
			updated_at = now()
		WHERE id = $1`,
		c.ID, c.Name, c.Description, c.Host, c.Port,
		c.DatabaseName, c.Username, c.PasswordEnc, c.DSNEnc, c.IsActive,
	)
	if err != nil {
		return fmt.Errorf("update connection %d: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("connection %d not found", c.ID)
	}
	return nil
}

// DeleteConnection refuses to remove a connection any job still references.
func (s *Store) DeleteConnection(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		var refs int
		err := tx.QueryRow(ctx, `
			SELECT count(*) FROM backup_jobs
			WHERE source_db_id = $1 OR destination_db_id = $1`, id,
		).Scan(&refs)
		if err != nil {
			return fmt.Errorf("count references: %w", err)
		}
		if refs > 0 {
			return fmt.Errorf("delete connection %d: %w", id, ErrConnectionInUse)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM database_connections WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete connection %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("connection %d not found", id)
		}
		return nil
	})
}
