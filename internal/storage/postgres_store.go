// internal/storage/postgres_store.go
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/Corphon/AIShowrunner/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresSectionStore 分区以 JSONB 保存，主键为完整的分区键
type PostgresSectionStore struct {
	db *sql.DB
}

var _ SectionStore = (*PostgresSectionStore)(nil)

// NewPostgresSectionStore 打开连接、配置连接池并执行迁移
func NewPostgresSectionStore(ctx context.Context, databaseURL string) (*PostgresSectionStore, error) {
	db, err := openPostgres(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &PostgresSectionStore{db: db}, nil
}

// MigratePostgres 只执行迁移，供命令行使用
func MigratePostgres(ctx context.Context, databaseURL string) error {
	db, err := openPostgres(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return runMigrations(db)
}

func openPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

const upsertSectionSQL = `INSERT INTO sections (user_id, story_bible_id, scope, section, payload, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, story_bible_id, scope, section)
DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`

func (s *PostgresSectionStore) SaveSection(ctx context.Context, key models.SectionKey, payload any) error {
	record, err := newRecord(key, payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsertSectionSQL,
		key.UserID, key.StoryBibleID, key.Scope, key.Section, []byte(record.Payload), record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save section %s: %w", key.Path(), err)
	}
	return nil
}

const selectSectionSQL = `SELECT payload FROM sections
WHERE user_id = $1 AND story_bible_id = $2 AND scope = $3 AND section = $4`

func (s *PostgresSectionStore) LoadSection(ctx context.Context, key models.SectionKey, into any) error {
	if err := key.Validate(); err != nil {
		return err
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx, selectSectionSQL,
		key.UserID, key.StoryBibleID, key.Scope, key.Section).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSectionNotFound
	}
	if err != nil {
		return fmt.Errorf("load section %s: %w", key.Path(), err)
	}
	return decodePayload(key, payload, into)
}

const listSectionsSQL = `SELECT scope, section FROM sections
WHERE user_id = $1 AND story_bible_id = $2 AND ($3::text = '' OR scope = $3)
ORDER BY scope, section`

func (s *PostgresSectionStore) ListSections(ctx context.Context, prefix SectionPrefix) ([]models.SectionKey, error) {
	if err := prefix.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, listSectionsSQL, prefix.UserID, prefix.StoryBibleID, prefix.Scope)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	var keys []models.SectionKey
	for rows.Next() {
		key := models.SectionKey{UserID: prefix.UserID, StoryBibleID: prefix.StoryBibleID}
		if err := rows.Scan(&key.Scope, &key.Section); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	return keys, nil
}

// Close 关闭底层连接
func (s *PostgresSectionStore) Close() error {
	return s.db.Close()
}
