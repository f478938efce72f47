package collab

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// requestLogRetention is how long request_logs rows are kept before the
// retention trim deletes them.
const requestLogRetention = 30 * 24 * time.Hour

// PostgresCollaborator persists users, tunnel lifecycle events, and
// request logs to Postgres, applying its schema via golang-migrate on
// startup. Every method swallows nothing silently — callers (the control
// session, the dispatcher) log the error and proceed regardless, per the
// Collaborator contract.
type PostgresCollaborator struct {
	db     *sql.DB
	logger zerolog.Logger
	trimer *cron.Cron
}

// NewPostgresCollaborator opens dsn, applies pending migrations from
// migrationsPath (or the embedded default when empty), and schedules the
// request-log retention trim.
func NewPostgresCollaborator(dsn, migrationsPath string, logger zerolog.Logger) (*PostgresCollaborator, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	if err := runMigrations(db, migrationsPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	pc := &PostgresCollaborator{db: db, logger: logger}

	pc.trimer = cron.New()
	if _, err := pc.trimer.AddFunc("@every 1h", pc.trimRequestLogs); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to schedule request log retention trim: %w", err)
	}
	pc.trimer.Start()

	return pc, nil
}

func runMigrations(db *sql.DB, migrationsPath string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migration driver: %w", err)
	}

	var m *migrate.Migrate
	if migrationsPath != "" {
		m, err = migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	} else {
		d, ioErr := iofs.New(migrationsFS, "migrations")
		if ioErr != nil {
			return fmt.Errorf("failed to load embedded migrations: %w", ioErr)
		}
		m, err = migrate.NewWithInstance("iofs", d, "postgres", driver)
	}
	if err != nil {
		return fmt.Errorf("failed to build migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// UserLookup hashes apiKey with bcrypt comparison against the stored hash
// for every active user; there is no direct index lookup since bcrypt
// hashes are salted per-row.
func (pc *PostgresCollaborator) UserLookup(ctx context.Context, apiKey string) (*User, error) {
	rows, err := pc.db.QueryContext(ctx, `SELECT user_id, api_key_hash, tunnel_limit, is_active FROM users WHERE is_active = true`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u User
		if err := rows.Scan(&u.UserID, &u.APIKeyHash, &u.TunnelLimit, &u.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		if bcrypt.CompareHashAndPassword([]byte(u.APIKeyHash), []byte(apiKey)) == nil {
			return &u, nil
		}
	}
	return nil, rows.Err()
}

func (pc *PostgresCollaborator) UserActiveTunnelCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := pc.db.QueryRowContext(ctx,
		`SELECT count(*) FROM tunnel_events t1
		 WHERE t1.user_id = $1 AND t1.event = 'open'
		 AND NOT EXISTS (
		     SELECT 1 FROM tunnel_events t2
		     WHERE t2.subdomain = t1.subdomain AND t2.event = 'close' AND t2.at > t1.at
		 )`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active tunnels: %w", err)
	}
	return count, nil
}

func (pc *PostgresCollaborator) PersistTunnelOpen(ctx context.Context, subdomain, userID, clientIP string, openedAt time.Time) error {
	_, err := pc.db.ExecContext(ctx,
		`INSERT INTO tunnel_events (subdomain, user_id, client_ip, event, at) VALUES ($1, $2, $3, 'open', $4)`,
		subdomain, nullableString(userID), clientIP, openedAt)
	if err != nil {
		return fmt.Errorf("failed to persist tunnel open: %w", err)
	}
	return nil
}

func (pc *PostgresCollaborator) PersistTunnelClose(ctx context.Context, subdomain string, closedAt time.Time) error {
	_, err := pc.db.ExecContext(ctx,
		`INSERT INTO tunnel_events (subdomain, event, at) VALUES ($1, 'close', $2)`,
		subdomain, closedAt)
	if err != nil {
		return fmt.Errorf("failed to persist tunnel close: %w", err)
	}
	return nil
}

func (pc *PostgresCollaborator) PersistRequestLog(ctx context.Context, entry RequestLogEntry) error {
	_, err := pc.db.ExecContext(ctx,
		`INSERT INTO request_logs (subdomain, method, path, status_code, response_size, user_agent, client_ip, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.Subdomain, entry.Method, entry.Path, entry.StatusCode, entry.ResponseSize, entry.UserAgent, entry.IP, entry.Started, entry.Completed)
	if err != nil {
		return fmt.Errorf("failed to persist request log: %w", err)
	}
	return nil
}

func (pc *PostgresCollaborator) trimRequestLogs() {
	cutoff := time.Now().Add(-requestLogRetention)
	res, err := pc.db.Exec(`DELETE FROM request_logs WHERE started_at < $1`, cutoff)
	if err != nil {
		pc.logger.Warn().Err(err).Msg("request log retention trim failed")
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		pc.logger.Info().Int64("rows", n).Msg("trimmed expired request logs")
	}
}

// Close stops the retention trim and closes the database pool.
func (pc *PostgresCollaborator) Close() error {
	if pc.trimer != nil {
		pc.trimer.Stop()
	}
	return pc.db.Close()
}

// HashSecret bcrypt-hashes an API key or tunnel password for storage.
// Nothing in the server calls it; tunnel passwords are not checked.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret reports whether secret matches the bcrypt hash produced by
// HashSecret.
func VerifySecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
