package keystore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/e2eicore/corecrypto/corelog"
	"github.com/e2eicore/corecrypto/coreerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLStore is the native keystore backend: one SQLite database file, one
// table per EntityKind, rows encrypted at rest via sealer. modernc.org/sqlite
// is a pure-Go, cgo-free SQLite driver, the natural embedded-database choice
// for a client library that ships into environments where cgo toolchains are
// unreliable (mobile cross-compiles, WASI). Schema migrations run through
// golang-migrate so the on-disk schema can evolve across corecrypto
// releases without hand-rolled ALTER TABLE bookkeeping.
type SQLStore struct {
	db     *sql.DB
	seal   *sealer
	execer execer
}

// execer abstracts *sql.DB vs *sql.Tx so Transaction can hand out a Store
// backed by a live transaction instead of the top-level pool.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLStore opens (creating if absent) a SQLite-backed Store at path,
// applying pending migrations and deriving the at-rest encryption key from
// masterKey (the spec's identity_key). path may be ":memory:" for the
// in-memory variant central.NewInMemory uses in tests.
func OpenSQLStore(path string, masterKey []byte) (*SQLStore, error) {
	log := corelog.New("keystore", "OpenSQLStore")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("keystore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer at a time, matches the per-group RWMutex model above it

	seal, err := newSealer(masterKey)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, seal: seal, execer: db}
	if err := s.migrate(path); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("sqlite keystore opened")
	return s, nil
}

func (s *SQLStore) migrate(path string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("keystore: load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("keystore: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("keystore: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("keystore: apply migrations: %w", err)
	}
	return nil
}

func tableFor(kind EntityKind) string {
	return "entities_" + kind.String()
}

func (s *SQLStore) Save(ctx context.Context, e Entity) error {
	ciphertext, err := s.seal.seal(e.Kind(), e.PrimaryKey(), e.Bytes())
	if err != nil {
		return coreerr.Wrap(coreerr.KeystoreMalformedEntity, "Save", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s(primary_key, ciphertext) VALUES (?, ?)
		ON CONFLICT(primary_key) DO UPDATE SET ciphertext = excluded.ciphertext`, tableFor(e.Kind()))
	if _, err := s.execer.ExecContext(ctx, query, e.PrimaryKey(), ciphertext); err != nil {
		return coreerr.Wrap(coreerr.KeystoreTransactionFailure, "Save", err)
	}
	return nil
}

func (s *SQLStore) Find(ctx context.Context, kind EntityKind, primaryKey []byte) ([]byte, error) {
	query := fmt.Sprintf(`SELECT ciphertext FROM %s WHERE primary_key = ?`, tableFor(kind))
	row := s.execer.QueryRowContext(ctx, query, primaryKey)
	var ciphertext []byte
	if err := row.Scan(&ciphertext); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coreerr.New(coreerr.KeystoreMissingKey, "Find")
		}
		return nil, coreerr.Wrap(coreerr.KeystoreTransactionFailure, "Find", err)
	}
	plaintext, err := s.seal.open(kind, primaryKey, ciphertext)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KeystoreDecryptionFailure, "Find", err)
	}
	return plaintext, nil
}

func (s *SQLStore) FindAll(ctx context.Context, kind EntityKind, params FindParams) ([][]byte, error) {
	query := fmt.Sprintf(`SELECT primary_key, ciphertext FROM %s`, tableFor(kind))
	if params.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", params.Limit)
	}
	rows, err := s.execer.QueryContext(ctx, query)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KeystoreTransactionFailure, "FindAll", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var pk, ciphertext []byte
		if err := rows.Scan(&pk, &ciphertext); err != nil {
			return nil, coreerr.Wrap(coreerr.KeystoreTransactionFailure, "FindAll", err)
		}
		plaintext, err := s.seal.open(kind, pk, ciphertext)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KeystoreDecryptionFailure, "FindAll", err)
		}
		out = append(out, plaintext)
	}
	return out, rows.Err()
}

func (s *SQLStore) Count(ctx context.Context, kind EntityKind) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, tableFor(kind))
	var n int
	if err := s.execer.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, coreerr.Wrap(coreerr.KeystoreTransactionFailure, "Count", err)
	}
	return n, nil
}

func (s *SQLStore) Delete(ctx context.Context, kind EntityKind, primaryKey []byte) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE primary_key = ?`, tableFor(kind))
	_, err := s.execer.ExecContext(ctx, query, primaryKey)
	if err != nil {
		return coreerr.Wrap(coreerr.KeystoreTransactionFailure, "Delete", err)
	}
	return nil
}

func (s *SQLStore) DeleteMany(ctx context.Context, kind EntityKind, primaryKeys [][]byte) error {
	for _, pk := range primaryKeys {
		if err := s.Delete(ctx, kind, pk); err != nil {
			return err
		}
	}
	return nil
}

// Transaction opens a *sql.Tx and hands the caller a Store backed by it;
// committing/rolling back based on fn's return, matching the spec's
// "single keystore transaction" requirement for multi-row operations like
// join_by_external_commit's merge (insert MlsGroup, delete MlsPendingGroup).
func (s *SQLStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coreerr.Wrap(coreerr.KeystoreTransactionFailure, "Transaction", err)
	}
	txStore := &SQLStore{db: s.db, seal: s.seal, execer: sqlTx}

	if err := fn(ctx, txStore); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return coreerr.Wrap(coreerr.KeystoreTransactionFailure, "Transaction.Rollback", rbErr)
		}
		return err
	}
	if ctx.Err() != nil {
		sqlTx.Rollback()
		return coreerr.Wrap(coreerr.KeystoreTransactionFailure, "Transaction", ctx.Err())
	}
	if err := sqlTx.Commit(); err != nil {
		return coreerr.Wrap(coreerr.KeystoreTransactionFailure, "Transaction.Commit", err)
	}
	return nil
}

func (s *SQLStore) Wipe(ctx context.Context) error {
	kinds := []EntityKind{
		KindMlsCredential, KindMlsSignatureKeyPair, KindMlsHpkePrivateKey,
		KindMlsEncryptionKeyPair, KindMlsKeyPackage, KindMlsGroup,
		KindMlsPendingGroup, KindE2eiEnrollment, KindProteusIdentity,
		KindProteusPrekey, KindProteusSession,
	}
	for _, k := range kinds {
		if _, err := s.execer.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", tableFor(k))); err != nil {
			return coreerr.Wrap(coreerr.KeystoreTransactionFailure, "Wipe", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	s.seal.wipe()
	return s.db.Close()
}
