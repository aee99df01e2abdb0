package keystore

import "context"

// FindParams narrows a FindAll scan. An empty FindParams returns every row
// of the requested kind.
type FindParams struct {
	// Limit caps the number of rows returned; 0 means unlimited.
	Limit int
}

// Store is the typed, encrypted-at-rest CRUD surface every corecrypto
// component persists through. Two implementations exist with identical
// semantics: sql.go (native, backed by database/sql over modernc.org/sqlite)
// and jsstore.go (browser, backed by IndexedDB via syscall/js). Callers
// must not assume atomicity across kinds except inside Transaction.
type Store interface {
	// Save upserts one row, encrypting its payload at rest.
	Save(ctx context.Context, e Entity) error

	// Find fetches and decrypts one row by kind+primary key. Returns a
	// *coreerr.Error with Code KeystoreMissingKey if absent, or Code
	// KeystoreDecryptionFailure if the row fails authentication.
	Find(ctx context.Context, kind EntityKind, primaryKey []byte) ([]byte, error)

	// FindAll fetches and decrypts every row of one kind.
	FindAll(ctx context.Context, kind EntityKind, params FindParams) ([][]byte, error)

	// Count returns the number of rows of one kind.
	Count(ctx context.Context, kind EntityKind) (int, error)

	// Delete removes one row; it is not an error if the row is absent.
	Delete(ctx context.Context, kind EntityKind, primaryKey []byte) error

	// DeleteMany removes several rows of the same kind in one statement.
	DeleteMany(ctx context.Context, kind EntityKind, primaryKeys [][]byte) error

	// Transaction runs fn with a Store scoped to one atomic unit of work;
	// if fn returns an error, every Save/Delete it issued is rolled back.
	// This is how C4's "insert MlsGroup + delete MlsPendingGroup" and C3's
	// "insert HPKE keypair + insert KeyPackage" become a single commit.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// Wipe destroys every row in the store, irreversibly.
	Wipe(ctx context.Context) error

	// Close releases underlying resources (and securely wipes the
	// encryption key from memory).
	Close() error
}
