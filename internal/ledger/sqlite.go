package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	iaperrors "github.com/rcourtman/pulse-iap/internal/errors"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

// DefaultFileName is the ledger database name inside the data directory.
const DefaultFileName = "purchases.db"

const purchaseColumns = `transaction_id, product_id, purchased_at, price, currency_code,
	is_verified, is_synced, synced_at, unlocked_features`

// SQLiteLedger persists purchases in SQLite with a UNIQUE transaction_id.
type SQLiteLedger struct {
	db     *sql.DB
	dbPath string

	mu sync.Mutex
}

// OpenSQLite opens (creating if needed) the ledger at path. A directory path
// gets DefaultFileName appended.
func OpenSQLite(path string) (*SQLiteLedger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	path = filepath.Clean(path)
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, DefaultFileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	l, err := NewSQLite(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	l.dbPath = path
	return l, nil
}

// NewSQLite wraps an open database and ensures the schema exists.
func NewSQLite(db *sql.DB) (*SQLiteLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger db is required")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	l := &SQLiteLedger{db: db}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the database file, empty for wrapped databases.
func (l *SQLiteLedger) Path() string {
	return l.dbPath
}

func (l *SQLiteLedger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS purchases (
		transaction_id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		purchased_at INTEGER NOT NULL,
		price TEXT NOT NULL DEFAULT '0',
		currency_code TEXT NOT NULL DEFAULT '',
		is_verified INTEGER NOT NULL DEFAULT 0,
		is_synced INTEGER NOT NULL DEFAULT 0,
		synced_at INTEGER,
		unlocked_features TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_purchases_product_id ON purchases(product_id);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) conn(op, id string) (*sql.DB, error) {
	if l == nil || l.db == nil {
		return nil, iaperrors.NewStorageError(iaperrors.StorageDB, op, id, errClosed)
	}
	return l.db, nil
}

func (l *SQLiteLedger) GetPurchase(ctx context.Context, transactionID string) (*purchases.Purchase, error) {
	if err := requireID("get_purchase", transactionID); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	db, err := l.conn("get_purchase", transactionID)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE transaction_id = ?`, transactionID)
	p, err := scanPurchase(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("get_purchase", transactionID, err)
	}
	return p, nil
}

func (l *SQLiteLedger) GetAllPurchases(ctx context.Context) ([]purchases.Purchase, error) {
	return l.query(ctx, "get_all", "",
		`SELECT `+purchaseColumns+` FROM purchases ORDER BY purchased_at, transaction_id`)
}

func (l *SQLiteLedger) FindByProduct(ctx context.Context, productID string) ([]purchases.Purchase, error) {
	return l.query(ctx, "find_by_product", productID,
		`SELECT `+purchaseColumns+` FROM purchases WHERE product_id = ? ORDER BY purchased_at, transaction_id`, productID)
}

func (l *SQLiteLedger) query(ctx context.Context, op, key, query string, args ...any) ([]purchases.Purchase, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	db, err := l.conn(op, key)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, iaperrors.WrapDBError(op, key, err)
	}
	defer rows.Close()

	out := []purchases.Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, classify(op, key, err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, iaperrors.WrapDBError(op, key, err)
	}
	return out, nil
}

func (l *SQLiteLedger) Insert(ctx context.Context, p purchases.Purchase) error {
	if err := validatePurchase(p); err != nil {
		return err
	}
	features := p.UnlockedFeatures
	if features == nil {
		features = []string{}
	}
	encoded, err := json.Marshal(features)
	if err != nil {
		return iaperrors.NewStorageError(iaperrors.StorageParse, "insert", p.TransactionID, err)
	}

	var syncedAt any
	if p.SyncedAt != nil {
		syncedAt = p.SyncedAt.UTC().UnixMilli()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	db, err := l.conn("insert", p.TransactionID)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO purchases (`+purchaseColumns+`, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TransactionID,
		p.ProductID,
		p.PurchasedAt.UTC().UnixMilli(),
		p.Price.String(),
		p.CurrencyCode,
		boolInt(p.IsVerified),
		boolInt(p.IsSynced),
		syncedAt,
		string(encoded),
		nowFn().UTC().UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return duplicateError(p.TransactionID)
		}
		return iaperrors.WrapDBError("insert", p.TransactionID, err)
	}
	return nil
}

func (l *SQLiteLedger) UpdateSyncStatus(ctx context.Context, transactionID string, isSynced bool) error {
	var syncedAt any
	if isSynced {
		syncedAt = nowFn().UTC().UnixMilli()
	}
	return l.exec(ctx, "update_sync_status", transactionID,
		`UPDATE purchases SET is_synced = ?, synced_at = ? WHERE transaction_id = ?`,
		boolInt(isSynced), syncedAt, transactionID)
}

func (l *SQLiteLedger) UpdateVerificationStatus(ctx context.Context, transactionID string, isVerified bool) error {
	return l.exec(ctx, "update_verification_status", transactionID,
		`UPDATE purchases SET is_verified = ? WHERE transaction_id = ?`,
		boolInt(isVerified), transactionID)
}

func (l *SQLiteLedger) Delete(ctx context.Context, transactionID string) error {
	return l.exec(ctx, "delete", transactionID,
		`DELETE FROM purchases WHERE transaction_id = ?`, transactionID)
}

// exec runs a single-row statement and reports NOT_FOUND when nothing matched.
func (l *SQLiteLedger) exec(ctx context.Context, op, id, stmt string, args ...any) error {
	if err := requireID(op, id); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	db, err := l.conn(op, id)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return iaperrors.WrapDBError(op, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return iaperrors.WrapDBError(op, id, err)
	}
	if affected == 0 {
		return notFoundError(op, id)
	}
	return nil
}

func (l *SQLiteLedger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

type parseError struct{ err error }

func (e parseError) Error() string { return e.err.Error() }
func (e parseError) Unwrap() error { return e.err }

func scanPurchase(row scanner) (*purchases.Purchase, error) {
	var (
		p            purchases.Purchase
		purchasedAt  int64
		price        string
		isVerified   int
		isSynced     int
		syncedAt     sql.NullInt64
		featuresJSON string
	)
	if err := row.Scan(&p.TransactionID, &p.ProductID, &purchasedAt, &price, &p.CurrencyCode,
		&isVerified, &isSynced, &syncedAt, &featuresJSON); err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(price)
	if err != nil {
		return nil, parseError{fmt.Errorf("price %q: %w", price, err)}
	}
	if err := json.Unmarshal([]byte(featuresJSON), &p.UnlockedFeatures); err != nil {
		return nil, parseError{fmt.Errorf("unlocked_features: %w", err)}
	}

	p.PurchasedAt = time.UnixMilli(purchasedAt).UTC()
	p.Price = amount
	p.IsVerified = isVerified != 0
	p.IsSynced = isSynced != 0
	if syncedAt.Valid {
		t := time.UnixMilli(syncedAt.Int64).UTC()
		p.SyncedAt = &t
	}
	return &p, nil
}

func classify(op, key string, err error) error {
	var pe parseError
	if errors.As(err, &pe) {
		return iaperrors.NewStorageError(iaperrors.StorageParse, op, key, pe.err)
	}
	return iaperrors.WrapDBError(op, key, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
