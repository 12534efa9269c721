/*
Package sqlite provides the SQLite-backed implementation of ledger.Store.

PURPOSE:
  Implements every TX_* operation the broker's services depend on as a
  single database/sql transaction. SQLite has no row-level
  SELECT ... FOR UPDATE; the functional equivalent - and what satisfies
  the "push every mutation into one transaction" requirement without a
  stored-procedure layer SQLite doesn't have - is a transaction begun
  with BEGIN IMMEDIATE, which acquires the database's single writer
  lock up front rather than on first write. The *sql.DB handle is
  additionally capped to one open connection, so concurrent HTTP
  goroutines serialize at the Go connection-pool level rather than
  racing to acquire SQLite's lock.

KEY TABLES:
  principals: buyer/seller accounts (balance, escrow, earnings, reputation)
  tokens:     live, single-use capabilities
  ledger:     append-only settled-transaction log

CONCURRENCY:
  BEGIN IMMEDIATE + SetMaxOpenConns(1). No application-level mutex: the
  connection pool is the serialization point.

SEE ALSO:
  - ledger/store.go: the interface this package implements
  - store/memory: an in-process equivalent for fast unit tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nateajmera/nexus-broker/ledger"
)

// Store implements ledger.Store and ledger.AdminStore using SQLite.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) a SQLite-backed Store. Use ":memory:" for an
// ephemeral in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer connection turns BEGIN IMMEDIATE into a full
	// serialization point: no two TX_* bodies ever interleave.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS principals (
		id              TEXT PRIMARY KEY,
		role            TEXT NOT NULL,
		api_key_hash    TEXT NOT NULL UNIQUE,
		balance         INTEGER NOT NULL DEFAULT 0,
		escrow_balance  INTEGER NOT NULL DEFAULT 0,
		total_earned    INTEGER NOT NULL DEFAULT 0,
		reputation      INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tokens (
		token_id        TEXT PRIMARY KEY,
		buyer_id        TEXT NOT NULL,
		seller_id       TEXT NOT NULL,
		amount          INTEGER NOT NULL,
		created_at      TEXT NOT NULL,
		expires_at      TEXT NOT NULL,
		idempotency_key TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tokens_expires_at ON tokens(expires_at);
	CREATE INDEX IF NOT EXISTS idx_tokens_buyer ON tokens(buyer_id);

	CREATE TABLE IF NOT EXISTS idempotency_records (
		buyer_id        TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		token_id        TEXT NOT NULL,
		seller_id       TEXT NOT NULL,
		amount          INTEGER NOT NULL,
		created_at      TEXT NOT NULL,
		expires_at      TEXT NOT NULL,
		PRIMARY KEY (buyer_id, idempotency_key)
	);

	CREATE TABLE IF NOT EXISTS ledger (
		id          TEXT PRIMARY KEY,
		buyer_id    TEXT NOT NULL,
		seller_id   TEXT NOT NULL,
		amount      INTEGER NOT NULL,
		token_id    TEXT NOT NULL,
		settled_at  TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_buyer ON ledger(buyer_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_seller ON ledger(seller_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PRINCIPAL LOOKUPS
// =============================================================================

func (s *Store) GetPrincipal(ctx context.Context, id ledger.PrincipalID) (ledger.Principal, error) {
	return scanPrincipal(s.db.QueryRowContext(ctx, principalSelect+" WHERE id = ?", string(id)))
}

func (s *Store) GetPrincipalByAPIKeyHash(ctx context.Context, hash string) (ledger.Principal, error) {
	return scanPrincipal(s.db.QueryRowContext(ctx, principalSelect+" WHERE api_key_hash = ?", hash))
}

const principalSelect = `
	SELECT id, role, api_key_hash, balance, escrow_balance, total_earned, reputation, created_at, updated_at
	FROM principals`

func scanPrincipal(row *sql.Row) (ledger.Principal, error) {
	var p ledger.Principal
	var role, createdAt, updatedAt string

	err := row.Scan(&p.ID, &role, &p.APIKeyHash, &p.Balance, &p.Escrow, &p.TotalEarned, &p.Reputation, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Principal{}, ledger.ErrUnknownPrincipal
	}
	if err != nil {
		return ledger.Principal{}, fmt.Errorf("scan principal: %w", err)
	}

	p.Role = ledger.Role(role)
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return p, nil
}

// UpsertPrincipal creates or updates a principal. The core state machine
// never calls this; it exists so operators and tests can provision
// buyer/seller accounts out of band.
func (s *Store) UpsertPrincipal(ctx context.Context, p ledger.Principal) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (id, role, api_key_hash, balance, escrow_balance, total_earned, reputation, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			api_key_hash = excluded.api_key_hash,
			balance = excluded.balance,
			escrow_balance = excluded.escrow_balance,
			updated_at = excluded.updated_at
	`, string(p.ID), string(p.Role), p.APIKeyHash, p.Balance, p.Escrow, p.TotalEarned, p.Reputation, now, now)
	return err
}

// =============================================================================
// TX_MINT
// =============================================================================

func (s *Store) TxMint(ctx context.Context, p ledger.MintParams) (ledger.MintOutcome, error) {
	var outcome ledger.MintOutcome

	err := s.withImmediateTx(ctx, func(tx *sql.Conn) error {
		// The idempotency record is consulted independently of the
		// tokens table: it must keep answering "replayed" long after
		// the token it names has been burned by Settle or reclaimed by
		// Sweep, so a client retry after either never re-mints.
		var rec struct {
			tokenID, sellerID, createdAt, expiresAt string
			amount                                  int64
		}
		err := tx.QueryRowContext(ctx, `
			SELECT token_id, seller_id, amount, created_at, expires_at
			FROM idempotency_records WHERE buyer_id = ? AND idempotency_key = ?
		`, string(p.BuyerID), p.IdemKey).Scan(&rec.tokenID, &rec.sellerID, &rec.amount, &rec.createdAt, &rec.expiresAt)
		switch {
		case err == nil:
			createdAt, _ := time.Parse(time.RFC3339Nano, rec.createdAt)
			expiresAt, _ := time.Parse(time.RFC3339Nano, rec.expiresAt)
			outcome = ledger.MintOutcome{Status: ledger.MintReplayed, Token: ledger.Token{
				ID:             ledger.TokenID(rec.tokenID),
				BuyerID:        p.BuyerID,
				SellerID:       ledger.PrincipalID(rec.sellerID),
				Amount:         rec.amount,
				CreatedAt:      createdAt,
				ExpiresAt:      expiresAt,
				IdempotencyKey: p.IdemKey,
			}}
			return nil
		case errors.Is(err, sql.ErrNoRows):
			// fall through to mint
		default:
			return fmt.Errorf("check idempotency: %w", err)
		}

		var balance int64
		err = tx.QueryRowContext(ctx, `SELECT balance FROM principals WHERE id = ?`, string(p.BuyerID)).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrUnknownPrincipal
		}
		if err != nil {
			return fmt.Errorf("load buyer balance: %w", err)
		}

		if balance < p.Amount {
			outcome = ledger.MintOutcome{Status: ledger.MintInsufficientFunds}
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE principals SET balance = balance - ?, escrow_balance = escrow_balance + ? WHERE id = ?`,
			p.Amount, p.Amount, string(p.BuyerID),
		)
		if err != nil {
			return fmt.Errorf("debit buyer: %w", err)
		}

		expiresAt := p.Now.Add(p.TTL)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tokens (token_id, buyer_id, seller_id, amount, created_at, expires_at, idempotency_key)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, string(p.TokenID), string(p.BuyerID), string(p.SellerID), p.Amount,
			p.Now.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano), p.IdemKey)
		if err != nil {
			return fmt.Errorf("insert token: %w", err)
		}

		// Inserted in the same transaction as the token, but into its
		// own table: this row outlives the token row across Settle and
		// Sweep, per the idempotency record's independent retention.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO idempotency_records (buyer_id, idempotency_key, token_id, seller_id, amount, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, string(p.BuyerID), p.IdemKey, string(p.TokenID), string(p.SellerID), p.Amount,
			p.Now.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert idempotency record: %w", err)
		}

		outcome = ledger.MintOutcome{Status: ledger.MintMinted, Token: ledger.Token{
			ID:             p.TokenID,
			BuyerID:        p.BuyerID,
			SellerID:       p.SellerID,
			Amount:         p.Amount,
			CreatedAt:      p.Now,
			ExpiresAt:      expiresAt,
			IdempotencyKey: p.IdemKey,
		}}
		return nil
	})
	if err != nil {
		return ledger.MintOutcome{}, err
	}
	return outcome, nil
}

// =============================================================================
// TX_SETTLE
// =============================================================================

func (s *Store) TxSettle(ctx context.Context, p ledger.SettleParams) (ledger.SettleOutcome, error) {
	var outcome ledger.SettleOutcome

	err := s.withImmediateTx(ctx, func(tx *sql.Conn) error {
		tok, err := scanTokenByID(ctx, tx, string(p.TokenID))
		if errors.Is(err, ledger.ErrTokenNotFound) {
			outcome = ledger.SettleOutcome{Status: ledger.SettleNotFound}
			return nil
		}
		if err != nil {
			return err
		}

		if tok.SellerID != p.SellerID {
			if p.BurnOnSellerMismatch {
				if _, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE token_id = ?`, string(tok.ID)); err != nil {
					return fmt.Errorf("burn mismatched token: %w", err)
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE principals SET balance = balance + ?, escrow_balance = MAX(escrow_balance - ?, 0) WHERE id = ?`,
					tok.Amount, tok.Amount, string(tok.BuyerID),
				); err != nil {
					return fmt.Errorf("release buyer escrow: %w", err)
				}
			}
			outcome = ledger.SettleOutcome{Status: ledger.SettleSellerMismatch}
			return nil
		}

		if tok.Expired(p.Now) {
			outcome = ledger.SettleOutcome{Status: ledger.SettleExpired}
			return nil
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE token_id = ?`, string(tok.ID)); err != nil {
			return fmt.Errorf("burn token: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE principals SET escrow_balance = MAX(escrow_balance - ?, 0) WHERE id = ?`,
			tok.Amount, string(tok.BuyerID),
		); err != nil {
			return fmt.Errorf("release buyer escrow: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE principals SET total_earned = total_earned + ?, reputation = reputation + 1 WHERE id = ?`,
			tok.Amount, string(tok.SellerID),
		); err != nil {
			return fmt.Errorf("credit seller: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger (id, buyer_id, seller_id, amount, token_id, settled_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, uuid.New().String(), string(tok.BuyerID), string(tok.SellerID), tok.Amount, string(tok.ID), p.Now.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("append ledger entry: %w", err)
		}

		outcome = ledger.SettleOutcome{Status: ledger.SettleSettled, BuyerID: tok.BuyerID}
		return nil
	})
	if err != nil {
		return ledger.SettleOutcome{}, err
	}
	return outcome, nil
}

// =============================================================================
// TX_SWEEP
// =============================================================================

func (s *Store) TxSweep(ctx context.Context, now time.Time, limit int) (int, error) {
	var reclaimed int

	err := s.withImmediateTx(ctx, func(tx *sql.Conn) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT token_id, buyer_id, amount FROM tokens WHERE expires_at <= ? LIMIT ?`,
			now.Format(time.RFC3339Nano), limit,
		)
		if err != nil {
			return fmt.Errorf("select expired tokens: %w", err)
		}

		type expired struct {
			tokenID, buyerID string
			amount           int64
		}
		var batch []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.tokenID, &e.buyerID, &e.amount); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired token: %w", err)
			}
			batch = append(batch, e)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, e := range batch {
			res, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE token_id = ?`, e.tokenID)
			if err != nil {
				return fmt.Errorf("delete expired token: %w", err)
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				continue
			}

			if _, err := tx.ExecContext(ctx,
				`UPDATE principals SET balance = balance + ?, escrow_balance = MAX(escrow_balance - ?, 0) WHERE id = ?`,
				e.amount, e.amount, e.buyerID,
			); err != nil {
				return fmt.Errorf("refund buyer escrow: %w", err)
			}
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reclaimed, nil
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

func (s *Store) InvariantSnapshot(ctx context.Context, buyerID, sellerID ledger.PrincipalID) (ledger.InvariantSnapshot, error) {
	buyer, err := s.GetPrincipal(ctx, buyerID)
	if err != nil {
		return ledger.InvariantSnapshot{}, err
	}
	seller, err := s.GetPrincipal(ctx, sellerID)
	if err != nil {
		return ledger.InvariantSnapshot{}, err
	}

	var liveTokens int
	var escrowOwed sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM tokens WHERE buyer_id = ?`,
		string(buyerID),
	).Scan(&liveTokens, &escrowOwed)
	if err != nil {
		return ledger.InvariantSnapshot{}, fmt.Errorf("count live tokens: %w", err)
	}

	return ledger.InvariantSnapshot{
		Buyer:      buyer,
		Seller:     seller,
		LiveTokens: liveTokens,
		EscrowOwed: escrowOwed.Int64,
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func scanTokenByID(ctx context.Context, tx *sql.Conn, tokenID string) (ledger.Token, error) {
	var tok ledger.Token
	var buyerID, sellerID, createdAt, expiresAt, idemKey string

	err := tx.QueryRowContext(ctx, `
		SELECT token_id, buyer_id, seller_id, amount, created_at, expires_at, idempotency_key
		FROM tokens WHERE token_id = ?
	`, tokenID).Scan(&tok.ID, &buyerID, &sellerID, &tok.Amount, &createdAt, &expiresAt, &idemKey)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Token{}, ledger.ErrTokenNotFound
	}
	if err != nil {
		return ledger.Token{}, fmt.Errorf("scan token: %w", err)
	}

	tok.BuyerID = ledger.PrincipalID(buyerID)
	tok.SellerID = ledger.PrincipalID(sellerID)
	tok.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	tok.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	tok.IdempotencyKey = idemKey
	return tok, nil
}

// withImmediateTx runs fn inside a BEGIN IMMEDIATE transaction, retrying
// a bounded number of times with doubling backoff if SQLite reports the
// database as locked. This is the SKIP LOCKED substitute: rather than
// skipping a locked row, the whole attempt steps aside and retries.
func (s *Store) withImmediateTx(ctx context.Context, fn func(tx *sql.Conn) error) error {
	const maxAttempts = 3
	backoff := 10 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := s.attemptImmediateTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		lastErr = err

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("database busy after %d attempts: %w", maxAttempts, lastErr)
}

// attemptImmediateTx checks out the pool's sole connection, issues
// BEGIN IMMEDIATE on it directly, and hands that same connection to fn
// for the duration of the transaction. database/sql's BeginTx has no
// way to express a non-default BEGIN statement, so the lock is
// acquired with a raw Exec on a pinned *sql.Conn instead of through
// *sql.Tx; with SetMaxOpenConns(1) this conn is the only writer the
// pool can ever hand out.
func (s *Store) attemptImmediateTx(ctx context.Context, fn func(tx *sql.Conn) error) (err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}

	// Recover from a panic inside fn by rolling back, then re-panic, so
	// a programming error never leaves the connection mid-transaction.
	defer func() {
		if r := recover(); r != nil {
			conn.ExecContext(ctx, "ROLLBACK")
			panic(r)
		}
	}()

	if ferr := fn(conn); ferr != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return ferr
	}

	_, err = conn.ExecContext(ctx, "COMMIT")
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
