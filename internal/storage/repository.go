package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertRoundSQL = `INSERT INTO attestation_rounds (
        round_ts,
        market_id,
        signer,
        format,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    RETURNING id, created_at;`

	insertAttestationSQL = `INSERT INTO attestations (
        round_id,
        idx,
        source,
        price,
        scaled_price,
        observed_at,
        digest,
        signature
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	markRoundSubmittedSQL = `UPDATE attestation_rounds
    SET status = 'submitted', tx_hash = $2
    WHERE id = $1;`

	selectAttestationsSQL = `SELECT
        a.round_id,
        a.idx,
        a.source,
        a.price::text,
        a.scaled_price::text,
        a.observed_at,
        a.digest,
        a.signature,
        r.status
    FROM attestations a
    JOIN attestation_rounds r ON r.id = a.round_id`

	listAttestationsBetweenSQL = selectAttestationsSQL + `
    WHERE a.observed_at >= $1
      AND a.observed_at < $2
    ORDER BY a.observed_at, a.round_id, a.idx;`

	listRecentAttestationsSQL = selectAttestationsSQL + `
    ORDER BY a.round_id DESC, a.idx
    LIMIT $1;`

	listRecentRoundsSQL = `SELECT
        id,
        round_ts,
        market_id,
        signer,
        format,
        status,
        tx_hash,
        error,
        created_at
    FROM attestation_rounds
    ORDER BY round_ts DESC, id DESC
    LIMIT $1;`

	countAttestationsSQL = `SELECT COUNT(*) FROM attestations;`

	deleteRoundsBeforeSQL = `DELETE FROM attestation_rounds WHERE round_ts < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RoundStore persists attestation rounds.
type RoundStore interface {
	InsertRound(ctx context.Context, round RoundRecord) (RoundRecord, error)
	MarkRoundSubmitted(ctx context.Context, id int64, txHash string) error
	ListRecentRounds(ctx context.Context, limit int) ([]RoundRecord, error)
}

// RoundPruner removes history past the retention window.
type RoundPruner interface {
	DeleteRoundsBefore(ctx context.Context, olderThan time.Time) error
}

// AttestationStore reads persisted attestations.
type AttestationStore interface {
	ListAttestationsBetween(ctx context.Context, from, to time.Time) ([]AttestationRecord, error)
	ListRecentAttestations(ctx context.Context, limit int) ([]AttestationRecord, error)
	CountAttestations(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to rounds and attestations.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ RoundStore       = (*Store)(nil)
	_ AttestationStore = (*Store)(nil)
	_ RoundPruner      = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertRound writes a round and all its attestations in one transaction.
func (s *Store) InsertRound(ctx context.Context, round RoundRecord) (RoundRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return RoundRecord{}, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return RoundRecord{}, fmt.Errorf("begin round tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var errMsg interface{}
	if round.Error != nil {
		errMsg = *round.Error
	}

	if scanErr := tx.QueryRow(ctx, insertRoundSQL,
		round.RoundTS,
		round.MarketID,
		round.Signer,
		round.Format,
		round.Status,
		errMsg,
	).Scan(&round.ID, &round.CreatedAt); scanErr != nil {
		return RoundRecord{}, fmt.Errorf("insert round: %w", scanErr)
	}

	if len(round.Attestations) > 0 {
		batch := &pgx.Batch{}
		for i := range round.Attestations {
			rec := &round.Attestations[i]
			rec.RoundID = round.ID
			batch.Queue(insertAttestationSQL,
				rec.RoundID,
				rec.Index,
				rec.Source,
				rec.Price.String(),
				rec.ScaledPrice.String(),
				rec.ObservedAt,
				rec.Digest,
				rec.Signature,
			)
		}
		if batchErr := tx.SendBatch(ctx, batch).Close(); batchErr != nil {
			return RoundRecord{}, fmt.Errorf("insert attestations: %w", batchErr)
		}
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return RoundRecord{}, fmt.Errorf("commit round: %w", commitErr)
	}
	return round, nil
}

// MarkRoundSubmitted records the transaction carrying a round.
func (s *Store) MarkRoundSubmitted(ctx context.Context, id int64, txHash string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markRoundSubmittedSQL, id, txHash)
	if execErr != nil {
		return fmt.Errorf("mark round submitted: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListRecentRounds lists rounds by descending round time, without attestations.
func (s *Store) ListRecentRounds(ctx context.Context, limit int) ([]RoundRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRoundsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent rounds: %w", queryErr)
	}
	defer rows.Close()

	rounds := make([]RoundRecord, 0, limit)
	for rows.Next() {
		var (
			rec    RoundRecord
			txHash sql.NullString
			errMsg sql.NullString
		)
		if scanErr := rows.Scan(
			&rec.ID,
			&rec.RoundTS,
			&rec.MarketID,
			&rec.Signer,
			&rec.Format,
			&rec.Status,
			&txHash,
			&errMsg,
			&rec.CreatedAt,
		); scanErr != nil {
			return nil, scanErr
		}
		if txHash.Valid {
			value := txHash.String
			rec.TxHash = &value
		}
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		rounds = append(rounds, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rounds, nil
}

// DeleteRoundsBefore prunes history; attestations cascade.
func (s *Store) DeleteRoundsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteRoundsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete rounds before: %w", execErr)
	}
	return nil
}

// ListAttestationsBetween lists attestations observed within a time window.
func (s *Store) ListAttestationsBetween(ctx context.Context, from, to time.Time) ([]AttestationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAttestationsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list attestations between: %w", queryErr)
	}
	defer rows.Close()

	return collectAttestations(rows, 0)
}

// ListRecentAttestations lists attestations of the most recent rounds.
func (s *Store) ListRecentAttestations(ctx context.Context, limit int) ([]AttestationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAttestationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent attestations: %w", queryErr)
	}
	defer rows.Close()

	return collectAttestations(rows, limit)
}

// CountAttestations counts stored attestations.
func (s *Store) CountAttestations(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAttestationsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count attestations: %w", scanErr)
	}
	return count, nil
}

func collectAttestations(rows pgx.Rows, capacity int) ([]AttestationRecord, error) {
	records := make([]AttestationRecord, 0, capacity)
	for rows.Next() {
		rec, scanErr := scanAttestation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanAttestation(rows pgx.Rows) (AttestationRecord, error) {
	var (
		rec       AttestationRecord
		priceStr  string
		scaledStr string
	)

	if err := rows.Scan(
		&rec.RoundID,
		&rec.Index,
		&rec.Source,
		&priceStr,
		&scaledStr,
		&rec.ObservedAt,
		&rec.Digest,
		&rec.Signature,
		&rec.Status,
	); err != nil {
		return AttestationRecord{}, err
	}

	var err error
	rec.Price, err = decimal.NewFromString(priceStr)
	if err != nil {
		return AttestationRecord{}, fmt.Errorf("parse price: %w", err)
	}
	rec.ScaledPrice, err = decimal.NewFromString(scaledStr)
	if err != nil {
		return AttestationRecord{}, fmt.Errorf("parse scaled price: %w", err)
	}
	return rec, nil
}
