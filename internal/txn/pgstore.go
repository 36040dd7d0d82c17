package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"feepilot/internal/policy"
)

// PGStore persists transactions in Postgres. Status moves are guarded
// by a conditional update so concurrent workers cannot double-resolve
// the same transaction.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
create table if not exists policy_transactions (
  id text primary key,
  run_id text not null,
  reason text not null default '',
  status text not null,
  backup_ids jsonb not null,
  changes jsonb not null,
  error text not null default '',
  created_at timestamptz not null,
  updated_at timestamptz not null
);
create index if not exists policy_transactions_status_idx
  on policy_transactions (status, created_at desc);
create index if not exists policy_transactions_run_idx
  on policy_transactions (run_id);
`)
	return err
}

func (s *PGStore) Insert(ctx context.Context, tx Transaction) error {
	backups, err := json.Marshal(tx.BackupIDs)
	if err != nil {
		return err
	}
	changes, err := json.Marshal(tx.Changes)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
insert into policy_transactions (id, run_id, reason, status, backup_ids, changes, error, created_at, updated_at)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, tx.ID, tx.RunID, tx.Reason, string(tx.Status), backups, changes, tx.Error, tx.CreatedAt, tx.UpdatedAt)
	return err
}

func (s *PGStore) Get(ctx context.Context, id string) (Transaction, error) {
	row := s.db.QueryRow(ctx, `
select id, run_id, reason, status, backup_ids, changes, error, created_at, updated_at
from policy_transactions
where id = $1
`, id)
	return scanTransaction(row)
}

func (s *PGStore) Transition(ctx context.Context, id string, from, to Status, errMsg string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	tag, err := s.db.Exec(ctx, `
update policy_transactions
set status = $3, error = $4, updated_at = now()
where id = $1 and status = $2
`, id, string(from), string(to), errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the id is unknown or another worker moved it first.
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: transaction %s is no longer %s", ErrBadTransition, id, from)
	}
	return nil
}

func (s *PGStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `
select id, run_id, reason, status, backup_ids, changes, error, created_at, updated_at
from policy_transactions
where status = $1
order by created_at desc
limit $2
`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *PGStore) ListRecent(ctx context.Context, limit int) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `
select id, run_id, reason, status, backup_ids, changes, error, created_at, updated_at
from policy_transactions
order by created_at desc
limit $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]Transaction, error) {
	var items []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, tx)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(scanner rowScanner) (Transaction, error) {
	var tx Transaction
	var status string
	var backups, changes []byte
	err := scanner.Scan(&tx.ID, &tx.RunID, &tx.Reason, &status, &backups, &changes, &tx.Error, &tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, err
	}
	tx.Status = Status(status)
	if err := json.Unmarshal(backups, &tx.BackupIDs); err != nil {
		return Transaction{}, err
	}
	var chs []policy.Change
	if err := json.Unmarshal(changes, &chs); err != nil {
		return Transaction{}, err
	}
	tx.Changes = chs
	return tx, nil
}
