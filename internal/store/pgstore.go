package store

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/modelq/internal/domain"
	"github.com/SirClappington/modelq/internal/retry"
)

// PG stores artifacts in a single Postgres table. The upsert makes
// concurrent puts to one key last-writer-wins with no partial reads.
type PG struct{ db *pgxpool.Pool }

func NewPG(db *pgxpool.Pool) *PG { return &PG{db} }

func (s *PG) Put(ctx context.Context, key string, r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrapf(err, "read body for %s", key)
	}
	err = retry.Do(ctx, 3, func() error {
		_, err := s.db.Exec(ctx, `insert into artifacts(key, body, updated_at)
values ($1, $2, now())
on conflict (key) do update set body = excluded.body, updated_at = now()`, key, body)
		return err
	})
	return errors.Wrapf(err, "put %s", key)
}

func (s *PG) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var body []byte
	err := s.db.QueryRow(ctx, `select body from artifacts where key = $1`, key).Scan(&body)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (s *PG) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`select key from artifacts where key like $1 || '%' order by key`, prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", prefix)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrapf(err, "list %s", prefix)
		}
		keys = append(keys, k)
	}
	return keys, errors.Wrapf(rows.Err(), "list %s", prefix)
}

func (s *PG) ModTime(ctx context.Context, key string) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRow(ctx, `select updated_at from artifacts where key = $1`, key).Scan(&t)
	if err == pgx.ErrNoRows {
		return time.Time{}, domain.ErrNotFound
	}
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "stat %s", key)
	}
	return t, nil
}

func (s *PG) Delete(ctx context.Context, key string) error {
	err := retry.Do(ctx, 3, func() error {
		_, err := s.db.Exec(ctx, `delete from artifacts where key = $1`, key)
		return err
	})
	return errors.Wrapf(err, "delete %s", key)
}
