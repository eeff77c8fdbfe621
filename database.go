package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name        string
	placeholder func(n int) string
	likeOp      string
	timeArg     func(time.Time) any
}

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	likeOp:      "ILIKE",
	timeArg:     func(t time.Time) any { return t.UTC() },
}

// sqlStore implements TransactionStore on top of database/sql.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{db: db, dialect: d, now: time.Now}
}

func (s *sqlStore) Insert(ctx context.Context, t Transaction) (Transaction, error) {
	t, err := normalizeForInsert(t, s.now())
	if err != nil {
		return Transaction{}, err
	}

	p := s.dialect.placeholder
	query := fmt.Sprintf(`
		INSERT INTO transactions (type, amount_cents, category, date, created_at)
		VALUES (%s, %s, %s, %s, %s)
		RETURNING id
	`, p(1), p(2), p(3), p(4), p(5))

	err = s.db.QueryRowContext(ctx, query,
		t.Type, t.AmountCents(), t.Category, s.dialect.timeArg(t.Date), s.dialect.timeArg(t.CreatedAt),
	).Scan(&t.ID)
	if err != nil {
		return Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}

	slog.DebugContext(ctx, "Transaction stored",
		"id", t.ID,
		"type", t.Type,
		"amount_cents", t.AmountCents(),
		"backend", s.dialect.name)
	return t, nil
}

func (s *sqlStore) List(ctx context.Context, f TransactionFilter) ([]Transaction, error) {
	query, args := s.buildListQuery(f)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	// ensure empty array ([]) instead of null when no rows
	transactions := make([]Transaction, 0)

	for rows.Next() {
		var (
			t         Transaction
			cents     int64
			date      dbTime
			createdAt dbTime
		)
		if err := rows.Scan(&t.ID, &t.Type, &cents, &t.Category, &date, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Amount = amountFromCents(cents)
		t.Date = date.Time
		t.CreatedAt = createdAt.Time
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return transactions, nil
}

func (s *sqlStore) buildListQuery(f TransactionFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, s.dialect.placeholder(len(args))))
	}

	if f.Type != 0 {
		add("type = %s", f.Type)
	}
	if !f.Since.IsZero() {
		add("date >= %s", s.dialect.timeArg(f.Since))
	}
	if !f.Until.IsZero() {
		add("date <= %s", s.dialect.timeArg(f.Until))
	}
	if f.Category != "" {
		add("category = %s", f.Category)
	}
	if f.Query != "" {
		add("category "+s.dialect.likeOp+` %s ESCAPE '\'`, "%"+escapeLike(f.Query)+"%")
	}

	var b strings.Builder
	b.WriteString("SELECT id, type, amount_cents, category, date, created_at FROM transactions")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY date DESC, id DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT %s", s.dialect.placeholder(len(args)))
	}
	if f.Offset > 0 {
		if f.Limit <= 0 {
			// OFFSET requires a LIMIT in SQLite; -1/ALL means no limit
			if s.dialect.name == "postgres" {
				b.WriteString(" LIMIT ALL")
			} else {
				b.WriteString(" LIMIT -1")
			}
		}
		args = append(args, f.Offset)
		fmt.Fprintf(&b, " OFFSET %s", s.dialect.placeholder(len(args)))
	}
	return b.String(), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// dbTime scans timestamps from drivers that return either time.Time or text.
type dbTime struct {
	time.Time
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into time", src)
}

func (t *dbTime) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse stored time %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

// normalizeDatabaseURL rewrites postgresql:// to postgres:// and makes sure
// sslmode is set.
func normalizeDatabaseURL(databaseURL string) string {
	if databaseURL == "" {
		return databaseURL
	}
	if strings.HasPrefix(databaseURL, "postgresql:") {
		databaseURL = "postgres" + strings.TrimPrefix(databaseURL, "postgresql")
	}
	if !strings.Contains(databaseURL, "sslmode=") {
		separator := "?"
		if strings.Contains(databaseURL, "?") {
			separator = "&"
		}
		databaseURL = databaseURL + separator + "sslmode=disable"
	}
	return databaseURL
}

// connectPostgres opens a pgx-backed *sql.DB, waiting for the server to
// accept connections.
func connectPostgres(ctx context.Context, databaseURL string, maxRetries int, retryDelay time.Duration) (*sql.DB, error) {
	config, err := pgx.ParseConfig(normalizeDatabaseURL(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	for i := 0; ; i++ {
		db := stdlib.OpenDB(*config)
		err := db.PingContext(ctx)
		if err == nil {
			slog.InfoContext(ctx, "Database connection established", "backend", "postgres")
			return db, nil
		}
		db.Close()
		if i >= maxRetries-1 {
			return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
		}

		// log the actual error on the first attempts and every 10th after
		if i%10 == 0 || i < 5 {
			slog.WarnContext(ctx, "Database not ready, retrying",
				"delay", retryDelay, "attempt", i+1, "max_attempts", maxRetries, "error", err)
		} else {
			slog.WarnContext(ctx, "Database not ready, retrying",
				"delay", retryDelay, "attempt", i+1, "max_attempts", maxRetries)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// openPostgresStore connects, migrates and returns the Postgres store.
func openPostgresStore(ctx context.Context, databaseURL string) (*sqlStore, error) {
	db, err := connectPostgres(ctx, databaseURL, 60, 2*time.Second)
	if err != nil {
		return nil, err
	}
	if err := migratePostgres(ctx, databaseURL); err != nil {
		db.Close()
		return nil, err
	}
	return newSQLStore(db, postgresDialect), nil
}
