package sheets

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresSheetTableName  = "sheet_docs"
	postgresLinkTableName   = "sheet_links"
	postgresLinkKey         = "default"
	postgresOperationTimout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend keeps one row per sheet document plus a single link-table
// snapshot row. Tables are created lazily on first use.
type PostgresBackend struct {
	dsn            string
	sheetTableName string
	linkTableName  string
	linkKey        string
	openDB         sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:            dsn,
		sheetTableName: postgresSheetTableName,
		linkTableName:  postgresLinkTableName,
		linkKey:        postgresLinkKey,
		openDB:         sql.Open,
	}, nil
}

func (b *PostgresBackend) LoadSheets() ([]RawSheetFile, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT name, doc, EXTRACT(EPOCH FROM created_at) * 1000, EXTRACT(EPOCH FROM updated_at) * 1000 FROM %s",
		postgresQuoteIdentifier(b.sheetTableName))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RawSheetFile
	for rows.Next() {
		var name, payload string
		var created, modified float64
		if err := rows.Scan(&name, &payload, &created, &modified); err != nil {
			return nil, err
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(payload), &doc); err != nil {
			log.Printf("[sheets] postgres row %s parse failed: %v", name, err)
			continue
		}
		records = append(records, RawSheetFile{
			Doc:      doc,
			Created:  int64(created),
			Modified: int64(modified),
		})
	}
	return records, rows.Err()
}

func (b *PostgresBackend) LoadLinks() (LinkSnapshot, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE link_key = $1", postgresQuoteIdentifier(b.linkTableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.linkKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot LinkSnapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (b *PostgresBackend) SaveSheet(sheet Sheet) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(sheet)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (name, doc, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`, postgresQuoteIdentifier(b.sheetTableName))
	_, err = b.db.ExecContext(ctx, query, sheet.Name, string(payload))
	return err
}

func (b *PostgresBackend) DeleteSheet(name string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE name = $1", postgresQuoteIdentifier(b.sheetTableName))
	_, err := b.db.ExecContext(ctx, query, name)
	return err
}

func (b *PostgresBackend) SaveLinks(snapshot LinkSnapshot) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (link_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (link_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(b.linkTableName))
	_, err = b.db.ExecContext(ctx, query, b.linkKey, string(payload))
	return err
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimout)
		defer cancel()

		sheetTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				name TEXT PRIMARY KEY,
				doc TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.sheetTableName))
		if _, err := db.ExecContext(ctx, sheetTable); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		linkTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				link_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.linkTableName))
		if _, err := db.ExecContext(ctx, linkTable); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
