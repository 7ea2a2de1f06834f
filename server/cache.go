package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

// ParcelCache 保存每个地块最近一次成功拉取的原始响应（zstd 压缩）
// 上游不可用时用于启动恢复
type ParcelCache struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// CachedParcel 缓存条目
type CachedParcel struct {
	Body      []byte
	FetchedAt time.Time
}

func OpenParcelCache(path string) (*ParcelCache, error) {
	if path == "" {
		return nil, fmt.Errorf("empty cache path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS parcels (
			id TEXT PRIMARY KEY,
			body BLOB NOT NULL,
			raw_size INTEGER NOT NULL,
			fetched_at TEXT NOT NULL
		);`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		_ = db.Close()
		return nil, err
	}
	return &ParcelCache{db: db, enc: enc, dec: dec}, nil
}

// Put 覆盖写入地块原始响应
func (c *ParcelCache) Put(ctx context.Context, id string, body []byte, at time.Time) error {
	packed := c.enc.EncodeAll(body, nil)
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO parcels (id, body, raw_size, fetched_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body=excluded.body, raw_size=excluded.raw_size, fetched_at=excluded.fetched_at`,
		id, packed, len(body), at.UTC().Format(time.RFC3339Nano))
	return err
}

// Get 读取缓存；不存在时 ok=false
func (c *ParcelCache) Get(ctx context.Context, id string) (CachedParcel, bool, error) {
	var (
		packed []byte
		size   int
		at     string
	)
	err := c.db.QueryRowContext(ctx, `SELECT body, raw_size, fetched_at FROM parcels WHERE id = ?`, id).Scan(&packed, &size, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedParcel{}, false, nil
	}
	if err != nil {
		return CachedParcel{}, false, err
	}
	body, err := c.dec.DecodeAll(packed, make([]byte, 0, size))
	if err != nil {
		return CachedParcel{}, false, fmt.Errorf("decode cached parcel %s: %w", id, err)
	}
	fetchedAt, _ := time.Parse(time.RFC3339Nano, at)
	return CachedParcel{Body: body, FetchedAt: fetchedAt}, true, nil
}

func (c *ParcelCache) Close() error {
	c.dec.Close()
	err1 := c.enc.Close()
	err2 := c.db.Close()
	return errors.Join(err1, err2)
}
