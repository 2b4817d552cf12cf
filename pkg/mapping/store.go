// Copyright 2024-2026 Aiku AI

// Package mapping persists the identity of every relayed message: the
// bridge's own message id, the native id of each copy on every portal, and
// which users reacted with which emoji.
package mapping

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/aiku/relaybridge/pkg/relay"
)

var createTableSql = []string{
	// The messages table holds one row per logical message.
	//
	// Field: id
	//
	//   relay.MessageID. AUTOINCREMENT so that ids of deleted or
	//   pruned messages are never handed out again.
	//
	// Field: created_at
	//
	//   Unix milliseconds when the message was first seen. Used by
	//   retention.
	//
	// Field: has_attachments
	//
	//   1 when the original message carried files. Edits of such
	//   messages are caption edits on some platforms.
	`
CREATE TABLE IF NOT EXISTS messages (
id INTEGER PRIMARY KEY AUTOINCREMENT,
created_at INTEGER NOT NULL,
has_attachments INTEGER NOT NULL DEFAULT 0
);`,
	// The message_mapping table maps a message to its native copies.
	//
	// Field: portal
	//
	//   relay.PortalID the copy lives on.
	//
	// Field: extern_id
	//
	//   Native message id on that portal. A message may have several
	//   copies on one portal, one per native message the portal
	//   created.
	`
CREATE TABLE IF NOT EXISTS message_mapping (
message_id INTEGER NOT NULL,
portal INTEGER NOT NULL,
extern_id TEXT NOT NULL,
PRIMARY KEY (message_id, extern_id, portal),
FOREIGN KEY (message_id) REFERENCES messages (id) ON DELETE CASCADE
);`,
	`
CREATE INDEX IF NOT EXISTS message_mapping_extern
ON message_mapping (portal, extern_id);`,
	// The reactions table records who reacted with what.
	//
	// Field: portal
	//
	//   relay.PortalID the reacting user is on.
	//
	// Field: author
	//
	//   Native user id of the reacting user on that portal.
	//
	// Field: emoji
	//
	//   Reaction content as the source portal reported it.
	`
CREATE TABLE IF NOT EXISTS reactions (
message_id INTEGER NOT NULL,
portal INTEGER NOT NULL,
author TEXT NOT NULL,
emoji TEXT NOT NULL,
created_at INTEGER NOT NULL,
PRIMARY KEY (message_id, portal, author, emoji),
FOREIGN KEY (message_id) REFERENCES messages (id) ON DELETE CASCADE
);`,
}

// Record is what the store keeps about a message besides its mappings.
type Record = relay.MessageRecord

// Store is a SQLite backed relay.Store.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

var _ relay.Store = (*Store)(nil)

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens or creates the database at path and makes sure the schema
// exists.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	busyTimeout := int(time.Minute / time.Millisecond)
	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_foreign_keys": {"on"},
		"_journal_mode": {"WAL"},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "Open(%q) failed: could not form a DB DSN from the given path", path)
	}
	log = log.With().Str("component", "mapping").Logger()
	log.Info().Str("dsn", dsn).Msg("Opening mapping database")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "Open(%q) failed: could not open database at %q", path, dsn)
	}
	// One connection serializes writers so concurrent fan-out goroutines
	// never see SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "Open(%q) failed: could not initialize the database schema", path)
	}
	return &Store{db: db, log: log, now: time.Now}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range createTableSql {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "while executing %q", stmt)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func persistErr(op string, err error) error {
	return &relay.PersistenceError{Op: op, Err: err}
}

func constraintKind(err error) sqlite3.ErrNoExtended {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return serr.ExtendedCode
	}
	return 0
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit failed")
}

func (s *Store) InsertMessage(ctx context.Context, msg relay.Message) (relay.MessageID, error) {
	var id relay.MessageID
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.insertMessage(ctx, tx, msg)
		return err
	})
	if err != nil {
		return 0, persistErr("insert message", err)
	}
	return id, nil
}

// InsertMappedMessage inserts msg together with its copy extern on the
// portal it was first seen on. Either both rows are written or neither:
// a source copy that is already mapped fails with relay.ErrConflict and
// leaves no message behind.
func (s *Store) InsertMappedMessage(ctx context.Context, msg relay.Message, portal relay.PortalID, extern relay.ExternMessageID) (relay.MessageID, error) {
	var id relay.MessageID
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if id, err = s.insertMessage(ctx, tx, msg); err != nil {
			return err
		}
		return addMapping(ctx, tx, id, portal, extern)
	})
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, relay.ErrConflict):
		return 0, err
	default:
		return 0, persistErr("insert message", err)
	}
}

func (s *Store) insertMessage(ctx context.Context, tx *sql.Tx, msg relay.Message) (relay.MessageID, error) {
	const q = `INSERT INTO messages (created_at, has_attachments) VALUES ($1, $2)`
	res, err := tx.ExecContext(ctx, q, s.now().UnixMilli(), len(msg.Data.Attachments) > 0)
	if err != nil {
		return 0, errors.Wrap(err, "db insert failed")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "reading inserted id")
	}
	return relay.MessageID(id), nil
}

// AddMessageMapping records extern as a copy of id on portal. An existing
// row is never replaced: adding it again fails with relay.ErrConflict.
func (s *Store) AddMessageMapping(ctx context.Context, id relay.MessageID, portal relay.PortalID, extern relay.ExternMessageID) error {
	err := addMapping(ctx, s.db, id, portal, extern)
	if err != nil && !errors.Is(err, relay.ErrConflict) && !errors.Is(err, relay.ErrNotFound) {
		return persistErr("add mapping", err)
	}
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func addMapping(ctx context.Context, db execer, id relay.MessageID, portal relay.PortalID, extern relay.ExternMessageID) error {
	const q = `INSERT INTO message_mapping (message_id, portal, extern_id) VALUES ($1, $2, $3)`
	_, err := db.ExecContext(ctx, q, int64(id), int64(portal), string(extern))
	switch constraintKind(err) {
	case 0:
	case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
		return errors.Wrapf(relay.ErrConflict, "mapping %d -> %s on portal %d", id, extern, portal)
	case sqlite3.ErrConstraintForeignKey:
		return errors.Wrapf(relay.ErrNotFound, "message %d", id)
	}
	return errors.Wrap(err, "db insert failed")
}

// MessageID returns the message whose copy on portal is extern.
func (s *Store) MessageID(ctx context.Context, extern relay.ExternMessageID, portal relay.PortalID) (relay.MessageID, error) {
	const q = `
SELECT message_id FROM message_mapping
WHERE portal = $1 AND extern_id = $2
ORDER BY rowid
`
	rows, err := s.db.QueryContext(ctx, q, int64(portal), string(extern))
	if err != nil {
		return 0, persistErr("lookup message", errors.Wrap(err, "db query failed"))
	}
	defer rows.Close()
	var ids []relay.MessageID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, persistErr("lookup message", errors.Wrap(err, "db scan failed"))
		}
		ids = append(ids, relay.MessageID(id))
	}
	if err := rows.Err(); err != nil {
		return 0, persistErr("lookup message", errors.Wrap(err, "db rows failed"))
	}
	if len(ids) == 0 {
		return 0, errors.Wrapf(relay.ErrNotFound, "%s on portal %d", extern, portal)
	}
	if len(ids) > 1 {
		s.log.Debug().Str("extern_id", string(extern)).Int("count", len(ids)).Msg("Native id maps to several messages, using the first")
	}
	return ids[0], nil
}

// ExternIDs returns the copies of id on portal in the order they were
// recorded.
func (s *Store) ExternIDs(ctx context.Context, id relay.MessageID, portal relay.PortalID) ([]relay.ExternMessageID, error) {
	const q = `
SELECT extern_id FROM message_mapping
WHERE message_id = $1 AND portal = $2
ORDER BY rowid
`
	rows, err := s.db.QueryContext(ctx, q, int64(id), int64(portal))
	if err != nil {
		return nil, persistErr("list mappings", errors.Wrap(err, "db query failed"))
	}
	defer rows.Close()
	var out []relay.ExternMessageID
	for rows.Next() {
		var ext string
		if err := rows.Scan(&ext); err != nil {
			return nil, persistErr("list mappings", errors.Wrap(err, "db scan failed"))
		}
		out = append(out, relay.ExternMessageID(ext))
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list mappings", errors.Wrap(err, "db rows failed"))
	}
	return out, nil
}

func (s *Store) Message(ctx context.Context, id relay.MessageID) (Record, error) {
	const q = `SELECT created_at, has_attachments FROM messages WHERE id = $1`
	var createdAt int64
	var hasAttachments bool
	err := s.db.QueryRowContext(ctx, q, int64(id)).Scan(&createdAt, &hasAttachments)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, errors.Wrapf(relay.ErrNotFound, "message %d", id)
	} else if err != nil {
		return Record{}, persistErr("load message", errors.Wrap(err, "db query failed"))
	}
	return Record{ID: id, CreatedAt: time.UnixMilli(createdAt), HasAttachments: hasAttachments}, nil
}

// DeleteMappings removes every copy of id recorded for the given portals.
func (s *Store) DeleteMappings(ctx context.Context, id relay.MessageID, portals ...relay.PortalID) error {
	if len(portals) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM message_mapping WHERE message_id = $1 AND portal = $2`)
		if err != nil {
			return errors.Wrap(err, "db prepare statement failed for DeleteMappings")
		}
		defer stmt.Close()
		for _, p := range portals {
			if _, err := stmt.ExecContext(ctx, int64(id), int64(p)); err != nil {
				return errors.Wrapf(err, "deleting mappings of portal %d", p)
			}
		}
		return nil
	})
	if err != nil {
		return persistErr("delete mappings", err)
	}
	return nil
}

// DeleteMessage forgets id together with its mappings and reactions.
func (s *Store) DeleteMessage(ctx context.Context, id relay.MessageID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, int64(id))
	if err != nil {
		return persistErr("delete message", errors.Wrap(err, "db delete failed"))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(relay.ErrNotFound, "message %d", id)
	}
	return nil
}

// AddReaction records that author on portal reacted to id with emoji and
// returns how many users per portal hold emoji afterwards. added is false
// when the reaction was already recorded.
func (s *Store) AddReaction(ctx context.Context, id relay.MessageID, portal relay.PortalID, author relay.ExternAuthorID, emoji string) (relay.ReactionCounts, bool, error) {
	var holders relay.ReactionCounts
	var added bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO reactions (message_id, portal, author, emoji, created_at)
VALUES ($1, $2, $3, $4, $5)`, int64(id), int64(portal), string(author), emoji, s.now().UnixMilli())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		added = n > 0
		holders, err = reactionCounts(ctx, tx, id, emoji)
		return err
	})
	if constraintKind(err) == sqlite3.ErrConstraintForeignKey {
		return nil, false, errors.Wrapf(relay.ErrNotFound, "message %d", id)
	} else if err != nil {
		return nil, false, persistErr("add reaction", errors.Wrap(err, "db insert failed"))
	}
	return holders, added, nil
}

// RemoveReaction undoes AddReaction. removed is false when the reaction
// was not recorded.
func (s *Store) RemoveReaction(ctx context.Context, id relay.MessageID, portal relay.PortalID, author relay.ExternAuthorID, emoji string) (relay.ReactionCounts, bool, error) {
	var holders relay.ReactionCounts
	var removed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM reactions WHERE message_id = $1 AND portal = $2 AND author = $3 AND emoji = $4`,
			int64(id), int64(portal), string(author), emoji)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		holders, err = reactionCounts(ctx, tx, id, emoji)
		return err
	})
	if err != nil {
		return nil, false, persistErr("remove reaction", errors.Wrap(err, "db delete failed"))
	}
	return holders, removed, nil
}

func reactionCounts(ctx context.Context, tx *sql.Tx, id relay.MessageID, emoji string) (relay.ReactionCounts, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT portal, COUNT(*) FROM reactions WHERE message_id = $1 AND emoji = $2 GROUP BY portal`, int64(id), emoji)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(relay.ReactionCounts)
	for rows.Next() {
		var portal int64
		var n int
		if err := rows.Scan(&portal, &n); err != nil {
			return nil, err
		}
		out[relay.PortalID(portal)] = n
	}
	return out, rows.Err()
}

// Reactions returns, for each author written as "portal/user", the emoji
// they reacted to id with, oldest first.
func (s *Store) Reactions(ctx context.Context, id relay.MessageID) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT portal || '/' || author, emoji FROM reactions WHERE message_id = $1 ORDER BY created_at, rowid`, int64(id))
	if err != nil {
		return nil, persistErr("list reactions", errors.Wrap(err, "db query failed"))
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var author, emoji string
		if err := rows.Scan(&author, &emoji); err != nil {
			return nil, persistErr("list reactions", errors.Wrap(err, "db scan failed"))
		}
		out[author] = append(out[author], emoji)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list reactions", errors.Wrap(err, "db rows failed"))
	}
	return out, nil
}

// Prune deletes every message first seen before cutoff, with its mappings
// and reactions, and returns how many messages went away.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, persistErr("prune", errors.Wrap(err, "db delete failed"))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("prune", errors.Wrap(err, "reading affected rows"))
	}
	return n, nil
}
