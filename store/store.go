// Package store is the reference Postgres-backed directory.Backend /
// directory.Directory implementation: one entry table with a
// materialized ancestor path per row, row-level locking for renames,
// and JSONB attribute storage via sqlx/lib-pq.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"runtime"

	"github.com/cloudldap/dnmove/directory"
	"github.com/cloudldap/dnmove/opctx"
	"github.com/cloudldap/dnmove/schema"
	"github.com/cloudldap/dnmove/util"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// Config carries the Postgres connection settings for one Store.
type Config struct {
	DBHostName     string
	DBPort         int
	DBUser         string
	DBPassword     string
	DBSchema       string
	DBName         string
	DBMaxOpenConns int
	DBMaxIdleConns int
	LogLevel       string
}

// Store is a Postgres-backed Backend bound to one naming context
// (Suffix). It also implements directory.Directory directly, since a
// deployment with exactly one backend needs no separate resolver.
type Store struct {
	db       *sqlx.DB
	sr       *schema.SchemaRegistry
	suffix   *schema.DN
	cfg      *Config
	private  bool
	mode     directory.WritabilityMode
	checkSch bool

	findByDNNorm       *sqlx.NamedStmt
	lockByDNNormForUpd *sqlx.NamedStmt
	lockTreeByParentID *sqlx.NamedStmt
	findChildByParent  *sqlx.NamedStmt
	updateRow          *sqlx.NamedStmt
	updatePath         *sqlx.NamedStmt
	updateContainer    *sqlx.NamedStmt
	insertEntry        *sqlx.NamedStmt
}

// Open connects to Postgres and prepares the statements Store needs.
func Open(cfg *Config, sr *schema.SchemaRegistry) (*Store, error) {
	connInfo := fmt.Sprintf("host=%s port=%d user=%s dbname=%s password=%s sslmode=disable search_path=%s",
		cfg.DBHostName, cfg.DBPort, cfg.DBUser, cfg.DBName, cfg.DBPassword, cfg.DBSchema)
	db, err := sqlx.Connect("postgres", connInfo)
	if err != nil {
		return nil, errors.Wrapf(err, "connect host=%s port=%d user=%s dbname=%s", cfg.DBHostName, cfg.DBPort, cfg.DBUser, cfg.DBName)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)

	s := &Store{
		db:       db,
		sr:       sr,
		suffix:   sr.SuffixDN,
		cfg:      cfg,
		mode:     directory.WritabilityEnabled,
		checkSch: true,
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetWritabilityMode, SetPrivate and SetCheckSchema let deployment
// wiring configure a Store after Open.
func (s *Store) SetWritabilityMode(m directory.WritabilityMode) { s.mode = m }
func (s *Store) SetPrivate(private bool)                        { s.private = private }
func (s *Store) SetCheckSchema(check bool)                       { s.checkSch = check }

type dbEntry struct {
	ID          int64          `db:"id"`
	Rev         int64          `db:"rev"`
	ParentID    int64          `db:"parent_id"`
	Path        pq.Int64Array  `db:"path"`
	IsContainer bool           `db:"is_container"`
	DNNorm      string         `db:"dn_norm"`
	DNOrig      string         `db:"dn_orig"`
	Attrs       types.JSONText `db:"attrs"`
}

func (s *Store) init() error {
	reportError := func(err error) error {
		return errors.Wrap(err, "failed to initialize entry store")
	}

	_, err := s.db.Exec(`
CREATE EXTENSION IF NOT EXISTS pgcrypto;
CREATE TABLE IF NOT EXISTS entry (
	id BIGSERIAL PRIMARY KEY,
	rev BIGINT NOT NULL,
	parent_id BIGINT NOT NULL,
	path BIGINT[],
	is_container BOOLEAN NOT NULL,
	dn_norm TEXT NOT NULL,
	dn_orig TEXT NOT NULL,
	attrs JSONB NOT NULL,

	CONSTRAINT uniq_entry_dn_norm UNIQUE (dn_norm),
	CONSTRAINT fk_entry_parent
		FOREIGN KEY (parent_id)
		REFERENCES entry (id)
		ON DELETE RESTRICT ON UPDATE RESTRICT
);
`)
	if err != nil {
		return reportError(err)
	}

	_, err = s.db.Exec(`
INSERT INTO entry (id, rev, parent_id, path, is_container, dn_norm, dn_orig, attrs)
VALUES (0, 1, 0, ARRAY[]::BIGINT[], TRUE, $1, $1, '{}'::jsonb)
ON CONFLICT DO NOTHING;
`, s.suffix.DNNormStr())
	if err != nil {
		return reportError(err)
	}

	s.findByDNNorm, err = s.db.PrepareNamed(`
SELECT id, rev, parent_id, path, is_container, dn_norm, dn_orig, attrs
FROM entry WHERE dn_norm = :dn_norm
`)
	if err != nil {
		return reportError(err)
	}

	s.lockByDNNormForUpd, err = s.db.PrepareNamed(`
SELECT id, rev, parent_id, path, is_container, dn_norm, dn_orig, attrs
FROM entry WHERE dn_norm = :dn_norm FOR UPDATE
`)
	if err != nil {
		return reportError(err)
	}

	s.lockTreeByParentID, err = s.db.PrepareNamed(`
SELECT id, rev, parent_id, path, is_container, dn_norm, dn_orig, attrs
FROM entry
WHERE id = :id OR path @> ARRAY[:id]::BIGINT[]
FOR UPDATE
`)
	if err != nil {
		return reportError(err)
	}

	s.findChildByParent, err = s.db.PrepareNamed(`
SELECT id, rev, parent_id, path, is_container, dn_norm, dn_orig, attrs
FROM entry WHERE parent_id = :parent_id AND id <> :id LIMIT 1
`)
	if err != nil {
		return reportError(err)
	}

	s.updateRow, err = s.db.PrepareNamed(`
UPDATE entry SET
	rev = rev + 1,
	parent_id = :parent_id,
	dn_norm = :dn_norm,
	dn_orig = :dn_orig,
	attrs = :attrs
WHERE id = :id AND rev = :rev
`)
	if err != nil {
		return reportError(err)
	}

	s.updatePath, err = s.db.PrepareNamed(`
UPDATE entry SET rev = rev + 1, path = :new_path WHERE id = :id AND rev = :rev
`)
	if err != nil {
		return reportError(err)
	}

	s.updateContainer, err = s.db.PrepareNamed(`
UPDATE entry SET rev = rev + 1, path = :path, is_container = :is_container
WHERE id = :id AND rev = :rev AND is_container != :is_container
`)
	if err != nil {
		return reportError(err)
	}

	s.insertEntry, err = s.db.PrepareNamed(`
INSERT INTO entry (rev, parent_id, is_container, dn_norm, dn_orig, attrs)
VALUES (1, :parent_id, FALSE, :dn_norm, :dn_orig, :attrs)
RETURNING id
`)
	if err != nil {
		return reportError(err)
	}

	return nil
}

// --- directory.Backend ---

func (s *Store) GetEntry(ctx context.Context, dn *schema.DN) (*schema.Entry, error) {
	var row dbEntry
	err := s.db.GetContext(ctx, &row, `
SELECT id, rev, parent_id, path, is_container, dn_norm, dn_orig, attrs
FROM entry WHERE dn_norm = $1
`, dn.DNNormStr())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "dn_norm: %s", dn.DNNormStr())
	}
	return s.toEntry(&row)
}

// RenameEntry persists the rename. It takes exclusive row locks in the
// fixed order entry-then-new-parent, rejects the new-DN-already-exists
// case explicitly rather than surfacing the unique-index violation,
// and rewrites every descendant's path when the rename moves a
// container subtree.
func (s *Store) RenameEntry(ctx context.Context, oldDN *schema.DN, newEntry *schema.Entry, opCtx *opctx.OperationContext) error {
	reportError := func(err error) error {
		return errors.Wrapf(err, "old_dn_norm: %s, new_dn_norm: %s", oldDN.DNNormStr(), newEntry.DN.DNNormStr())
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var cur dbEntry
		if err := s.get(tx, s.lockByDNNormForUpd, &cur, map[string]interface{}{"dn_norm": oldDN.DNNormStr()}); err != nil {
			if err == sql.ErrNoRows {
				return util.NewNoSuchObject()
			}
			return reportError(err)
		}

		var clash dbEntry
		err := s.get(tx, s.findByDNNorm, &clash, map[string]interface{}{"dn_norm": newEntry.DN.DNNormStr()})
		if err == nil {
			return util.NewEntryAlreadyExists()
		}
		if err != sql.ErrNoRows {
			return reportError(err)
		}

		move := !oldDN.ParentDN().Equal(newEntry.DN.ParentDN())
		if move {
			if err := s.moveParent(ctx, tx, &cur, oldDN, newEntry.DN); err != nil {
				return reportError(err)
			}
		}

		attrs, err := marshalAttrs(newEntry)
		if err != nil {
			return reportError(err)
		}

		parentID := cur.ParentID
		if move {
			var np dbEntry
			if err := s.get(tx, s.findByDNNorm, &np, map[string]interface{}{"dn_norm": newEntry.DN.ParentDN().DNNormStr()}); err != nil {
				return reportError(err)
			}
			parentID = np.ID
		}

		affected, err := s.execAffected(tx, s.updateRow, map[string]interface{}{
			"id":        cur.ID,
			"rev":       cur.Rev,
			"parent_id": parentID,
			"dn_norm":   newEntry.DN.DNNormStr(),
			"dn_orig":   newEntry.DN.DNOrigStr(),
			"attrs":     attrs,
		})
		if err != nil {
			return reportError(err)
		}
		if affected != 1 {
			return reportError(errors.New("unexpected rename update result"))
		}

		return nil
	})
}

// moveParent rewrites the path of every descendant of cur when the
// rename moves it under a different parent, and flips is_container on
// both parents as the move empties or fills them.
func (s *Store) moveParent(ctx context.Context, tx *sqlx.Tx, cur *dbEntry, oldDN, newDN *schema.DN) error {
	// For a leaf the subtree query finds only cur itself, so the
	// descendant rewrite below is empty and only the parent flags change.
	rows, err := s.stmtQuery(ctx, tx, s.lockTreeByParentID, map[string]interface{}{"id": cur.ID})
	if err != nil {
		return err
	}

	var subtree []dbEntry
	for rows.Next() {
		var e dbEntry
		if err := rows.StructScan(&e); err != nil {
			rows.Close()
			return err
		}
		if e.ID != cur.ID {
			subtree = append(subtree, e)
		}
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return rowsErr
	}

	var newParent dbEntry
	if err := s.get(tx, s.lockByDNNormForUpd, &newParent, map[string]interface{}{"dn_norm": newDN.ParentDN().DNNormStr()}); err != nil {
		return err
	}

	for _, child := range subtree {
		fromIndex := 0
		for i, p := range child.Path {
			if p == cur.ID {
				fromIndex = i
				break
			}
		}
		newChildPath := append(append([]int64{}, newParent.Path...), newParent.ID, cur.ID)
		newChildPath = append(newChildPath, child.Path[fromIndex+1:]...)

		if _, err := s.execAffected(tx, s.updatePath, map[string]interface{}{
			"id":       child.ID,
			"rev":      child.Rev,
			"new_path": pq.Array(newChildPath),
		}); err != nil {
			return err
		}
	}

	if !newParent.IsContainer {
		if _, err := s.execAffected(tx, s.updateContainer, map[string]interface{}{
			"id":           newParent.ID,
			"rev":          newParent.Rev,
			"path":         pq.Array(append(append([]int64{}, newParent.Path...), newParent.ID)),
			"is_container": true,
		}); err != nil {
			return err
		}
	}

	// The moved row itself still has the old parent_id at this point, so
	// it is excluded from the remaining-children probe.
	var remaining dbEntry
	err = s.get(tx, s.findChildByParent, &remaining, map[string]interface{}{"parent_id": cur.ParentID, "id": cur.ID})
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == sql.ErrNoRows {
		var oldParent dbEntry
		if perr := s.get(tx, s.lockByDNNormForUpd, &oldParent, map[string]interface{}{"dn_norm": oldDN.ParentDN().DNNormStr()}); perr == nil {
			if _, err := s.execAffected(tx, s.updateContainer, map[string]interface{}{
				"id":           oldParent.ID,
				"rev":          oldParent.Rev,
				"path":         nil,
				"is_container": false,
			}); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Store) IsPrivateBackend() bool                        { return s.private }
func (s *Store) GetWritabilityMode() directory.WritabilityMode { return s.mode }
func (s *Store) SupportsControl(oid string) bool               { return false }

// InsertEntry seeds an entry under an existing parent, for deployment
// wiring that needs to populate a tree before any rename runs.
func (s *Store) InsertEntry(ctx context.Context, entry *schema.Entry) error {
	parentDN := entry.DN.ParentDN()
	if parentDN == nil {
		return util.NewUnwillingToPerform("cannot insert above the suffix")
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var parent dbEntry
		if err := s.get(tx, s.findByDNNorm, &parent, map[string]interface{}{"dn_norm": parentDN.DNNormStr()}); err != nil {
			if err == sql.ErrNoRows {
				return util.NewNoSuchObject()
			}
			return errors.Wrapf(err, "parent dn_norm: %s", parentDN.DNNormStr())
		}

		attrs, err := marshalAttrs(entry)
		if err != nil {
			return errors.Wrapf(err, "dn_norm: %s", entry.DN.DNNormStr())
		}

		var id int64
		err = tx.NamedStmt(s.insertEntry).Get(&id, map[string]interface{}{
			"parent_id": parent.ID,
			"dn_norm":   entry.DN.DNNormStr(),
			"dn_orig":   entry.DN.DNOrigStr(),
			"attrs":     attrs,
		})
		if isDuplicateKeyError(err) {
			return util.NewEntryAlreadyExists()
		}
		if err != nil {
			return errors.Wrapf(err, "dn_norm: %s", entry.DN.DNNormStr())
		}
		return nil
	})
}

// --- directory.Directory (single-backend deployments) ---

func (s *Store) GetBackend(dn *schema.DN) (directory.Backend, bool) {
	if dn.Equal(s.suffix) || dn.IsSubOf(s.suffix) {
		return s, true
	}
	return nil, false
}

func (s *Store) EntryExists(ctx context.Context, dn *schema.DN) bool {
	if dn.Equal(s.suffix) {
		return true
	}
	var row dbEntry
	err := s.db.GetContext(ctx, &row, `SELECT id FROM entry WHERE dn_norm = $1`, dn.DNNormStr())
	return err == nil
}

func (s *Store) CheckSchema() bool { return s.checkSch }

func (s *Store) toEntry(row *dbEntry) (*schema.Entry, error) {
	dn, err := schema.ParseDN(s.sr, row.DNOrig)
	if err != nil {
		return nil, errors.Wrapf(err, "stored dn_orig is not parseable: %s", row.DNOrig)
	}
	e := schema.NewEntry(dn)

	var attrs map[string][]string
	if err := json.Unmarshal(row.Attrs, &attrs); err != nil {
		return nil, errors.Wrapf(err, "stored attrs is not valid JSON for dn_norm: %s", row.DNNorm)
	}
	for name, values := range attrs {
		a, err := schema.NewAttribute(s.sr, name, values)
		if err != nil {
			return nil, errors.Wrapf(err, "attribute %s on dn_norm: %s", name, row.DNNorm)
		}
		e.PutAttribute(a)
	}
	return e, nil
}

func marshalAttrs(e *schema.Entry) (types.JSONText, error) {
	out := make(map[string][]string, len(e.Attrs))
	for k, a := range e.Attrs {
		out[k] = a.Values()
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal entry attributes")
	}
	return types.JSONText(b), nil
}

// --- transaction / statement helpers ---

func (s *Store) withTx(ctx context.Context, callback func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errors.Wrap(err, "failed to begin DB transaction")
	}

	if err := callback(tx); err != nil {
		rollback(tx)
		return err
	}

	if err := commit(tx); err != nil {
		return errors.Wrap(err, "failed to commit DB transaction")
	}
	return nil
}

func rollback(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil {
		log.Printf("warn: detected error rolling back DB transaction, ignoring it: %v", err)
	}
}

func commit(tx *sqlx.Tx) error {
	if err := tx.Commit(); err != nil {
		log.Printf("warn: detected error committing DB transaction, rolling back: %v", err)
		rollback(tx)
		return err
	}
	return nil
}

func (s *Store) get(tx *sqlx.Tx, stmt *sqlx.NamedStmt, dest interface{}, params map[string]interface{}) error {
	debugSQL(s.cfg, stmt.QueryString, params)
	err := tx.NamedStmt(stmt).Get(dest, params)
	errorSQL(s.cfg, err, stmt.QueryString, params)
	return err
}

func (s *Store) stmtQuery(ctx context.Context, tx *sqlx.Tx, stmt *sqlx.NamedStmt, params map[string]interface{}) (*sqlx.Rows, error) {
	debugSQL(s.cfg, stmt.QueryString, params)
	rows, err := tx.NamedStmtContext(ctx, stmt).QueryxContext(ctx, params)
	errorSQL(s.cfg, err, stmt.QueryString, params)
	return rows, err
}

func (s *Store) execAffected(tx *sqlx.Tx, stmt *sqlx.NamedStmt, params map[string]interface{}) (int64, error) {
	debugSQL(s.cfg, stmt.QueryString, params)
	result, err := tx.NamedStmt(stmt).Exec(params)
	errorSQL(s.cfg, err, stmt.QueryString, params)
	if isDeadlockError(err) {
		return -1, util.NewRetryError(err)
	}
	if err != nil {
		return -1, err
	}
	return result.RowsAffected()
}

func isDuplicateKeyError(err error) bool {
	if e, ok := err.(*pq.Error); ok {
		return e.Code == pq.ErrorCode("23505")
	}
	return false
}

func isDeadlockError(err error) bool {
	if e, ok := err.(*pq.Error); ok {
		return e.Code == pq.ErrorCode("40P01")
	}
	return false
}

func debugSQL(cfg *Config, query string, params map[string]interface{}) {
	if cfg == nil || cfg.LogLevel != "debug" {
		return
	}
	var fname, method string
	var line int
	if pc, f, l, ok := runtime.Caller(2); ok {
		fname = filepath.Base(f)
		line = l
		method = runtime.FuncForPC(pc).Name()
	}
	log.Printf("debug: exec SQL at %s:%d:%s\n--\n%s\n%v\n--", fname, line, method, query, params)
}

func errorSQL(cfg *Config, err error, query string, params map[string]interface{}) {
	if err == nil {
		return
	}
	var fname, method string
	var line int
	if pc, f, l, ok := runtime.Caller(2); ok {
		fname = filepath.Base(f)
		line = l
		method = runtime.FuncForPC(pc).Name()
	}
	level := "error"
	if err == sql.ErrNoRows || isDuplicateKeyError(err) || isDeadlockError(err) {
		level = "info"
	}
	log.Printf("%s: failed to execute SQL at %s:%d:%s: err: %v\n--\n%s\n%v\n--", level, fname, line, method, err, query, params)
}
