// Package database is the embedding facade: it owns the registry, the
// per-table engines and smart indices, the version indices, the column
// indices, and the query engine, all rooted at one database directory.
package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kasuganosora/versdb/pkg/concurrent"
	"github.com/kasuganosora/versdb/pkg/config"
	"github.com/kasuganosora/versdb/pkg/core"
	"github.com/kasuganosora/versdb/pkg/index"
	"github.com/kasuganosora/versdb/pkg/indices"
	"github.com/kasuganosora/versdb/pkg/log"
	"github.com/kasuganosora/versdb/pkg/query"
	"github.com/kasuganosora/versdb/pkg/registry"
	"github.com/kasuganosora/versdb/pkg/table"
	"github.com/kasuganosora/versdb/pkg/version"
	"github.com/kasuganosora/versdb/pkg/workerpool"
)

// tableState bundles one table with its derived structures.
type tableState struct {
	table    *table.Table
	builder  *indices.Builder
	versions int // log entry count, the next version id - 1
	drainer  *concurrent.Drainer
}

// Database is one open database directory.
type Database struct {
	mu       sync.RWMutex
	basePath string
	cfg      *config.Config
	registry *registry.Registry
	tables   map[string]*tableState
	verIdx   *version.Indices
	colIdx   map[string]index.Index
	engine   *query.Engine
}

// Options tune Open.
type Options struct {
	// SkipDrainers leaves the queue consumers of the tables loaded at Open
	// stopped (tests, CLI one-shots). Tables created later through
	// CreateTable always get a running drainer.
	SkipDrainers bool
}

// Open loads (or initialises) the database at basePath.
func Open(basePath string, opts Options) (*Database, error) {
	cfg := config.LoadOrDefault(basePath)
	if err := log.Init(cfg.LogLevel, cfg.LogPath); err != nil {
		return nil, err
	}

	reg, err := registry.Init(basePath)
	if err != nil {
		return nil, err
	}

	indicesDir := filepath.Join(basePath, "indices")
	if err := os.MkdirAll(indicesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create indices dir: %w", err)
	}

	// The version indices are always tree-backed: their range queries
	// have no hash fallback.
	verFactory := index.NewFactory(indicesDir, index.Config{
		Backend:    index.BackendBTree,
		BTreeOrder: cfg.Index.BTreeOrder,
	})
	verIdx, err := version.OpenIndices(verFactory)
	if err != nil {
		return nil, err
	}

	db := &Database{
		basePath: basePath,
		cfg:      cfg,
		registry: reg,
		tables:   make(map[string]*tableState),
		verIdx:   verIdx,
		colIdx:   make(map[string]index.Index),
	}
	db.engine = query.NewEngine(db)

	if err := db.loadTables(opts); err != nil {
		db.Close()
		return nil, err
	}

	log.L().Info("database opened",
		zap.String("path", basePath), zap.Int("tables", len(db.tables)))
	return db, nil
}

// loadTables attaches every table directory, building smart indices in
// parallel.
func (db *Database) loadTables(opts Options) error {
	tablesDir := filepath.Join(db.basePath, "tables")
	entries, err := os.ReadDir(tablesDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read tables dir: %w", err)
	}

	var mu sync.Mutex
	tasks := make([]workerpool.Task, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		tasks = append(tasks, func(ctx context.Context) error {
			state, err := db.attachTable(name, opts)
			if err != nil {
				return err
			}
			mu.Lock()
			db.tables[name] = state
			mu.Unlock()
			return nil
		})
	}
	return workerpool.Run(max(2, runtime.NumCPU()/2), tasks)
}

func (db *Database) attachTable(name string, opts Options) (*tableState, error) {
	tbl, err := table.Open(db.basePath, name, db.registry)
	if err != nil {
		return nil, err
	}
	entries, err := tbl.ListVersions()
	if err != nil {
		return nil, err
	}

	state := &tableState{table: tbl, versions: len(entries)}
	if state.builder, err = db.newBuilder(name); err != nil {
		return nil, err
	}

	content, err := tbl.Content()
	if err != nil {
		return nil, err
	}
	if err := state.builder.Build(parseKeys(content)); err != nil {
		return nil, err
	}

	tbl.SetHook(db.writeHook(state))
	if !opts.SkipDrainers {
		state.drainer = concurrent.NewDrainer(db.basePath, name, db.drainHandler)
		state.drainer.Start()
	}
	return state, nil
}

func (db *Database) newBuilder(tableName string) (*indices.Builder, error) {
	if !db.cfg.Index.Persistent {
		return indices.NewBuilder(), nil
	}
	dir := filepath.Join(db.basePath, "indices", tableName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create table index dir: %w", err)
	}
	factory := index.NewFactory(dir, index.Config{
		Backend:    index.BackendType(db.cfg.Index.Backend),
		BTreeOrder: db.cfg.Index.BTreeOrder,
		SyncWrites: db.cfg.Index.SyncWrites,
	})
	return indices.NewPersistentBuilder(factory)
}

// parseKeys derives the smart-index key set from table content. Rows
// whose key is not a structured key stay out of the smart indices and
// are reached by scans.
func parseKeys(content *table.Content) []core.KeyIndex {
	keys := make([]core.KeyIndex, 0, len(content.Rows))
	for i := range content.Rows {
		ki, err := core.ParseKey(content.KeyAt(i))
		if err != nil {
			continue
		}
		ki.Row = i
		keys = append(keys, *ki)
	}
	return keys
}

// writeHook refreshes the derived structures after each committed write.
func (db *Database) writeHook(state *tableState) table.Hook {
	return func(t *table.Table, e *version.Entry, newContent []byte) {
		content, err := table.ParseContent(newContent)
		if err != nil {
			log.L().Error("index refresh failed", zap.String("table", t.Name()), zap.Error(err))
			return
		}

		keys := parseKeys(content)
		if appended, fresh := appendedOnly(state.builder, content); appended {
			// Pure appends keep prior ordinals stable: incremental insert.
			for i := range fresh {
				if err := state.builder.Insert(&fresh[i]); err != nil {
					log.L().Error("incremental index insert failed", zap.Error(err))
				}
			}
		} else if err := state.builder.Build(keys); err != nil {
			log.L().Error("index rebuild failed", zap.String("table", t.Name()), zap.Error(err))
		}

		state.versions++
		if err := db.verIdx.Insert(state.versions, e.Timestamp, e.FrameID); err != nil {
			log.L().Error("version index update failed", zap.Error(err))
		}

		db.refreshColumnIndices(t.Name(), content)
	}
}

// appendedOnly reports whether the new content strictly extends the
// indexed rows, returning the fresh tail keys.
func appendedOnly(b *indices.Builder, content *table.Content) (bool, []core.KeyIndex) {
	n := b.RowCount()
	if len(content.Rows) < n {
		return false, nil
	}
	for i := 0; i < n; i++ {
		key, ok := b.KeyAt(i)
		if !ok || key != content.KeyAt(i) {
			return false, nil
		}
	}
	var fresh []core.KeyIndex
	for i := n; i < len(content.Rows); i++ {
		ki, err := core.ParseKey(content.KeyAt(i))
		if err != nil {
			continue
		}
		ki.Row = i
		fresh = append(fresh, *ki)
	}
	return true, fresh
}

// drainHandler applies one queued write while the drainer holds the
// table lock.
func (db *Database) drainHandler(tableName string, w *concurrent.PendingWrite) error {
	db.mu.RLock()
	state, ok := db.tables[tableName]
	db.mu.RUnlock()
	if !ok {
		return &table.ErrTableNotFound{Table: tableName}
	}

	content, err := state.table.Content()
	if err != nil {
		return err
	}
	for _, row := range w.Rows {
		switch w.Operation {
		case concurrent.OpDelete:
			content.Delete(row.Key)
		default:
			content.Upsert(append([]string{row.Key}, row.Values...))
		}
	}

	user, err := db.registry.GetUsername(registry.UserSystem)
	if err != nil {
		return err
	}
	_, err = state.table.WriteLocked(content.Bytes(), user, table.WriteOptions{
		Action: string(actionFor(w.Operation)),
	})
	return err
}

func actionFor(op concurrent.WriteOperation) string {
	switch op {
	case concurrent.OpInsert:
		return "create"
	case concurrent.OpDelete:
		return "delete"
	default:
		return "update"
	}
}

// ---- catalog surface (query.Catalog) ----

// Table returns the handle of a named table.
func (db *Database) Table(name string) (*table.Table, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	state, ok := db.tables[name]
	if !ok {
		return nil, &table.ErrTableNotFound{Table: name}
	}
	return state.table, nil
}

// Builder returns the smart-index manager of a named table.
func (db *Database) Builder(name string) (*indices.Builder, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	state, ok := db.tables[name]
	if !ok {
		return nil, &table.ErrTableNotFound{Table: name}
	}
	return state.builder, nil
}

// CreateColumnIndex builds a persistent column index
// (`<table>.<column>`) and registers it for write-through refresh.
func (db *Database) CreateColumnIndex(tableName, column string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	state, ok := db.tables[tableName]
	if !ok {
		return &table.ErrTableNotFound{Table: tableName}
	}
	name := tableName + "." + column
	if _, exists := db.colIdx[name]; exists {
		return &index.ErrIndexAlreadyExists{Name: name}
	}

	content, err := state.table.Content()
	if err != nil {
		return err
	}
	ci := content.ColumnIndex(column)
	if ci < 0 {
		return &query.ErrColumnNotFound{Column: column, Table: tableName}
	}

	factory := index.NewFactory(filepath.Join(db.basePath, "indices"), index.Config{
		Backend:    index.BackendBTree,
		BTreeOrder: db.cfg.Index.BTreeOrder,
	})
	idx, err := factory.ForName(name)
	if err != nil {
		return err
	}
	if err := populateColumnIndex(idx, content, ci); err != nil {
		idx.Close()
		return err
	}

	db.colIdx[name] = idx
	log.L().Info("column index created", zap.String("index", name))
	return nil
}

func populateColumnIndex(idx index.Index, content *table.Content, ci int) error {
	byValue := make(map[string][]int)
	for i := range content.Rows {
		v := content.Rows[i][ci]
		byValue[v] = append(byValue[v], i)
	}
	for v, rows := range byValue {
		if err := idx.Insert(v, index.EncodeRows(rows)); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) refreshColumnIndices(tableName string, content *table.Content) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	prefix := tableName + "."
	for name, idx := range db.colIdx {
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		column := name[len(prefix):]
		ci := content.ColumnIndex(column)
		if ci < 0 {
			continue
		}
		// Rewrite the value lists; stale values are dropped.
		entries, err := idx.Iter()
		if err == nil {
			for _, e := range entries {
				_ = idx.Delete(e.Key)
			}
		}
		if err := populateColumnIndex(idx, content, ci); err != nil {
			log.L().Error("column index refresh failed", zap.String("index", name), zap.Error(err))
		}
	}
}

// ---- public API ----

// CreateTable makes a new table: Absent -> Empty.
func (db *Database) CreateTable(name string, columns []string, user string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.tables[name]; exists {
		return &table.ErrTableAlreadyExists{Table: name}
	}

	tbl, err := table.Create(db.basePath, name, columns, user, db.registry)
	if err != nil {
		return err
	}
	state := &tableState{table: tbl, versions: 1}
	if state.builder, err = db.newBuilder(name); err != nil {
		return err
	}
	tbl.SetHook(db.writeHook(state))
	state.drainer = concurrent.NewDrainer(db.basePath, name, db.drainHandler)
	state.drainer.Start()
	db.tables[name] = state
	return nil
}

// Execute runs one SQL statement.
func (db *Database) Execute(sql, user string) (*query.Result, error) {
	if user == "" {
		user = auditUser()
	}
	return db.engine.Execute(sql, user)
}

// Explain plans one SQL statement without executing it.
func (db *Database) Explain(sql string) (*query.Plan, error) {
	return db.engine.Explain(sql)
}

// EnqueueWrite parks a write for the background drainer, used by writers
// that find the lock held and elect to defer.
func (db *Database) EnqueueWrite(tableName string, w *concurrent.PendingWrite) (string, error) {
	db.mu.RLock()
	_, ok := db.tables[tableName]
	db.mu.RUnlock()
	if !ok {
		return "", &table.ErrTableNotFound{Table: tableName}
	}
	return concurrent.Enqueue(db.basePath, tableName, w)
}

// Tables lists table names sorted.
func (db *Database) Tables() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, 0, len(db.tables))
	for name := range db.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registry exposes the dictionary surface.
func (db *Database) Registry() *registry.Registry { return db.registry }

// VersionIndices exposes the timestamp/frame indices.
func (db *Database) VersionIndices() *version.Indices { return db.verIdx }

// TableStats returns per-table statistics.
func (db *Database) TableStats(name string) (map[string]any, error) {
	tbl, err := db.Table(name)
	if err != nil {
		return nil, err
	}
	stats, err := tbl.Stats()
	if err != nil {
		return nil, err
	}
	builder, err := db.Builder(name)
	if err == nil {
		stats["index_memory"] = builder.MemoryUsage()
		stats["index_disk"] = builder.DiskUsage()
	}
	return stats, nil
}

// IndexStats summarises every index surface.
func (db *Database) IndexStats() map[string]any {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make(map[string]any)
	for name, state := range db.tables {
		out["smart:"+name] = map[string]int64{
			"memory": state.builder.MemoryUsage(),
			"disk":   state.builder.DiskUsage(),
		}
	}
	for name, idx := range db.colIdx {
		out["column:"+name] = map[string]int64{
			"memory": idx.MemoryUsage(),
			"disk":   idx.DiskUsage(),
		}
	}
	for name, v := range db.verIdx.Stats() {
		out["version:"+name] = v
	}
	return out
}

// Close stops drainers and releases every index.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, state := range db.tables {
		if state.drainer != nil {
			state.drainer.Stop()
		}
		keep(state.builder.Close())
	}
	for _, idx := range db.colIdx {
		keep(idx.Close())
	}
	if db.verIdx != nil {
		keep(db.verIdx.Close())
	}
	log.Sync()
	return first
}

// auditUser falls back to the USER environment variable.
func auditUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "system"
}

// LockTimeout returns the configured write-lock timeout.
func (db *Database) LockTimeout() time.Duration {
	return time.Duration(db.cfg.LockTimeoutSecs) * time.Second
}
