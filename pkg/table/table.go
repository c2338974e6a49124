package table

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	mmap "github.com/edsrzf/mmap-go"
	"go.uber.org/zap"

	"github.com/kasuganosora/versdb/pkg/concurrent"
	"github.com/kasuganosora/versdb/pkg/log"
	"github.com/kasuganosora/versdb/pkg/merge"
	"github.com/kasuganosora/versdb/pkg/registry"
	"github.com/kasuganosora/versdb/pkg/schema"
	"github.com/kasuganosora/versdb/pkg/version"
)

// DefaultLockTimeout bounds how long a writer waits for the table lock.
const DefaultLockTimeout = 5 * time.Second

// commitMarker flags a write that logged its entry but may not have
// renamed current.csv yet; Open re-materialises from the log when it is
// found.
const commitMarker = "commit.pending"

// WriteOptions parameterise one table write.
type WriteOptions struct {
	// Action names the log action; defaults to "update".
	Action string
	// FrameID groups coordinated multi-table writes.
	FrameID string
	// LockTimeout defaults to DefaultLockTimeout.
	LockTimeout time.Duration
	// SkipValidation bypasses the schema check (used by rollback, whose
	// target state already passed validation when first written).
	SkipValidation bool
	// BaseTimestamp declares the version this write was composed against.
	// When another writer committed in between, the contents are merged
	// three-way using MergeStrategy before committing. Zero skips the
	// race check.
	BaseTimestamp int64
	// MergeStrategy resolves merge conflicts; defaults to last-write-wins.
	MergeStrategy merge.Strategy
}

// Hook receives committed writes so the database layer can refresh the
// smart and version indices incrementally.
type Hook func(t *Table, e *version.Entry, newContent []byte)

// Table is one versioned storage unit under tables/<name>/.
type Table struct {
	mu       sync.Mutex
	basePath string
	name     string
	log      *version.Log
	registry *registry.Registry
	hook     Hook

	lastTimestamp int64
}

// Create makes a new empty table with the given columns: Absent -> Empty.
func Create(basePath, name string, columns []string, user string, reg *registry.Registry) (*Table, error) {
	dir := tableDir(basePath, name)
	if _, err := os.Stat(dir); err == nil {
		return nil, &ErrTableAlreadyExists{Table: name}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create table dir: %w", err)
	}

	t := &Table{basePath: basePath, name: name, log: version.NewLog(dir), registry: reg}

	content := NewContent(columns).Bytes()
	userCode, err := reg.GetOrCreateUserCode(user)
	if err != nil {
		return nil, err
	}

	delta, err := version.GenerateDelta(nil, content)
	if err != nil {
		return nil, err
	}
	entry := &version.Entry{
		Timestamp:  t.nextTimestamp(),
		ActionCode: registry.ActionInit,
		UserCode:   userCode,
		Size:       int64(len(delta)),
		Rows:       0,
		Hash:       version.HashDelta(delta),
	}
	if err := t.log.Append(entry, delta); err != nil {
		return nil, err
	}
	if err := t.writeCurrent(content); err != nil {
		return nil, err
	}
	t.lastTimestamp = entry.Timestamp

	log.L().Info("table created", zap.String("table", name), zap.Strings("columns", columns))
	return t, nil
}

// Open attaches to an existing table, healing a torn write if one is
// flagged.
func Open(basePath, name string, reg *registry.Registry) (*Table, error) {
	dir := tableDir(basePath, name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, &ErrTableNotFound{Table: name}
	}

	t := &Table{basePath: basePath, name: name, log: version.NewLog(dir), registry: reg}

	entries, err := t.log.Read()
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		t.lastTimestamp = entries[len(entries)-1].Timestamp
	}

	if _, err := os.Stat(filepath.Join(dir, commitMarker)); err == nil {
		// A write crashed between log append and rename. The log is the
		// truth: re-materialise current.csv from full replay.
		content, err := t.replayAll(entries)
		if err != nil {
			return nil, err
		}
		if err := t.writeCurrent(content); err != nil {
			return nil, err
		}
		if err := os.Remove(filepath.Join(dir, commitMarker)); err != nil {
			return nil, fmt.Errorf("clear commit marker: %w", err)
		}
		log.L().Warn("healed torn write", zap.String("table", name))
	}
	return t, nil
}

// SetHook installs the post-commit index hook.
func (t *Table) SetHook(h Hook) { t.hook = h }

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Dir returns the table directory.
func (t *Table) Dir() string { return tableDir(t.basePath, t.name) }

func tableDir(basePath, name string) string {
	return filepath.Join(basePath, "tables", name)
}

func (t *Table) currentPath() string { return filepath.Join(t.Dir(), "current.csv") }

// ReadCurrent returns the materialised current blob. Readers take no
// lock: the file is replaced by atomic rename, so a mapping is always a
// committed snapshot.
func (t *Table) ReadCurrent() ([]byte, error) {
	f, err := os.Open(t.currentPath())
	if err != nil {
		return nil, fmt.Errorf("open current content: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat current content: %w", err)
	}
	if info.Size() == 0 {
		return nil, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap current content: %w", err)
	}
	defer m.Unmap()

	out := make([]byte, len(m))
	copy(out, m)
	return out, nil
}

// Content parses the current blob.
func (t *Table) Content() (*Content, error) {
	raw, err := t.ReadCurrent()
	if err != nil {
		return nil, err
	}
	return ParseContent(raw)
}

// Schema loads the optional schema.toml; nil without error when absent.
func (t *Table) Schema() (*schema.Schema, error) {
	s, err := schema.Load(filepath.Join(t.Dir(), "schema.toml"))
	if err != nil {
		var notFound *schema.ErrSchemaNotFound
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// Write commits new content under the table's write lock.
func (t *Table) Write(newContent []byte, user string, opts WriteOptions) (*version.Entry, error) {
	timeout := opts.LockTimeout
	if timeout == 0 {
		timeout = DefaultLockTimeout
	}
	lock, err := concurrent.AcquireLock(t.basePath, t.name, timeout)
	if err != nil {
		return nil, err
	}
	defer lock.Release()
	return t.WriteLocked(newContent, user, opts)
}

// WriteLocked commits new content while the caller already holds the
// table lock (the queue drainer path).
func (t *Table) WriteLocked(newContent []byte, user string, opts WriteOptions) (*version.Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	newParsed, err := ParseContent(newContent)
	if err != nil {
		return nil, err
	}

	// Validation precedes every mutation: a rejected write leaves the
	// table byte-equal to its pre-call state.
	if !opts.SkipValidation {
		s, err := t.Schema()
		if err != nil {
			return nil, err
		}
		if s != nil {
			validator, err := schema.NewValidator(s)
			if err != nil {
				return nil, err
			}
			warnings, err := validator.ValidateBatch(newParsed.RowMaps())
			if err != nil {
				return nil, err
			}
			for _, w := range warnings {
				log.L().Warn("validation warning",
					zap.String("table", t.name), zap.String("column", w.Column),
					zap.String("reason", w.Reason))
			}
		}
	}

	current, err := t.ReadCurrent()
	if err != nil {
		return nil, err
	}

	action := opts.Action
	if action == "" {
		action = "update"
	}

	// A writer racing a committed intermediate version gets a three-way
	// merge against its declared base instead of clobbering.
	if opts.BaseTimestamp != 0 && opts.BaseTimestamp != t.lastTimestamp {
		merged, mergedAction, err := t.mergeRace(current, newContent, opts)
		if err != nil {
			return nil, err
		}
		newContent = merged
		action = mergedAction
		if newParsed, err = ParseContent(newContent); err != nil {
			return nil, err
		}
	}
	actionCode, err := t.registry.GetActionCode(action)
	if err != nil {
		return nil, err
	}
	userCode, err := t.registry.GetOrCreateUserCode(user)
	if err != nil {
		return nil, err
	}

	delta, err := version.GenerateDelta(current, newContent)
	if err != nil {
		return nil, err
	}

	entry := &version.Entry{
		Timestamp:   t.nextTimestamp(),
		ActionCode:  actionCode,
		UserCode:    userCode,
		BaseVersion: t.lastTimestamp,
		Size:        int64(len(delta)),
		Rows:        len(newParsed.Rows),
		Hash:        version.HashDelta(delta),
		FrameID:     opts.FrameID,
	}

	marker := filepath.Join(t.Dir(), commitMarker)
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return nil, fmt.Errorf("write commit marker: %w", err)
	}
	if err := t.log.Append(entry, delta); err != nil {
		os.Remove(marker)
		return nil, err
	}
	if err := t.writeCurrent(newContent); err != nil {
		return nil, err
	}
	if err := os.Remove(marker); err != nil {
		return nil, fmt.Errorf("clear commit marker: %w", err)
	}
	t.lastTimestamp = entry.Timestamp

	if t.hook != nil {
		t.hook(t, entry, newContent)
	}
	log.L().Debug("table write committed",
		zap.String("table", t.name), zap.Int64("timestamp", entry.Timestamp),
		zap.Int("rows", entry.Rows), zap.String("action", action))
	return entry, nil
}

// Rollback appends a new entry whose content equals the state at the
// target timestamp. History is never rewound.
func (t *Table) Rollback(target int64, user string) (*version.Entry, error) {
	state, err := t.StateAt(target)
	if err != nil {
		return nil, err
	}
	return t.Write(state, user, WriteOptions{Action: "rollback", SkipValidation: true})
}

// ListVersions returns all log entries in chronological order.
func (t *Table) ListVersions() ([]version.Entry, error) {
	return t.log.Read()
}

// Log exposes the version log for validation tooling.
func (t *Table) Log() *version.Log { return t.log }

// StateAt reconstructs the content at the newest version whose timestamp
// is <= target, validating every delta hash on the way. Nothing is
// mutated; the first corrupt delta aborts the walk.
func (t *Table) StateAt(target int64) ([]byte, error) {
	entries, err := t.log.Read()
	if err != nil {
		return nil, err
	}

	var content []byte
	matched := false
	for i := range entries {
		if entries[i].Timestamp > target {
			break
		}
		delta, err := t.log.Delta(&entries[i])
		if err != nil {
			return nil, err
		}
		content, err = version.ApplyDelta(content, delta)
		if err != nil {
			return nil, err
		}
		matched = true
	}
	if !matched {
		return nil, &ErrVersionNotFound{Table: t.name, Timestamp: target}
	}
	return content, nil
}

// Compact coalesces the whole history into a single snapshot entry whose
// content equals the current blob. Offline only: callers stop writers
// first.
func (t *Table) Compact(user string) error {
	lock, err := concurrent.AcquireLock(t.basePath, t.name, DefaultLockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	t.mu.Lock()
	defer t.mu.Unlock()

	current, err := t.ReadCurrent()
	if err != nil {
		return err
	}
	parsed, err := ParseContent(current)
	if err != nil {
		return err
	}
	userCode, err := t.registry.GetOrCreateUserCode(user)
	if err != nil {
		return err
	}

	delta, err := version.GenerateDelta(nil, current)
	if err != nil {
		return err
	}
	entry := version.Entry{
		Timestamp:  t.nextTimestamp(),
		ActionCode: registry.ActionSnapshot,
		UserCode:   userCode,
		Size:       int64(len(delta)),
		Rows:       len(parsed.Rows),
		Hash:       version.HashDelta(delta),
	}

	if err := t.log.Rewrite([]version.Entry{entry}, map[int64][]byte{entry.Timestamp: delta}); err != nil {
		return err
	}
	t.lastTimestamp = entry.Timestamp
	log.L().Info("table compacted", zap.String("table", t.name), zap.Int("rows", entry.Rows))
	return nil
}

// Stats summarises the table.
func (t *Table) Stats() (map[string]any, error) {
	entries, err := t.log.Read()
	if err != nil {
		return nil, err
	}
	content, err := t.Content()
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(t.currentPath())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"table":    t.name,
		"versions": len(entries),
		"rows":     len(content.Rows),
		"bytes":    info.Size(),
	}, nil
}

// mergeRace resolves a stale-based write: base is the writer's declared
// version, A the committed current content, B the incoming content.
func (t *Table) mergeRace(current, incoming []byte, opts WriteOptions) ([]byte, string, error) {
	baseBytes, err := t.StateAt(opts.BaseTimestamp)
	if err != nil {
		return nil, "", err
	}
	baseParsed, err := ParseContent(baseBytes)
	if err != nil {
		return nil, "", err
	}
	curParsed, err := ParseContent(current)
	if err != nil {
		return nil, "", err
	}
	inParsed, err := ParseContent(incoming)
	if err != nil {
		return nil, "", err
	}

	strategy := opts.MergeStrategy
	if strategy == "" {
		strategy = merge.LastWriteWins
	}
	result, err := merge.ThreeWay(t.name, filepath.Join(t.Dir(), "conflicts"),
		mergeRows(baseParsed),
		merge.Input{Rows: mergeRows(curParsed), Timestamp: t.lastTimestamp},
		merge.Input{Rows: mergeRows(inParsed), Timestamp: time.Now().UnixNano()},
		strategy,
	)
	if err != nil {
		return nil, "", err
	}

	out := NewContent(inParsed.Columns)
	keys := make([]string, 0, len(result.Rows))
	for k := range result.Rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		row := result.Rows[k]
		out.Rows = append(out.Rows, append([]string{row.Key}, row.Values...))
	}

	action := "automerge"
	if len(result.ConflictFiles) > 0 {
		action = "conflict"
	}
	log.L().Info("merged racing write",
		zap.String("table", t.name), zap.Int("conflicts", len(result.Conflicts)),
		zap.String("strategy", string(strategy)))
	return out.Bytes(), action, nil
}

func mergeRows(c *Content) map[string]merge.Row {
	out := make(map[string]merge.Row, len(c.Rows))
	for i := range c.Rows {
		out[c.Rows[i][0]] = merge.Row{Key: c.Rows[i][0], Values: append([]string(nil), c.Rows[i][1:]...)}
	}
	return out
}

func (t *Table) replayAll(entries []version.Entry) ([]byte, error) {
	var content []byte
	for i := range entries {
		delta, err := t.log.Delta(&entries[i])
		if err != nil {
			return nil, err
		}
		content, err = version.ApplyDelta(content, delta)
		if err != nil {
			return nil, err
		}
	}
	return content, nil
}

// writeCurrent replaces current.csv via temp write and atomic rename.
func (t *Table) writeCurrent(content []byte) error {
	path := t.currentPath()
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write current content: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write current content: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync current content: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close current content: %w", err)
	}
	return os.Rename(tmp, path)
}

// nextTimestamp hands out strictly increasing Unix-ns stamps so the log
// order matches lock-acquisition order even within one clock tick.
func (t *Table) nextTimestamp() int64 {
	ts := time.Now().UnixNano()
	if ts <= t.lastTimestamp {
		ts = t.lastTimestamp + 1
	}
	return ts
}
