package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"caseline/internal/db"
)

var (
	// ErrLockSetMismatch is returned when a unit of work asks for a table it
	// did not declare when it first locked.
	ErrLockSetMismatch = errors.New("lock set mismatch")
	ErrTableNotLocked  = errors.New("table not locked")
	ErrLockTimeout     = errors.New("lock timeout")
)

const defaultTimeout = 10 * time.Second

// MutexMap hands out one context-aware mutex per key.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]chan struct{}
}

func NewMutexMap() *MutexMap {
	return &MutexMap{mutexes: make(map[string]chan struct{})}
}

// Lock blocks until key is free or ctx is done.
func (m *MutexMap) Lock(ctx context.Context, key string) error {
	select {
	case m.getMutex(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MutexMap) Unlock(key string) {
	select {
	case <-m.getMutex(key):
	default:
		panic("lock: unlock of unlocked key " + key)
	}
}

func (m *MutexMap) getMutex(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := make(chan struct{}, 1)
	m.mutexes[key] = mu
	return mu
}

// Manager starts units of work that hold explicit table locks.
type Manager struct {
	DB      *sql.DB
	Dialect db.Dialect
	// Timeout bounds each table lock acquisition.
	Timeout time.Duration

	tables *MutexMap
}

func NewManager(conn *sql.DB, dialect db.Dialect) *Manager {
	return &Manager{DB: conn, Dialect: dialect, Timeout: defaultTimeout, tables: NewMutexMap()}
}

// Tx is a database transaction plus the table locks it declared.
type Tx struct {
	*sql.Tx
	m    *Manager
	conn *sql.Conn
	held []string
	done bool
}

// Begin opens a unit of work on a dedicated connection.
func (m *Manager) Begin(ctx context.Context) (*Tx, error) {
	conn, err := m.DB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Tx{Tx: tx, m: m, conn: conn}, nil
}

// WithTx runs fn in a unit of work, committing when fn returns nil.
func (m *Manager) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (t *Tx) Dialect() db.Dialect {
	return t.m.Dialect
}

// ForUpdate appends the dialect's row lock clause to a select.
func (t *Tx) ForUpdate(query string) string {
	return query + t.m.Dialect.ForUpdate()
}

// Lock takes the given tables in sorted order. The first call fixes the lock
// set of the unit of work; later calls must name a subset of it.
func (t *Tx) Lock(ctx context.Context, tables ...string) error {
	want := normalize(tables)
	if len(want) == 0 {
		return nil
	}
	if len(t.held) > 0 {
		for _, table := range want {
			if !t.holds(table) {
				return fmt.Errorf("%w: holding [%s], requested [%s]", ErrLockSetMismatch, strings.Join(t.held, ","), strings.Join(want, ","))
			}
		}
		return nil
	}
	timeout := t.m.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	for _, table := range want {
		lctx, cancel := context.WithTimeout(ctx, timeout)
		err := t.m.tables.Lock(lctx, table)
		cancel()
		if err != nil {
			t.release()
			return fmt.Errorf("%w: table %s: %v", ErrLockTimeout, table, err)
		}
		t.held = append(t.held, table)
		if t.m.Dialect == db.MySQL {
			if err := t.namedLock(ctx, table, timeout); err != nil {
				t.release()
				return err
			}
		}
	}
	return nil
}

func (t *Tx) namedLock(ctx context.Context, table string, timeout time.Duration) error {
	var got sql.NullInt64
	err := t.QueryRowContext(ctx, `SELECT GET_LOCK(?, ?)`, "caseline:"+table, int(timeout.Seconds())).Scan(&got)
	if err != nil {
		return fmt.Errorf("%w: table %s: %v", ErrLockTimeout, table, err)
	}
	if !got.Valid || got.Int64 != 1 {
		return fmt.Errorf("%w: table %s", ErrLockTimeout, table)
	}
	return nil
}

// EnsureLocked fails unless every table is held by this unit of work.
func (t *Tx) EnsureLocked(tables ...string) error {
	for _, table := range normalize(tables) {
		if !t.holds(table) {
			return fmt.Errorf("%w: %s", ErrTableNotLocked, table)
		}
	}
	return nil
}

// Held returns the locked tables in acquisition order.
func (t *Tx) Held() []string {
	return append([]string(nil), t.held...)
}

func (t *Tx) holds(table string) bool {
	for _, h := range t.held {
		if h == table {
			return true
		}
	}
	return false
}

func (t *Tx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	err := t.Tx.Commit()
	t.finish()
	return err
}

// Rollback is safe to defer after Commit.
func (t *Tx) Rollback() error {
	if t.done {
		return sql.ErrTxDone
	}
	err := t.Tx.Rollback()
	t.finish()
	return err
}

func (t *Tx) finish() {
	t.done = true
	if t.m.Dialect == db.MySQL && len(t.held) > 0 {
		t.conn.ExecContext(context.Background(), `SELECT RELEASE_ALL_LOCKS()`)
	}
	t.release()
	t.conn.Close()
}

func (t *Tx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.m.tables.Unlock(t.held[i])
	}
	t.held = nil
}

func normalize(tables []string) []string {
	seen := make(map[string]bool, len(tables))
	var out []string
	for _, table := range tables {
		table = strings.TrimSpace(table)
		if table == "" || seen[table] {
			continue
		}
		seen[table] = true
		out = append(out, table)
	}
	sort.Strings(out)
	return out
}
