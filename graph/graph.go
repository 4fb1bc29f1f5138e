package graph

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"chatrelay/protocol"
)

var (
	// ErrCorruptStore means the on-disk graph failed its startup checks.
	// The relay must not start against such a store.
	ErrCorruptStore = errors.New("corrupt graph store")
)

// Graph is the sole authority on account existence, credential verification
// and message authorization, and the sole writer of the durable store.
// Friend edges are undirected but stored as two directed rows; every write
// path keeps both directions in step inside one transaction.
type Graph struct {
	conn *sql.DB
	mu   sync.Mutex
}

// LogEntry is one persisted message of a pair's log.
type LogEntry struct {
	Sender    string
	Recipient string
	Content   string
	Timestamp time.Time
}

// Open loads the graph store at path, creating a minimal graph containing
// only the relay pseudo-account when the file does not exist yet. It
// re-validates the edge symmetry invariant and the relay account before
// returning; a violation is fatal.
func Open(path string) (*Graph, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	g := &Graph{conn: conn}
	if err := g.init(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := g.validate(); err != nil {
		conn.Close()
		return nil, err
	}

	return g, nil
}

func (g *Graph) Close() error {
	return g.conn.Close()
}

func (g *Graph) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			username TEXT PRIMARY KEY,
			secret TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			owner TEXT NOT NULL,
			friend TEXT NOT NULL,
			PRIMARY KEY (owner, friend)
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_pair ON logs(sender, recipient, id)`,
	}

	for _, query := range queries {
		if _, err := g.conn.Exec(query); err != nil {
			return err
		}
	}

	// First boot: synthesize the minimal graph. The relay pseudo-account has
	// no credentials and keeps a chat with itself, like every other pair.
	var count int
	if err := g.conn.QueryRow("SELECT COUNT(*) FROM accounts WHERE username = ?", protocol.ServerName).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		tx, err := g.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec("INSERT INTO accounts (username, secret) VALUES (?, '')", protocol.ServerName); err != nil {
			return err
		}
		if _, err := tx.Exec("INSERT INTO edges (owner, friend) VALUES (?, ?)", protocol.ServerName, protocol.ServerName); err != nil {
			return err
		}
		return tx.Commit()
	}

	return nil
}

// validate re-checks the standing invariants on the loaded store: every
// directed edge has its mirror, every edge endpoint is a known account, and
// the relay pseudo-account is connected to every account in both directions.
func (g *Graph) validate() error {
	checks := []struct {
		what  string
		query string
		args  []interface{}
	}{
		{
			"asymmetric edges",
			`SELECT COUNT(*) FROM edges e
			 WHERE NOT EXISTS (SELECT 1 FROM edges r WHERE r.owner = e.friend AND r.friend = e.owner)`,
			nil,
		},
		{
			"edges to unknown accounts",
			`SELECT COUNT(*) FROM edges e
			 WHERE NOT EXISTS (SELECT 1 FROM accounts a WHERE a.username = e.owner)
			    OR NOT EXISTS (SELECT 1 FROM accounts a WHERE a.username = e.friend)`,
			nil,
		},
		{
			"accounts not connected to the relay",
			`SELECT COUNT(*) FROM accounts a
			 WHERE NOT EXISTS (SELECT 1 FROM edges e WHERE e.owner = ? AND e.friend = a.username)`,
			[]interface{}{protocol.ServerName},
		},
	}

	for _, check := range checks {
		var count int
		if err := g.conn.QueryRow(check.query, check.args...).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %d %s", ErrCorruptStore, count, check.what)
		}
	}

	return nil
}

// Exists reports whether an account with the given name is registered. The
// relay pseudo-account exists like any other.
func (g *Graph) Exists(name string) (bool, error) {
	var count int
	err := g.conn.QueryRow("SELECT COUNT(*) FROM accounts WHERE username = ?", name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// VerifyCredential checks a login secret against the stored hash. It fails
// closed: unknown accounts and the relay pseudo-account always verify false.
func (g *Graph) VerifyCredential(name, secret string) (bool, error) {
	if name == protocol.ServerName {
		return false, nil
	}

	var hash string
	err := g.conn.QueryRow("SELECT secret FROM accounts WHERE username = ?", name).Scan(&hash)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil, nil
}

// CreateAccount registers a new account and connects it to the relay
// pseudo-account in both directions, in one transaction. It returns false
// without mutating when the name is already taken; under concurrent creation
// of the same name the accounts primary key lets exactly one attempt win.
func (g *Graph) CreateAccount(name, secret string) (bool, error) {
	if name == "" || name == protocol.ServerName {
		return false, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := g.conn.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("INSERT INTO accounts (username, secret) VALUES (?, ?)", name, string(hash)); err != nil {
		if isConstraintErr(err) {
			return false, nil
		}
		return false, err
	}
	if _, err := tx.Exec("INSERT INTO edges (owner, friend) VALUES (?, ?)", name, protocol.ServerName); err != nil {
		return false, err
	}
	if _, err := tx.Exec("INSERT INTO edges (owner, friend) VALUES (?, ?)", protocol.ServerName, name); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// AddEdge authorizes mutual messaging between a and b. It fails when either
// account is missing or the edge already exists; both directed rows are
// written in one transaction.
func (g *Graph) AddEdge(a, b string) (bool, error) {
	if a == b || a == protocol.ServerName || b == protocol.ServerName {
		return false, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := g.conn.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	for _, name := range []string{a, b} {
		var count int
		if err := tx.QueryRow("SELECT COUNT(*) FROM accounts WHERE username = ?", name).Scan(&count); err != nil {
			return false, err
		}
		if count == 0 {
			return false, nil
		}
	}

	if _, err := tx.Exec("INSERT INTO edges (owner, friend) VALUES (?, ?)", a, b); err != nil {
		if isConstraintErr(err) {
			return false, nil
		}
		return false, err
	}
	if _, err := tx.Exec("INSERT INTO edges (owner, friend) VALUES (?, ?)", b, a); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveEdge revokes mutual messaging between a and b. Edges to the relay
// pseudo-account cannot be removed; it stays connected to every account.
func (g *Graph) RemoveEdge(a, b string) (bool, error) {
	if a == b || a == protocol.ServerName || b == protocol.ServerName {
		return false, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := g.conn.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM edges WHERE owner = ? AND friend = ?", a, b)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	if _, err := tx.Exec("DELETE FROM edges WHERE owner = ? AND friend = ?", b, a); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// IsAuthorized reports whether sender may message recipient: both accounts
// exist and the edge is present in both directions.
func (g *Graph) IsAuthorized(sender, recipient string) (bool, error) {
	var count int
	err := g.conn.QueryRow(
		`SELECT COUNT(*) FROM edges
		 WHERE (owner = ? AND friend = ?) OR (owner = ? AND friend = ?)`,
		sender, recipient, recipient, sender,
	).Scan(&count)
	if err != nil {
		return false, err
	}

	want := 2
	if sender == recipient {
		want = 1
	}
	return count == want, nil
}

// AppendLog appends a message to the pair's durable log, only if the sender
// is authorized for the recipient. bypass skips the authorization gate for
// relay-originated administrative messages.
func (g *Graph) AppendLog(m protocol.Message, bypass bool) (bool, error) {
	var content string
	switch v := m.(type) {
	case *protocol.UserMessage:
		content = v.Content
	case *protocol.ServerMessage:
		content = v.Content
	default:
		return false, fmt.Errorf("cannot log message type %T", m)
	}

	h := m.Head()
	if !bypass {
		ok, err := g.IsAuthorized(h.Sender, h.Recipient)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.conn.Exec(
		"INSERT INTO logs (sender, recipient, content, timestamp) VALUES (?, ?, ?, ?)",
		h.Sender, h.Recipient, content, h.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

// History returns the log of messages exchanged between a and b, oldest
// first, in either direction.
func (g *Graph) History(a, b string, limit int) ([]LogEntry, error) {
	rows, err := g.conn.Query(
		`SELECT sender, recipient, content, timestamp FROM logs
		 WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		 ORDER BY id ASC LIMIT ?`,
		a, b, b, a, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts string
		if err := rows.Scan(&e.Sender, &e.Recipient, &e.Content, &ts); err != nil {
			return nil, err
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Friends returns the accounts name may message, relay pseudo-account
// included.
func (g *Graph) Friends(name string) ([]string, error) {
	rows, err := g.conn.Query("SELECT friend FROM edges WHERE owner = ? ORDER BY friend", name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []string
	for rows.Next() {
		var friend string
		if err := rows.Scan(&friend); err != nil {
			return nil, err
		}
		friends = append(friends, friend)
	}

	return friends, rows.Err()
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
