package graph

import (
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"chatrelay/protocol"
)

func newTestGraph(t *testing.T) (*Graph, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "graph.db")
	g, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open graph: %v", err)
	}
	t.Cleanup(func() { g.Close() })

	return g, path
}

func mustCreate(t *testing.T, g *Graph, name string) {
	t.Helper()
	created, err := g.CreateAccount(name, "secret-"+name)
	if err != nil {
		t.Fatalf("CreateAccount(%s) error: %v", name, err)
	}
	if !created {
		t.Fatalf("CreateAccount(%s) returned false", name)
	}
}

func userMessage(sender, recipient, content string) *protocol.UserMessage {
	return &protocol.UserMessage{
		Header: protocol.Header{
			Sender:    sender,
			Recipient: recipient,
			Timestamp: time.Now().UTC(),
		},
		Content: content,
	}
}

func TestOpenSynthesizesMinimalGraph(t *testing.T) {
	g, _ := newTestGraph(t)

	exists, err := g.Exists(protocol.ServerName)
	if err != nil {
		t.Fatalf("Exists error: %v", err)
	}
	if !exists {
		t.Error("Expected relay pseudo-account to exist on first boot")
	}
}

func TestCreateAccountAutoFriendsRelay(t *testing.T) {
	g, _ := newTestGraph(t)
	mustCreate(t, g, "alice")

	for _, pair := range [][2]string{{"alice", protocol.ServerName}, {protocol.ServerName, "alice"}} {
		ok, err := g.IsAuthorized(pair[0], pair[1])
		if err != nil {
			t.Fatalf("IsAuthorized error: %v", err)
		}
		if !ok {
			t.Errorf("Expected %s -> %s to be authorized after registration", pair[0], pair[1])
		}
	}
}

func TestCreateAccountDuplicate(t *testing.T) {
	g, _ := newTestGraph(t)
	mustCreate(t, g, "alice")

	created, err := g.CreateAccount("alice", "other")
	if err != nil {
		t.Fatalf("CreateAccount error: %v", err)
	}
	if created {
		t.Error("Expected duplicate registration to fail")
	}

	// The original credential still verifies: the losing attempt must not
	// have mutated anything.
	ok, err := g.VerifyCredential("alice", "secret-alice")
	if err != nil || !ok {
		t.Errorf("Expected original credential to verify, got ok=%v err=%v", ok, err)
	}
}

func TestCreateAccountConcurrent(t *testing.T) {
	g, _ := newTestGraph(t)

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan bool, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := g.CreateAccount("alice", "pw")
			if err != nil {
				t.Errorf("CreateAccount error: %v", err)
				return
			}
			results <- created
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for created := range results {
		if created {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("Expected exactly one winning registration, got %d", wins)
	}
}

func TestVerifyCredentialFailsClosed(t *testing.T) {
	g, _ := newTestGraph(t)
	mustCreate(t, g, "alice")

	cases := []struct {
		name, secret string
	}{
		{protocol.ServerName, ""},         // relay account never logs in
		{protocol.ServerName, "anything"}, // even with a guessed secret
		{"nobody", "pw"},                  // unknown account
		{"alice", "wrong"},                // wrong secret
	}
	for _, tc := range cases {
		ok, err := g.VerifyCredential(tc.name, tc.secret)
		if err != nil {
			t.Fatalf("VerifyCredential(%s) error: %v", tc.name, err)
		}
		if ok {
			t.Errorf("Expected VerifyCredential(%q, %q) to fail", tc.name, tc.secret)
		}
	}

	ok, err := g.VerifyCredential("alice", "secret-alice")
	if err != nil || !ok {
		t.Errorf("Expected correct credential to verify, got ok=%v err=%v", ok, err)
	}
}

func TestEdgeSymmetry(t *testing.T) {
	g, _ := newTestGraph(t)
	mustCreate(t, g, "alice")
	mustCreate(t, g, "bob")

	added, err := g.AddEdge("alice", "bob")
	if err != nil {
		t.Fatalf("AddEdge error: %v", err)
	}
	if !added {
		t.Fatal("Expected AddEdge to succeed")
	}

	checkSymmetry(t, g)

	// Already present: no-op failure.
	added, err = g.AddEdge("bob", "alice")
	if err != nil {
		t.Fatalf("AddEdge error: %v", err)
	}
	if added {
		t.Error("Expected AddEdge on existing edge to fail")
	}

	removed, err := g.RemoveEdge("bob", "alice")
	if err != nil {
		t.Fatalf("RemoveEdge error: %v", err)
	}
	if !removed {
		t.Fatal("Expected RemoveEdge to succeed")
	}

	checkSymmetry(t, g)

	removed, err = g.RemoveEdge("alice", "bob")
	if err != nil {
		t.Fatalf("RemoveEdge error: %v", err)
	}
	if removed {
		t.Error("Expected RemoveEdge on absent edge to fail")
	}
}

// checkSymmetry verifies the standing invariant: every friend list entry is
// mirrored on the other side.
func checkSymmetry(t *testing.T, g *Graph) {
	t.Helper()

	for _, name := range []string{protocol.ServerName, "alice", "bob"} {
		friends, err := g.Friends(name)
		if err != nil {
			t.Fatalf("Friends(%s) error: %v", name, err)
		}
		for _, friend := range friends {
			reverse, err := g.Friends(friend)
			if err != nil {
				t.Fatalf("Friends(%s) error: %v", friend, err)
			}
			if !contains(reverse, name) {
				t.Errorf("Edge %s -> %s has no mirror", name, friend)
			}
		}
	}
}

func contains(names []string, want string) bool {
	for _, name := range names {
		if name == want {
			return true
		}
	}
	return false
}

func TestAddEdgeUnknownAccount(t *testing.T) {
	g, _ := newTestGraph(t)
	mustCreate(t, g, "alice")

	added, err := g.AddEdge("alice", "nobody")
	if err != nil {
		t.Fatalf("AddEdge error: %v", err)
	}
	if added {
		t.Error("Expected AddEdge with unknown account to fail")
	}
}

func TestRelayEdgesAreImmutable(t *testing.T) {
	g, _ := newTestGraph(t)
	mustCreate(t, g, "alice")

	removed, err := g.RemoveEdge("alice", protocol.ServerName)
	if err != nil {
		t.Fatalf("RemoveEdge error: %v", err)
	}
	if removed {
		t.Error("Expected relay edge removal to fail")
	}
}

func TestIsAuthorizedRequiresMutualEdge(t *testing.T) {
	g, _ := newTestGraph(t)
	mustCreate(t, g, "alice")
	mustCreate(t, g, "bob")

	ok, err := g.IsAuthorized("alice", "bob")
	if err != nil {
		t.Fatalf("IsAuthorized error: %v", err)
	}
	if ok {
		t.Error("Expected no authorization without an edge")
	}

	ok, err = g.IsAuthorized("alice", "nobody")
	if err != nil || ok {
		t.Errorf("Expected no authorization for unknown account, got ok=%v err=%v", ok, err)
	}

	if _, err := g.AddEdge("alice", "bob"); err != nil {
		t.Fatalf("AddEdge error: %v", err)
	}

	ok, err = g.IsAuthorized("bob", "alice")
	if err != nil {
		t.Fatalf("IsAuthorized error: %v", err)
	}
	if !ok {
		t.Error("Expected authorization after AddEdge")
	}
}

func TestAppendLogGate(t *testing.T) {
	g, _ := newTestGraph(t)
	mustCreate(t, g, "alice")
	mustCreate(t, g, "bob")

	logged, err := g.AppendLog(userMessage("alice", "bob", "hi"), false)
	if err != nil {
		t.Fatalf("AppendLog error: %v", err)
	}
	if logged {
		t.Error("Expected AppendLog to refuse an unauthorized message")
	}

	history, err := g.History("alice", "bob", 10)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("Expected empty log, got %d entries", len(history))
	}

	if _, err := g.AddEdge("alice", "bob"); err != nil {
		t.Fatalf("AddEdge error: %v", err)
	}

	logged, err = g.AppendLog(userMessage("alice", "bob", "hi"), false)
	if err != nil {
		t.Fatalf("AppendLog error: %v", err)
	}
	if !logged {
		t.Error("Expected AppendLog to accept an authorized message")
	}

	history, err = g.History("bob", "alice", 10)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(history) != 1 || history[0].Content != "hi" {
		t.Errorf("Expected one log entry with content \"hi\", got %+v", history)
	}
}

func TestAppendLogAdminBypass(t *testing.T) {
	g, _ := newTestGraph(t)
	mustCreate(t, g, "alice")
	mustCreate(t, g, "bob")

	// Relay-originated administrative traffic skips the authorization gate.
	logged, err := g.AppendLog(userMessage("alice", "bob", "queued reply"), true)
	if err != nil {
		t.Fatalf("AppendLog error: %v", err)
	}
	if !logged {
		t.Error("Expected bypass append to succeed")
	}
}

func TestReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.db")

	g, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open graph: %v", err)
	}
	mustCreate(t, g, "alice")
	mustCreate(t, g, "bob")
	if _, err := g.AddEdge("alice", "bob"); err != nil {
		t.Fatalf("AddEdge error: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen graph: %v", err)
	}
	defer reopened.Close()

	ok, err := reopened.IsAuthorized("alice", "bob")
	if err != nil {
		t.Fatalf("IsAuthorized error: %v", err)
	}
	if !ok {
		t.Error("Expected edge to survive a reload")
	}

	ok, err = reopened.VerifyCredential("alice", "secret-alice")
	if err != nil || !ok {
		t.Errorf("Expected credential to survive a reload, got ok=%v err=%v", ok, err)
	}
}

func TestOpenRejectsAsymmetricStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.db")

	g, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open graph: %v", err)
	}
	mustCreate(t, g, "alice")
	mustCreate(t, g, "bob")
	g.Close()

	// Break the symmetry invariant behind the graph's back.
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("Failed to open raw store: %v", err)
	}
	if _, err := conn.Exec("INSERT INTO edges (owner, friend) VALUES ('alice', 'bob')"); err != nil {
		t.Fatalf("Failed to corrupt store: %v", err)
	}
	conn.Close()

	if _, err := Open(path); !errors.Is(err, ErrCorruptStore) {
		t.Errorf("Expected ErrCorruptStore, got %v", err)
	}
}

func TestOpenRejectsAccountWithoutRelayEdge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.db")

	g, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open graph: %v", err)
	}
	g.Close()

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("Failed to open raw store: %v", err)
	}
	if _, err := conn.Exec("INSERT INTO accounts (username, secret) VALUES ('ghost', 'x')"); err != nil {
		t.Fatalf("Failed to corrupt store: %v", err)
	}
	conn.Close()

	if _, err := Open(path); !errors.Is(err, ErrCorruptStore) {
		t.Errorf("Expected ErrCorruptStore, got %v", err)
	}
}
