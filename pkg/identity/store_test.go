package identity_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loginrelay/loginrelay/pkg/identity"
	"github.com/loginrelay/loginrelay/pkg/oidc"
	_ "modernc.org/sqlite"
)

func testProfile() *oidc.UserProfile {
	return &oidc.UserProfile{
		Provider:      "testop",
		Subject:       "subject-1",
		Email:         "alice@example.com",
		EmailVerified: true,
		DisplayName:   "Alice",
	}
}

func runStoreTests(t *testing.T, store identity.Store) {
	ctx := context.Background()

	first, err := store.LookupOrCreate(ctx, testProfile())
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}
	if first.ID == "" {
		t.Fatal("expected a user id")
	}
	if first.Role != identity.DefaultRole {
		t.Error("expected default role, got ", first.Role)
	}

	second, err := store.LookupOrCreate(ctx, testProfile())
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected the same user id, got %s and %s", first.ID, second.ID)
	}

	byID, err := store.GetUserByID(ctx, first.ID)
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}
	if byID.Email != "alice@example.com" {
		t.Error("unexpected email ", byID.Email)
	}

	if _, err := store.GetUserByID(ctx, "missing"); err != identity.ErrUserNotFound {
		t.Error("expected ErrUserNotFound, got ", err)
	}
}

func runConcurrentTest(t *testing.T, store identity.Store) {
	ctx := context.Background()
	const logins = 16

	ids := make([]string, logins)
	var wg sync.WaitGroup
	for i := 0; i < logins; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user, err := store.LookupOrCreate(ctx, testProfile())
			if err != nil {
				t.Error("expected nil, got ", err)
				return
			}
			ids[i] = user.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < logins; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent first logins created distinct users: %s and %s", ids[0], ids[i])
		}
	}
}

// runDetachedTest checks that returned users are copies: later logins of
// the same identity must not mutate a user a caller already holds, and
// tampering with a returned user must not reach the store.
func runDetachedTest(t *testing.T, store identity.Store) {
	ctx := context.Background()

	first, err := store.LookupOrCreate(ctx, testProfile())
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}

	updated := testProfile()
	updated.Email = "alice@renamed.example.com"

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if _, err := store.LookupOrCreate(ctx, updated); err != nil {
				t.Error("expected nil, got ", err)
				return
			}
		}
	}()
	for i := 0; i < 100; i++ {
		if got := first.Email; got != "alice@example.com" {
			t.Fatal("user handed out earlier was mutated by a later login: ", got)
		}
	}
	<-done

	first.Role = "ADMIN"
	reloaded, err := store.GetUserByID(ctx, first.ID)
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}
	if reloaded.Role != identity.DefaultRole {
		t.Error("tampering with a returned user reached the store: ", reloaded.Role)
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, identity.NewMemoryStore())
}

func TestMemoryStoreConcurrent(t *testing.T) {
	runConcurrentTest(t, identity.NewMemoryStore())
}

func TestMemoryStoreReturnsDetachedUsers(t *testing.T) {
	runDetachedTest(t, identity.NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	store, err := identity.OpenSQLiteStore(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}
	runStoreTests(t, store)
}

func TestSQLiteStoreConcurrent(t *testing.T) {
	store, err := identity.OpenSQLiteStore(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}
	runConcurrentTest(t, store)
}

func TestSQLiteStoreReturnsDetachedUsers(t *testing.T) {
	store, err := identity.OpenSQLiteStore(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}
	runDetachedTest(t, store)
}

func TestSQLiteStoreEnablesWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")
	store, err := identity.OpenSQLiteStore(path)
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}
	// force a write so the journal mode is committed to the file
	if _, err := store.LookupOrCreate(context.Background(), testProfile()); err != nil {
		t.Fatal("expected nil, got ", err)
	}

	// WAL mode is persistent; a fresh plain connection must see it
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Error("expected journal_mode wal, got ", mode)
	}
}
