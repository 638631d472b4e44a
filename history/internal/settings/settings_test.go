package settings

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/viewtrail/dbopen"
)

func openStore(t *testing.T, password string) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s, err := Open(context.Background(), db, Config{
		AdminPassword: password,
		DefaultPrompt: "default prompt",
		HashCost:      bcrypt.MinCost,
	}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestCurrent_DefaultPrompt(t *testing.T) {
	// WHAT: With nothing saved, the default prompt is reported.
	// WHY: Analysis works as soon as an API key is set.
	s := openStore(t, "pw")
	cur := s.Current()
	if cur.APIKey != "" || cur.SystemPrompt != "default prompt" {
		t.Fatalf("current: %+v", cur)
	}
}

func TestSaveGet_PasswordGated(t *testing.T) {
	// WHAT: Save and Get require the admin password.
	// WHY: Settings hold the API key.
	s := openStore(t, "pw")
	ctx := context.Background()
	in := Settings{APIURL: "https://llm.local/v1", APIKey: "sk", Model: "m", SystemPrompt: "p"}

	if err := s.Save(ctx, "wrong", in); !errors.Is(err, ErrForbidden) {
		t.Fatalf("save wrong password: %v", err)
	}
	if err := s.Save(ctx, "pw", in); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Get("pw")
	if err != nil {
		t.Fatal(err)
	}
	if got != in {
		t.Errorf("get: got %+v, want %+v", got, in)
	}
	if _, err := s.Get("nope"); !errors.Is(err, ErrForbidden) {
		t.Errorf("get wrong password: %v", err)
	}
}

func TestAdminDisabled(t *testing.T) {
	s := openStore(t, "")
	if _, err := s.Get(""); !errors.Is(err, ErrAdminDisabled) {
		t.Fatalf("got %v, want ErrAdminDisabled", err)
	}
}

func TestWatch_ReloadsForeignWrite(t *testing.T) {
	// WHAT: A write by another store on the same database is picked up.
	// WHY: Several instances share one settings database.
	path := filepath.Join(t.TempDir(), "settings.db")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	open := func() *Store {
		db, err := dbopen.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { db.Close() })
		s, err := Open(ctx, db, Config{AdminPassword: "pw", HashCost: bcrypt.MinCost, PollInterval: 10 * time.Millisecond}, nil)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	reader, writer := open(), open()
	go reader.Watch(ctx)
	time.Sleep(30 * time.Millisecond)

	if err := writer.Save(ctx, "pw", Settings{APIKey: "fresh"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reader.Current().APIKey == "fresh" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("reader never saw the new settings")
}
