package store

import (
	"testing"

	"github.com/bipupu/server/internal/database"
)

func setupServiceAccountStore(t *testing.T) *ServiceAccountStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewServiceAccountStore(db)
}

func TestServiceAccountExists(t *testing.T) {
	sa := setupServiceAccountStore(t)

	ok, err := sa.Exists("cosmic.fortune")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Error("unknown account should not exist")
	}

	if _, err := sa.Create("cosmic.fortune", "daily fortune pushes"); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, _ = sa.Exists("cosmic.fortune")
	if !ok {
		t.Error("created account should exist")
	}
}

func TestSubscriberMembership(t *testing.T) {
	sa := setupServiceAccountStore(t)
	sa.Create("cosmic.fortune", "")

	changed, err := sa.AddSubscriber("cosmic.fortune", "00000001")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !changed {
		t.Error("first add should change membership")
	}

	changed, _ = sa.AddSubscriber("cosmic.fortune", "00000001")
	if changed {
		t.Error("second add should be a no-op")
	}

	ok, _ := sa.IsSubscriber("cosmic.fortune", "00000001")
	if !ok {
		t.Error("expected subscriber")
	}

	subs, err := sa.Subscribers("cosmic.fortune")
	if err != nil {
		t.Fatalf("subscribers: %v", err)
	}
	if len(subs) != 1 || subs[0] != "00000001" {
		t.Errorf("subscribers = %v, want [00000001]", subs)
	}

	changed, _ = sa.RemoveSubscriber("cosmic.fortune", "00000001")
	if !changed {
		t.Error("remove should change membership")
	}
	changed, _ = sa.RemoveSubscriber("cosmic.fortune", "00000001")
	if changed {
		t.Error("second remove should be a no-op")
	}
}
