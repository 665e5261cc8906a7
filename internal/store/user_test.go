package store

import (
	"testing"

	"github.com/bipupu/server/internal/database"
)

func setupUserStore(t *testing.T) *UserStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewUserStore(db)
}

func TestUserCreateAndLookup(t *testing.T) {
	us := setupUserStore(t)

	u, err := us.Create("00000001", "pupu")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.Handle != "00000001" || !u.Active {
		t.Errorf("user = %+v, want active handle 00000001", u)
	}

	got, err := us.GetByHandle("00000001")
	if err != nil {
		t.Fatalf("get by handle: %v", err)
	}
	if got == nil || got.ID != u.ID {
		t.Errorf("lookup = %+v, want id %d", got, u.ID)
	}

	missing, err := us.GetByHandle("99999999")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown handle")
	}
}

func TestBlockUnblock(t *testing.T) {
	us := setupUserStore(t)
	us.Create("00000001", "a")
	us.Create("00000002", "b")

	if err := us.Block("00000002", "00000001"); err != nil {
		t.Fatalf("block: %v", err)
	}
	// Idempotent.
	if err := us.Block("00000002", "00000001"); err != nil {
		t.Fatalf("double block: %v", err)
	}

	blocked, err := us.IsBlocked("00000002", "00000001")
	if err != nil {
		t.Fatalf("is blocked: %v", err)
	}
	if !blocked {
		t.Error("expected blocked")
	}

	// Direction matters.
	reverse, _ := us.IsBlocked("00000001", "00000002")
	if reverse {
		t.Error("block must be directional")
	}

	if err := us.Unblock("00000002", "00000001"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	blocked, _ = us.IsBlocked("00000002", "00000001")
	if blocked {
		t.Error("expected unblocked")
	}
}
