package members

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/copilot"
	"github.com/jholhewres/memberclaw/pkg/memberclaw/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	cfg := database.DefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "members.db")
	db, err := database.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := NewStore(db, Config{EmailDomain: "club.test"}, nil)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	if _, err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if err := s.UpsertMember(ctx, Member{
		ID:             "m-1",
		UserKey:        "5511999990001",
		FullName:       "Ana Maria Souza",
		BirthDate:      "1990-04-12",
		ExpirationDate: "2027-01-31",
	}); err != nil {
		t.Fatalf("seed member: %v", err)
	}
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	applied, err := s.Migrate(context.Background())
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if applied != 0 {
		t.Errorf("applied = %d, want 0", applied)
	}
}

func TestLookupByUserKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("known member", func(t *testing.T) {
		p, err := s.LookupByUserKey(ctx, "5511999990001")
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if p == nil || p.MemberID != "m-1" || p.FullName != "Ana Maria Souza" {
			t.Errorf("unexpected profile %+v", p)
		}
	})

	t.Run("unknown number", func(t *testing.T) {
		p, err := s.LookupByUserKey(ctx, "5500000000000")
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if p != nil {
			t.Errorf("expected nil profile, got %+v", p)
		}
	})
}

func TestCreateMembershipEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	email, err := s.CreateMembershipEmail(ctx, "m-1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if email != "ana.maria.souza@club.test" {
		t.Errorf("email = %q", email)
	}

	if _, err := s.CreateMembershipEmail(ctx, "m-1", "other"); err == nil {
		t.Error("expected error when member already has an email")
	}

	p, _ := s.LookupByUserKey(ctx, "5511999990001")
	if p.MembershipEmail != email {
		t.Errorf("profile email = %q, want %q", p.MembershipEmail, email)
	}
}

func TestRequestPasswordReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.RequestPasswordReset(ctx, "m-1"); err == nil {
		t.Fatal("expected error without membership email")
	}

	if _, err := s.CreateMembershipEmail(ctx, "m-1", "ana"); err != nil {
		t.Fatal(err)
	}
	sentTo, expires, err := s.RequestPasswordReset(ctx, "m-1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if sentTo != "ana@club.test" {
		t.Errorf("sent to %q", sentTo)
	}
	if want := s.now().Add(time.Hour); !expires.Equal(want) {
		t.Errorf("expires = %v, want %v", expires, want)
	}

	if n, err := s.PurgeExpiredPasswordResets(ctx); err != nil || n != 0 {
		t.Fatalf("purge before expiry = %d, %v", n, err)
	}
	later := s.now().Add(2 * time.Hour)
	s.now = func() time.Time { return later }
	if n, err := s.PurgeExpiredPasswordResets(ctx); err != nil || n != 1 {
		t.Errorf("purge after expiry = %d, %v", n, err)
	}
}

func TestAddresses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	added, err := s.SaveAddress(ctx, "m-1", Address{Street: "Rua A, 10", City: "Recife", Country: "BR"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if added.ID == "" || added.Label != "home" {
		t.Errorf("unexpected added address %+v", added)
	}

	updated, err := s.SaveAddress(ctx, "m-1", Address{ID: added.ID, City: "Olinda"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.City != "Olinda" || updated.Street != "Rua A, 10" {
		t.Errorf("partial update lost fields: %+v", updated)
	}

	if _, err := s.SaveAddress(ctx, "m-1", Address{ID: "missing", City: "X"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := s.Addresses(ctx, "m-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].City != "Olinda" {
		t.Errorf("unexpected addresses %+v", list)
	}
}

func TestLegalRepresentatives(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rep, err := s.AddLegalRepresentative(ctx, "m-1", LegalRepresentative{FullName: "João Souza", Relationship: "father"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	list, _ := s.LegalRepresentatives(ctx, "m-1")
	if len(list) != 1 || list[0].ID != rep.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	if err := s.RemoveLegalRepresentative(ctx, "m-1", rep.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveLegalRepresentative(ctx, "m-1", rep.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove: expected ErrNotFound, got %v", err)
	}
}

func TestGroups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, g := range []Group{
		{ID: "g-run", Name: "Running", InviteLink: "https://chat.whatsapp.com/run"},
		{ID: "g-chess", Name: "Chess", InviteLink: "https://chat.whatsapp.com/chess"},
	} {
		if err := s.AddGroup(ctx, g); err != nil {
			t.Fatal(err)
		}
	}

	link, err := s.JoinGroup(ctx, "m-1", "g-run")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if link != "https://chat.whatsapp.com/run" {
		t.Errorf("link = %q", link)
	}
	if _, err := s.JoinGroup(ctx, "m-1", "g-run"); err != nil {
		t.Errorf("joining twice should succeed: %v", err)
	}
	if _, err := s.JoinGroup(ctx, "m-1", "g-none"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	groups, err := s.Groups(ctx, "m-1")
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups", len(groups))
	}
	// Ordered by name.
	if groups[0].ID != "g-chess" || groups[0].Joined {
		t.Errorf("chess: %+v", groups[0])
	}
	if groups[1].ID != "g-run" || !groups[1].Joined {
		t.Errorf("running: %+v", groups[1])
	}
}

func TestSubmitFeedback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		rating  int
		wantErr bool
	}{
		{"lowest", 1, false},
		{"highest", 5, false},
		{"zero", 0, true},
		{"too high", 6, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SubmitFeedback(ctx, "5511999990001", "", tt.rating, "")
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestToolsThroughExecutor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exec := copilot.NewToolExecutor(nil)
	s.RegisterTools(exec)
	exec.Freeze()

	if got := len(exec.ToolNames()); got != 11 {
		t.Fatalf("registered %d tools, want 11", got)
	}
	for _, def := range s.ToolDefinitions() {
		if !exec.HasTool(def.Name) {
			t.Errorf("definition %s has no handler", def.Name)
		}
	}

	member := copilot.Identity{UserKey: "5511999990001", MemberID: "m-1"}
	stranger := copilot.Identity{UserKey: "5500000000000"}

	outputs := exec.Execute(ctx, member, []copilot.ToolInvocation{
		{CallID: "c1", FunctionName: "get_member_profile"},
		{CallID: "c2", FunctionName: "add_legal_representative", Arguments: `{"full_name":"Rita"}`},
		{CallID: "c3", FunctionName: "add_legal_representative", Arguments: `{}`},
		{CallID: "c4", FunctionName: "submit_feedback", Arguments: `{"rating":5,"comment":"great"}`},
	})
	if len(outputs) != 4 {
		t.Fatalf("got %d outputs", len(outputs))
	}

	var profile map[string]any
	if err := json.Unmarshal([]byte(outputs[0].Output), &profile); err != nil {
		t.Fatalf("profile output not JSON: %v", err)
	}
	if profile["member_id"] != "m-1" {
		t.Errorf("profile = %v", profile)
	}
	if !strings.Contains(outputs[1].Output, `"representative_id"`) {
		t.Errorf("add output = %s", outputs[1].Output)
	}
	if !strings.Contains(outputs[2].Output, `"error"`) {
		t.Errorf("missing argument should produce an error payload: %s", outputs[2].Output)
	}
	if !strings.Contains(outputs[3].Output, `"recorded"`) {
		t.Errorf("feedback output = %s", outputs[3].Output)
	}

	t.Run("non-member", func(t *testing.T) {
		out := exec.Execute(ctx, stranger, []copilot.ToolInvocation{
			{CallID: "x", FunctionName: "list_addresses"},
			{CallID: "y", FunctionName: "submit_feedback", Arguments: `{"rating":3}`},
		})
		var payload map[string]string
		if err := json.Unmarshal([]byte(out[0].Output), &payload); err != nil {
			t.Fatal(err)
		}
		if payload["error"] != ErrNotMember.Error() {
			t.Errorf("payload = %v", payload)
		}
		if strings.Contains(out[1].Output, `"error"`) {
			t.Errorf("feedback from non-member should be accepted: %s", out[1].Output)
		}
	})
}
