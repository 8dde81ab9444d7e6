package repository

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/hitoshi/leadman/internal/model"
	"github.com/hitoshi/leadman/internal/query"
)

// newTestStore は作成順に1分ずつ進む時計を持つMemoryStoreを返す。
func newTestStore() *MemoryStore {
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	s.SetClock(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Minute)
	})
	return s
}

func seedLead(t *testing.T, repo LeadRepository, owner string, l model.Lead) *model.Lead {
	t.Helper()
	if l.Status == "" {
		l.Status = model.LeadStatusNew
	}
	if l.Source == "" {
		l.Source = model.LeadSourceOther
	}
	if err := repo.Create(context.Background(), owner, &l); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return &l
}

func mustPredicate(t *testing.T, raw string) query.Predicate {
	t.Helper()
	values, _ := url.ParseQuery(raw)
	p, err := query.Parse(values)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", raw, err)
	}
	return p
}

func TestMemoryLeadRepo_EmptyOwner_ReturnsErrMissingOwner(t *testing.T) {
	repo := NewMemoryStore().Leads()
	ctx := context.Background()

	if _, _, err := repo.List(ctx, "", query.Predicate{}, query.Page{Number: 1, Limit: 20}); !errors.Is(err, ErrMissingOwner) {
		t.Errorf("List err = %v, want ErrMissingOwner", err)
	}
	if _, err := repo.FindByID(ctx, "", "x"); !errors.Is(err, ErrMissingOwner) {
		t.Errorf("FindByID err = %v, want ErrMissingOwner", err)
	}
	if err := repo.Create(ctx, "", &model.Lead{}); !errors.Is(err, ErrMissingOwner) {
		t.Errorf("Create err = %v, want ErrMissingOwner", err)
	}
	if _, err := repo.Update(ctx, "", &model.Lead{}); !errors.Is(err, ErrMissingOwner) {
		t.Errorf("Update err = %v, want ErrMissingOwner", err)
	}
	if _, err := repo.Delete(ctx, "", "x"); !errors.Is(err, ErrMissingOwner) {
		t.Errorf("Delete err = %v, want ErrMissingOwner", err)
	}
}

func TestMemoryLeadRepo_List_NewestFirstWithTotal(t *testing.T) {
	repo := newTestStore().Leads()
	ctx := context.Background()

	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com"} {
		seedLead(t, repo, "owner-1", model.Lead{FirstName: "F", LastName: "L", Email: email})
	}
	seedLead(t, repo, "owner-2", model.Lead{FirstName: "F", LastName: "L", Email: "other@x.com"})

	leads, total, err := repo.List(ctx, "owner-1", query.Predicate{}, query.Page{Number: 1, Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(leads) != 2 {
		t.Fatalf("len(leads) = %d, want 2", len(leads))
	}
	if leads[0].Email != "e@x.com" || leads[1].Email != "d@x.com" {
		t.Errorf("order = [%s %s], want [e@x.com d@x.com]", leads[0].Email, leads[1].Email)
	}

	last, _, err := repo.List(ctx, "owner-1", query.Predicate{}, query.Page{Number: 3, Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(last) != 1 || last[0].Email != "a@x.com" {
		t.Errorf("last page = %v, want [a@x.com]", last)
	}

	beyond, total, err := repo.List(ctx, "owner-1", query.Predicate{}, query.Page{Number: 10, Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(beyond) != 0 || total != 5 {
		t.Errorf("beyond last page: len=%d total=%d, want 0 and 5", len(beyond), total)
	}
}

func TestMemoryLeadRepo_List_TotalReflectsPredicate(t *testing.T) {
	repo := newTestStore().Leads()
	ctx := context.Background()

	seedLead(t, repo, "owner-1", model.Lead{Email: "1@x.com", Status: model.LeadStatusQualified})
	seedLead(t, repo, "owner-1", model.Lead{Email: "2@x.com", Status: model.LeadStatusWon})
	seedLead(t, repo, "owner-1", model.Lead{Email: "3@x.com", Status: model.LeadStatusLost})
	seedLead(t, repo, "owner-2", model.Lead{Email: "4@x.com", Status: model.LeadStatusWon})

	leads, total, err := repo.List(ctx, "owner-1", mustPredicate(t, "status=qualified&status=won"), query.Page{Number: 1, Limit: 20})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 2 || len(leads) != 2 {
		t.Fatalf("total=%d len=%d, want 2 and 2", total, len(leads))
	}
	for _, l := range leads {
		if l.OwnerID != "owner-1" {
			t.Errorf("lead %s belongs to %s", l.ID, l.OwnerID)
		}
		if l.Status != model.LeadStatusQualified && l.Status != model.LeadStatusWon {
			t.Errorf("unexpected status %q", l.Status)
		}
	}
}

func TestMemoryLeadRepo_List_TieBrokenByID(t *testing.T) {
	s := NewMemoryStore()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return fixed })
	repo := s.Leads()

	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		seedLead(t, repo, "owner-1", model.Lead{Email: email})
	}

	leads, _, err := repo.List(context.Background(), "owner-1", query.Predicate{}, query.Page{Number: 1, Limit: 20})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for i := 1; i < len(leads); i++ {
		if leads[i-1].ID < leads[i].ID {
			t.Errorf("ids not descending at %d: %s < %s", i, leads[i-1].ID, leads[i].ID)
		}
	}
}

func TestMemoryLeadRepo_Create_DuplicateEmailPerOwner(t *testing.T) {
	repo := newTestStore().Leads()
	ctx := context.Background()

	seedLead(t, repo, "owner-1", model.Lead{Email: "dup@x.com"})

	err := repo.Create(ctx, "owner-1", &model.Lead{Email: "dup@x.com"})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("same owner err = %v, want ErrDuplicateEmail", err)
	}

	if err := repo.Create(ctx, "owner-2", &model.Lead{Email: "dup@x.com"}); err != nil {
		t.Errorf("other owner err = %v, want nil", err)
	}
}

func TestMemoryLeadRepo_Create_BindsOwnerAndTimestamps(t *testing.T) {
	repo := newTestStore().Leads()

	l := &model.Lead{OwnerID: "spoofed", Email: "a@x.com"}
	if err := repo.Create(context.Background(), "owner-1", l); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if l.ID == "" {
		t.Error("expected generated id")
	}
	if l.OwnerID != "owner-1" {
		t.Errorf("OwnerID = %q, want owner-1", l.OwnerID)
	}
	if l.CreatedAt.IsZero() || !l.CreatedAt.Equal(l.UpdatedAt) {
		t.Errorf("timestamps not set: created=%v updated=%v", l.CreatedAt, l.UpdatedAt)
	}
}

func TestMemoryLeadRepo_Update_CrossTenantIsNotFound(t *testing.T) {
	repo := newTestStore().Leads()
	ctx := context.Background()

	victim := seedLead(t, repo, "victim", model.Lead{FirstName: "Original", Email: "v@x.com"})

	attack := *victim
	attack.FirstName = "Hacked"
	got, err := repo.Update(ctx, "attacker", &attack)
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for cross-tenant update")
	}

	stored, _ := repo.FindByID(ctx, "victim", victim.ID)
	if stored.FirstName != "Original" {
		t.Errorf("victim FirstName = %q, want Original", stored.FirstName)
	}
}

func TestMemoryLeadRepo_Update_PreservesCreatedAtAndRefreshesUpdatedAt(t *testing.T) {
	repo := newTestStore().Leads()
	ctx := context.Background()

	l := seedLead(t, repo, "owner-1", model.Lead{FirstName: "Before", Email: "a@x.com"})

	changed := *l
	changed.FirstName = "After"
	changed.CreatedAt = time.Time{}
	got, err := repo.Update(ctx, "owner-1", &changed)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got.FirstName != "After" {
		t.Errorf("FirstName = %q, want After", got.FirstName)
	}
	if !got.CreatedAt.Equal(l.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", l.CreatedAt, got.CreatedAt)
	}
	if !got.UpdatedAt.After(l.UpdatedAt) {
		t.Errorf("UpdatedAt not refreshed: %v -> %v", l.UpdatedAt, got.UpdatedAt)
	}
}

func TestMemoryLeadRepo_Update_DuplicateEmail(t *testing.T) {
	repo := newTestStore().Leads()
	ctx := context.Background()

	seedLead(t, repo, "owner-1", model.Lead{Email: "taken@x.com"})
	l := seedLead(t, repo, "owner-1", model.Lead{Email: "free@x.com"})

	changed := *l
	changed.Email = "taken@x.com"
	if _, err := repo.Update(ctx, "owner-1", &changed); !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("err = %v, want ErrDuplicateEmail", err)
	}
}

func TestMemoryLeadRepo_Delete_CrossTenantLeavesVictimIntact(t *testing.T) {
	repo := newTestStore().Leads()
	ctx := context.Background()

	victim := seedLead(t, repo, "victim", model.Lead{Email: "v@x.com"})

	n, err := repo.Delete(ctx, "attacker", victim.ID)
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if n != 0 {
		t.Errorf("deleted = %d, want 0", n)
	}
	if got, _ := repo.FindByID(ctx, "victim", victim.ID); got == nil {
		t.Error("victim lead was deleted")
	}

	n, err = repo.Delete(ctx, "victim", victim.ID)
	if err != nil || n != 1 {
		t.Errorf("owner delete: n=%d err=%v, want 1 and nil", n, err)
	}
}

func TestMemoryLeadRepo_ReturnsCopies(t *testing.T) {
	repo := newTestStore().Leads()
	ctx := context.Background()

	l := seedLead(t, repo, "owner-1", model.Lead{FirstName: "Jane", Email: "a@x.com"})
	got, _ := repo.FindByID(ctx, "owner-1", l.ID)
	got.FirstName = "Mutated"

	again, _ := repo.FindByID(ctx, "owner-1", l.ID)
	if again.FirstName != "Jane" {
		t.Errorf("stored lead mutated through returned pointer: %q", again.FirstName)
	}
}

func TestMemoryUserRepo_DeleteByID_CascadesSessionsAndLeads(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	user := &model.User{Email: "u@x.com", PasswordHash: "hash"}
	if err := s.Users().Create(ctx, user); err != nil {
		t.Fatalf("Create user failed: %v", err)
	}
	if err := s.Users().Create(ctx, &model.User{Email: "u@x.com"}); !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("duplicate user err = %v, want ErrDuplicateEmail", err)
	}

	sess := &model.Session{ID: "sess-1", UserID: user.ID, ExpiresAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	if err := s.Sessions().Create(ctx, sess); err != nil {
		t.Fatalf("Create session failed: %v", err)
	}
	seedLead(t, s.Leads(), user.ID, model.Lead{Email: "lead@x.com"})

	found, _ := s.Sessions().FindByID(ctx, "sess-1")
	if found == nil || found.UserEmail != "u@x.com" {
		t.Fatalf("session lookup = %+v, want email u@x.com", found)
	}

	if err := s.Users().DeleteByID(ctx, user.ID); err != nil {
		t.Fatalf("DeleteByID failed: %v", err)
	}
	if got, _ := s.Sessions().FindByID(ctx, "sess-1"); got != nil {
		t.Error("session should be removed with the user")
	}
	_, total, _ := s.Leads().List(ctx, user.ID, query.Predicate{}, query.Page{Number: 1, Limit: 20})
	if total != 0 {
		t.Errorf("leads remaining = %d, want 0", total)
	}
}

func TestMemorySessionRepo_FindByID_ExpiredIsNil(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	expired := &model.Session{ID: "old", UserID: "u", ExpiresAt: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)}
	if err := s.Sessions().Create(ctx, expired); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if got, _ := s.Sessions().FindByID(ctx, "old"); got != nil {
		t.Error("expired session should not be returned")
	}
}
