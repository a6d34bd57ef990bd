package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testRefreshService(store Store, now *time.Time) *RefreshService {
	return NewRefreshService(store,
		WithRefreshClock(func() time.Time { return *now }),
		WithRefreshHashKeys("salt-", "-pepper"),
		WithRefreshTTL(7*24*time.Hour),
	)
}

func TestRefreshIssueAndRotate(t *testing.T) {
	store := NewMemStore()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	svc := testRefreshService(store, &now)
	ctx := context.Background()

	token, rec, err := svc.Issue(ctx, "u1", "fam-1", DeviceInfo{DeviceID: "dev-1", IP: "10.0.0.5", UserAgent: "portal-ios"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(token) != 128 {
		t.Fatalf("unexpected token length: %d", len(token))
	}
	if rec.FamilyID != "fam-1" || rec.UserID != "u1" || rec.DeviceID != "dev-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.ExpiresAt.Equal(now.Add(7 * 24 * time.Hour)) {
		t.Fatalf("unexpected expiry: %v", rec.ExpiresAt)
	}
	if dev, ok := store.Device("dev-1"); !ok || dev.UserID != "u1" {
		t.Fatalf("device row missing: %+v", dev)
	}

	now = now.Add(time.Hour)
	next, successor, err := svc.Rotate(ctx, token, DeviceInfo{IP: "10.0.0.6", UserAgent: "portal-ios"})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if next == token {
		t.Fatalf("rotation must mint a fresh token")
	}
	if successor.FamilyID != rec.FamilyID {
		t.Fatalf("family changed on rotation: %s -> %s", rec.FamilyID, successor.FamilyID)
	}
	if successor.ParentID != rec.ID {
		t.Fatalf("successor parent = %s, want %s", successor.ParentID, rec.ID)
	}
	if !successor.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Fatalf("successor must inherit expiry: got %v want %v", successor.ExpiresAt, rec.ExpiresAt)
	}
	if successor.IP != "10.0.0.6" {
		t.Fatalf("successor must record fresh client metadata: %+v", successor)
	}

	prev, ok := store.Credential(rec.ID)
	if !ok {
		t.Fatalf("original credential disappeared")
	}
	if prev.ReplacedByID != successor.ID {
		t.Fatalf("original not linked to successor: %+v", prev)
	}
	if prev.LastUsedAt == nil || !prev.LastUsedAt.Equal(now) {
		t.Fatalf("last_used_at not stamped: %+v", prev.LastUsedAt)
	}
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	store := NewMemStore()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	svc := testRefreshService(store, &now)
	ctx := context.Background()

	token, rec, err := svc.Issue(ctx, "u1", "fam-1", DeviceInfo{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	_, successor, err := svc.Rotate(ctx, token, DeviceInfo{})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	// Presenting the rotated-away token is theft or a very stale client;
	// either way the whole family dies.
	_, _, err = svc.Rotate(ctx, token, DeviceInfo{})
	if !errors.Is(err, ErrRefreshReused) {
		t.Fatalf("expected ErrRefreshReused, got %v", err)
	}
	if !errors.Is(err, ErrInvalidRefreshCredential) {
		t.Fatalf("reuse must unwrap to ErrInvalidRefreshCredential")
	}

	for _, id := range []string{rec.ID, successor.ID} {
		got, ok := store.Credential(id)
		if !ok {
			t.Fatalf("credential %s missing", id)
		}
		if got.RevokedAt == nil || got.RevokedReason != RevokeReasonReuse {
			t.Fatalf("family member %s not revoked for reuse: %+v", id, got)
		}
	}

	_, _, err = svc.Rotate(ctx, token, DeviceInfo{})
	if !errors.Is(err, ErrInvalidRefreshCredential) {
		t.Fatalf("revoked token must stay unusable, got %v", err)
	}
}

func TestRefreshRotateRejectsExpiredAndUnknown(t *testing.T) {
	store := NewMemStore()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	svc := testRefreshService(store, &now)
	ctx := context.Background()

	token, _, err := svc.Issue(ctx, "u1", "fam-1", DeviceInfo{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, _, err := svc.Rotate(ctx, "unknown-token", DeviceInfo{}); !errors.Is(err, ErrInvalidRefreshCredential) {
		t.Fatalf("unknown token: got %v", err)
	}

	now = now.Add(7*24*time.Hour + time.Second)
	if _, _, err := svc.Rotate(ctx, token, DeviceInfo{}); !errors.Is(err, ErrInvalidRefreshCredential) {
		t.Fatalf("expired token: got %v", err)
	}
}

func TestRefreshRevokeByToken(t *testing.T) {
	store := NewMemStore()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	svc := testRefreshService(store, &now)
	ctx := context.Background()

	ok, err := svc.RevokeByToken(ctx, "unknown", true)
	if err != nil {
		t.Fatalf("RevokeByToken: %v", err)
	}
	if ok {
		t.Fatalf("unknown token must report false")
	}

	token, rec, err := svc.Issue(ctx, "u1", "fam-1", DeviceInfo{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	ok, err = svc.RevokeByToken(ctx, token, true)
	if err != nil {
		t.Fatalf("RevokeByToken: %v", err)
	}
	if !ok {
		t.Fatalf("known token must report true")
	}
	got, _ := store.Credential(rec.ID)
	if got.RevokedAt == nil || got.RevokedReason != RevokeReasonLogout {
		t.Fatalf("credential not revoked for logout: %+v", got)
	}

	if _, _, err := svc.Rotate(ctx, token, DeviceInfo{}); !errors.Is(err, ErrInvalidRefreshCredential) {
		t.Fatalf("revoked token must not rotate, got %v", err)
	}
}
