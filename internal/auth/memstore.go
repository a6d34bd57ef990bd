package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"confportal.org/internal/ids"
)

var _ Store = (*MemStore)(nil)

// MemStore implements Store entirely in memory. The dev server runs on it
// when no Postgres DSN is configured, and tests exercise the same
// semantics the SQL store provides, including rotation reuse handling.
type MemStore struct {
	mu          sync.RWMutex
	users       map[string]*User
	userByEmail map[string]string
	roles       map[string]*Role
	resources   map[string]*Resource
	verbs       map[string]*Verb
	perms       map[string]*Permission
	permByCode  map[string]string
	userRoles   map[string]map[string]struct{}
	roleGrants  map[string][]memGrant
	creds       map[string]*RefreshCredential
	credByHash  map[string]string
	devices     map[string]*Device
}

type memGrant struct {
	permissionID string
	expireDate   *time.Time
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:       make(map[string]*User),
		userByEmail: make(map[string]string),
		roles:       make(map[string]*Role),
		resources:   make(map[string]*Resource),
		verbs:       make(map[string]*Verb),
		perms:       make(map[string]*Permission),
		permByCode:  make(map[string]string),
		userRoles:   make(map[string]map[string]struct{}),
		roleGrants:  make(map[string][]memGrant),
		creds:       make(map[string]*RefreshCredential),
		credByHash:  make(map[string]string),
		devices:     make(map[string]*Device),
	}
}

func (m *MemStore) Users(context context.Context) UserStore { return &memUserStore{m} }
func (m *MemStore) RBAC(context context.Context) RBACStore  { return &memRBACStore{m} }
func (m *MemStore) RefreshCredentials(context context.Context) RefreshCredentialStore {
	return &memRefreshStore{m}
}

// EnsureCatalog fills the resource, verb and permission catalog the way
// the SQL seeds do: every resource crossed with every verb. Safe to call
// more than once.
func (m *MemStore) EnsureCatalog() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, code := range AllResources {
		if _, ok := m.resourceByCode(code); !ok {
			r := &Resource{ID: ids.New(), Code: code, Name: code, IsActive: true, IsVisible: true}
			m.resources[r.ID] = r
		}
	}
	for _, action := range AllVerbs {
		if _, ok := m.verbByAction(action); !ok {
			v := &Verb{ID: ids.New(), Action: action, Name: action, IsActive: true}
			m.verbs[v.ID] = v
		}
	}
	for _, rc := range AllResources {
		res, _ := m.resourceByCode(rc)
		for _, action := range AllVerbs {
			verb, _ := m.verbByAction(action)
			code := PermissionCode(rc, action)
			if _, ok := m.permByCode[code]; ok {
				continue
			}
			p := &Permission{
				ID:         ids.New(),
				ResourceID: res.ID,
				VerbID:     verb.ID,
				Code:       code,
				Name:       code,
				IsActive:   true,
			}
			m.perms[p.ID] = p
			m.permByCode[code] = p.ID
		}
	}
}

func (m *MemStore) resourceByCode(code string) (*Resource, bool) {
	for _, r := range m.resources {
		if r.Code == code {
			return r, true
		}
	}
	return nil, false
}

func (m *MemStore) verbByAction(action string) (*Verb, bool) {
	for _, v := range m.verbs {
		if v.Action == action {
			return v, true
		}
	}
	return nil, false
}

// User store ---------------------------------------------------------------
type memUserStore struct{ m *MemStore }

func (s *memUserStore) Create(ctx context.Context, u *User) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if u.ID == "" {
		u.ID = ids.New()
	}
	email := strings.ToLower(u.Email)
	if _, ok := s.m.userByEmail[email]; ok {
		return ErrConflict
	}
	if _, ok := s.m.users[u.ID]; ok {
		return ErrConflict
	}
	cp := *u
	cp.Email = email
	s.m.users[cp.ID] = &cp
	s.m.userByEmail[email] = cp.ID
	return nil
}

func (s *memUserStore) Find(ctx context.Context, id string) (*User, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	u, ok := s.m.users[id]
	if !ok || u.IsDeleted {
		return nil, ErrNotFound
	}
	// return copy
	cp := *u
	return &cp, nil
}

func (s *memUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	id, ok := s.m.userByEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	u := s.m.users[id]
	if u == nil || u.IsDeleted {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUserStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[userID]
	if !ok || u.IsDeleted {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memUserStore) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[userID]
	if !ok || u.IsDeleted {
		return ErrNotFound
	}
	u.LastLoginAt = &at
	u.UpdatedAt = at
	return nil
}

func (s *memUserStore) List(ctx context.Context) ([]*User, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var users []*User
	for _, u := range s.m.users {
		if u.IsDeleted {
			continue
		}
		cp := *u
		users = append(users, &cp)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// RBAC store ----------------------------------------------------------------
type memRBACStore struct{ m *MemStore }

func (s *memRBACStore) CreateRole(ctx context.Context, role *Role) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, r := range s.m.roles {
		if r.Code == role.Code && !r.IsDeleted {
			return ErrConflict
		}
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	cp := *role
	s.m.roles[cp.ID] = &cp
	return nil
}

func (s *memRBACStore) FindRole(ctx context.Context, id string) (*Role, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	r, ok := s.m.roles[id]
	if !ok || r.IsDeleted {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memRBACStore) FindRoleByCode(ctx context.Context, code string) (*Role, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, r := range s.m.roles {
		if r.Code == code && !r.IsDeleted {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memRBACStore) ListRoles(ctx context.Context) ([]*Role, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var roles []*Role
	for _, r := range s.m.roles {
		if r.IsDeleted {
			continue
		}
		cp := *r
		roles = append(roles, &cp)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Code < roles[j].Code })
	return roles, nil
}

func (s *memRBACStore) UpdateRole(ctx context.Context, role *Role) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cur, ok := s.m.roles[role.ID]
	if !ok || cur.IsDeleted {
		return ErrNotFound
	}
	cur.Name = role.Name
	cur.IsActive = role.IsActive
	cur.IsVisible = role.IsVisible
	cur.UpdatedAt = role.UpdatedAt
	return nil
}

func (s *memRBACStore) DeleteRole(ctx context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.roles[id]
	if !ok || r.IsDeleted {
		return ErrNotFound
	}
	r.IsDeleted = true
	return nil
}

func (s *memRBACStore) ListResources(ctx context.Context) ([]*Resource, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var res []*Resource
	for _, r := range s.m.resources {
		if r.IsDeleted {
			continue
		}
		cp := *r
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Code < res[j].Code })
	return res, nil
}

func (s *memRBACStore) ListVerbs(ctx context.Context) ([]*Verb, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var verbs []*Verb
	for _, v := range s.m.verbs {
		if v.IsDeleted {
			continue
		}
		cp := *v
		verbs = append(verbs, &cp)
	}
	sort.Slice(verbs, func(i, j int) bool { return verbs[i].Action < verbs[j].Action })
	return verbs, nil
}

func (s *memRBACStore) ListPermissions(ctx context.Context) ([]*Permission, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var perms []*Permission
	for _, p := range s.m.perms {
		if p.IsDeleted {
			continue
		}
		cp := *p
		perms = append(perms, &cp)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Code < perms[j].Code })
	return perms, nil
}

func (s *memRBACStore) SetRolePermissions(ctx context.Context, roleID string, grants []PermissionGrant) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.roles[roleID]
	if !ok || r.IsDeleted {
		return ErrNotFound
	}
	next := make([]memGrant, 0, len(grants))
	for _, g := range grants {
		permID, ok := s.m.permByCode[g.PermissionCode]
		if !ok {
			return fmt.Errorf("%w: permission %q", ErrNotFound, g.PermissionCode)
		}
		p := s.m.perms[permID]
		if p == nil || p.IsDeleted {
			return fmt.Errorf("%w: permission %q", ErrNotFound, g.PermissionCode)
		}
		next = append(next, memGrant{permissionID: permID, expireDate: g.ExpireDate})
	}
	s.m.roleGrants[roleID] = next
	return nil
}

func (s *memRBACStore) RolePermissions(ctx context.Context, roleID string) ([]*Permission, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var perms []*Permission
	for _, g := range s.m.roleGrants[roleID] {
		p := s.m.perms[g.permissionID]
		if p == nil || p.IsDeleted {
			continue
		}
		cp := *p
		perms = append(perms, &cp)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Code < perms[j].Code })
	return perms, nil
}

func (s *memRBACStore) AssignRole(ctx context.Context, userID, roleID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	u, ok := s.m.users[userID]
	if !ok || u.IsDeleted {
		return ErrNotFound
	}
	r, ok := s.m.roles[roleID]
	if !ok || r.IsDeleted {
		return ErrNotFound
	}
	set, ok := s.m.userRoles[userID]
	if !ok {
		set = make(map[string]struct{})
		s.m.userRoles[userID] = set
	}
	if _, ok := set[roleID]; ok {
		return ErrConflict
	}
	set[roleID] = struct{}{}
	return nil
}

func (s *memRBACStore) RemoveRole(ctx context.Context, userID, roleID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	set := s.m.userRoles[userID]
	if _, ok := set[roleID]; !ok {
		return ErrNotFound
	}
	delete(set, roleID)
	return nil
}

func (s *memRBACStore) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []string
	for userID, set := range s.m.userRoles {
		if _, ok := set[roleID]; ok {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memRBACStore) UserRoleCodes(ctx context.Context, userID string) ([]string, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var codes []string
	for roleID := range s.m.userRoles[userID] {
		r := s.m.roles[roleID]
		if r == nil || r.IsDeleted || !r.IsActive {
			continue
		}
		codes = append(codes, r.Code)
	}
	sort.Strings(codes)
	return codes, nil
}

func (s *memRBACStore) UserPermissionCodes(ctx context.Context, userID string, now time.Time) ([]string, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	u := s.m.users[userID]
	if u == nil || u.IsDeleted || !u.IsActive || !u.Verified {
		return nil, nil
	}
	seen := make(map[string]struct{})
	for roleID := range s.m.userRoles[userID] {
		r := s.m.roles[roleID]
		if r == nil || r.IsDeleted || !r.IsActive {
			continue
		}
		for _, g := range s.m.roleGrants[roleID] {
			if g.expireDate != nil && !g.expireDate.After(now) {
				continue
			}
			if code, ok := s.livePermissionCode(g.permissionID); ok {
				seen[code] = struct{}{}
			}
		}
	}
	codes := make([]string, 0, len(seen))
	for code := range seen {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, nil
}

func (s *memRBACStore) AllPermissionCodes(ctx context.Context) ([]string, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var codes []string
	for id := range s.m.perms {
		if code, ok := s.livePermissionCode(id); ok {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

// livePermissionCode resolves a permission id to its code, applying the
// same liveness filters the SQL joins apply. Callers hold the lock.
func (s *memRBACStore) livePermissionCode(permID string) (string, bool) {
	p := s.m.perms[permID]
	if p == nil || p.IsDeleted || !p.IsActive {
		return "", false
	}
	res := s.m.resources[p.ResourceID]
	if res == nil || res.IsDeleted || !res.IsActive || !res.IsVisible {
		return "", false
	}
	v := s.m.verbs[p.VerbID]
	if v == nil || v.IsDeleted || !v.IsActive {
		return "", false
	}
	return p.Code, true
}

// Refresh credential store ---------------------------------------------------
type memRefreshStore struct{ m *MemStore }

func (s *memRefreshStore) Create(ctx context.Context, rec *RefreshCredential) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.credByHash[rec.TokenHash]; ok {
		return ErrConflict
	}
	cp := *rec
	s.m.creds[cp.ID] = &cp
	s.m.credByHash[cp.TokenHash] = cp.ID
	return nil
}

func (s *memRefreshStore) FindByHash(ctx context.Context, tokenHash string) (*RefreshCredential, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	id, ok := s.m.credByHash[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.m.creds[id]
	return &cp, nil
}

func (s *memRefreshStore) Rotate(ctx context.Context, presentedHash string, next RotationNext) (*RefreshCredential, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	id, ok := s.m.credByHash[presentedHash]
	if !ok {
		return nil, ErrInvalidRefreshCredential
	}
	cur := s.m.creds[id]
	if cur.Revoked() || cur.ExpiredAt(next.Now) {
		return nil, ErrInvalidRefreshCredential
	}
	if cur.ReplacedByID != "" {
		s.revokeFamilyLocked(cur.FamilyID, RevokeReasonReuse, next.Now)
		return nil, ErrRefreshReused
	}
	successor := &RefreshCredential{
		ID:        next.ID,
		UserID:    cur.UserID,
		DeviceID:  cur.DeviceID,
		FamilyID:  cur.FamilyID,
		ParentID:  cur.ID,
		TokenHash: next.TokenHash,
		IP:        next.IP,
		UserAgent: next.UserAgent,
		ExpiresAt: cur.ExpiresAt,
		CreatedAt: next.Now,
	}
	cur.ReplacedByID = successor.ID
	lastUsed := next.Now
	cur.LastUsedAt = &lastUsed
	s.m.creds[successor.ID] = successor
	s.m.credByHash[successor.TokenHash] = successor.ID
	cp := *successor
	return &cp, nil
}

func (s *memRefreshStore) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rec, ok := s.m.creds[id]
	if !ok {
		return ErrNotFound
	}
	if rec.RevokedAt == nil {
		rec.RevokedAt = &at
		rec.RevokedReason = reason
	}
	return nil
}

func (s *memRefreshStore) RevokeFamily(ctx context.Context, familyID, reason string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.revokeFamilyLocked(familyID, reason, at)
	return nil
}

func (s *memRefreshStore) revokeFamilyLocked(familyID, reason string, at time.Time) {
	for _, rec := range s.m.creds {
		if rec.FamilyID != familyID || rec.RevokedAt != nil {
			continue
		}
		revoked := at
		rec.RevokedAt = &revoked
		rec.RevokedReason = reason
	}
}

func (s *memRefreshStore) UpsertDevice(ctx context.Context, dev *Device) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cur, ok := s.m.devices[dev.ID]
	if !ok {
		cp := *dev
		s.m.devices[dev.ID] = &cp
		return nil
	}
	cur.UserID = dev.UserID
	cur.LastIP = dev.LastIP
	cur.LastUserAgent = dev.LastUserAgent
	cur.LastSeenAt = dev.LastSeenAt
	return nil
}

// Device returns a device row by id, primarily for tests.
func (m *MemStore) Device(id string) (*Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, false
	}
	cp := *d
	return &cp, true
}

// Credential returns a refresh credential row by id, primarily for tests.
func (m *MemStore) Credential(id string) (*RefreshCredential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.creds[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}
