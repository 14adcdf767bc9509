package auth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"slices"
	"strings"
)

// Roles. Analyst, executive, manager and auditor also select the summary
// style; security_admin unlocks the security administration routes.
const (
	RoleAnalyst       = "analyst"
	RoleExecutive     = "executive"
	RoleManager       = "manager"
	RoleAuditor       = "auditor"
	RoleSecurityAdmin = "security_admin"
)

var knownRoles = []string{RoleAnalyst, RoleExecutive, RoleManager, RoleAuditor, RoleSecurityAdmin}

// Identity is the caller bound to an API key. Roles keep the order they
// were configured in.
type Identity struct {
	Caller string
	Roles  []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// PrimaryRole is the first configured role that styles summaries, or ""
// when the key only carries administrative roles.
func (i Identity) PrimaryRole() string {
	for _, role := range i.Roles {
		if role != RoleSecurityAdmin {
			return role
		}
	}
	return ""
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// StaticAPIKeyValidator holds keys from SQLGUARD_AUTH_STATIC_KEYS. Only
// sha256 digests of the keys are retained.
type StaticAPIKeyValidator struct {
	keys map[[sha256.Size]byte]Identity
}

// NewStaticAPIKeyValidator parses comma-separated "key:caller:role|role"
// entries. Unknown roles and duplicate keys are rejected.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	v := &StaticAPIKeyValidator{keys: map[[sha256.Size]byte]Identity{}}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, identity, err := parseKeyEntry(entry)
		if err != nil {
			return nil, err
		}
		digest := sha256.Sum256([]byte(key))
		if _, dup := v.keys[digest]; dup {
			return nil, fmt.Errorf("static key for caller %q is configured twice", identity.Caller)
		}
		v.keys[digest] = identity
	}
	return v, nil
}

func parseKeyEntry(entry string) (string, Identity, error) {
	key, rest, ok := strings.Cut(entry, ":")
	caller, roleList, ok2 := strings.Cut(rest, ":")
	if !ok || !ok2 {
		return "", Identity{}, fmt.Errorf("static key entry for %q: want key:caller:role|role", caller)
	}
	key, caller = strings.TrimSpace(key), strings.TrimSpace(caller)
	if key == "" || caller == "" {
		return "", Identity{}, fmt.Errorf("static key entry for %q: key and caller are required", caller)
	}

	identity := Identity{Caller: caller}
	for _, role := range strings.Split(roleList, "|") {
		role = strings.ToLower(strings.TrimSpace(role))
		switch {
		case role == "":
			continue
		case !slices.Contains(knownRoles, role):
			return "", Identity{}, fmt.Errorf("static key entry for %q: unknown role %q", caller, role)
		case !identity.HasRole(role):
			identity.Roles = append(identity.Roles, role)
		}
	}
	if len(identity.Roles) == 0 {
		return "", Identity{}, fmt.Errorf("static key entry for %q: at least one role is required", caller)
	}
	return key, identity, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[sha256.Sum256([]byte(apiKey))]
	return identity, ok
}

// Len reports how many keys are configured.
func (v *StaticAPIKeyValidator) Len() int {
	return len(v.keys)
}
