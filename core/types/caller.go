package types

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Role is a privileged capability a caller may hold. Roles combine as a bit
// set so a single caller can act, for example, as both arbiter and
// claim-manager.
type Role uint8

const (
	// RoleOwner may mutate the shared asset allow-list.
	RoleOwner Role = 1 << iota
	// RoleArbiter may associate identities and assert claim outcomes.
	RoleArbiter
	// RoleDepositManager may route deposits, refunds and extensions into a
	// bounty's ledger on behalf of a funder.
	RoleDepositManager
	// RoleClaimManager may close atomic bounties and release escrowed funds.
	RoleClaimManager
)

var roleNames = []struct {
	role Role
	name string
}{
	{RoleOwner, "owner"},
	{RoleArbiter, "arbiter"},
	{RoleDepositManager, "deposit-manager"},
	{RoleClaimManager, "claim-manager"},
}

// String renders the role set as a comma separated list.
func (r Role) String() string {
	if r == 0 {
		return "none"
	}
	parts := make([]string, 0, len(roleNames))
	for _, entry := range roleNames {
		if r&entry.role != 0 {
			parts = append(parts, entry.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseRole resolves a single role name as rendered by String.
func ParseRole(name string) (Role, bool) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for _, entry := range roleNames {
		if entry.name == normalized {
			return entry.role, true
		}
	}
	return 0, false
}

// Caller is the authorization capability passed into every state-mutating
// call. It carries the acting address and the verified roles that address
// holds; issuer and funder checks compare Address against stored records.
type Caller struct {
	Address common.Address
	Roles   Role
}

// NewCaller returns a caller holding the supplied roles.
func NewCaller(addr common.Address, roles ...Role) Caller {
	c := Caller{Address: addr}
	for _, r := range roles {
		c.Roles |= r
	}
	return c
}

// Has reports whether the caller holds every role in r.
func (c Caller) Has(r Role) bool {
	return r != 0 && c.Roles&r == r
}

// With returns a copy of the caller that additionally holds r.
func (c Caller) With(r Role) Caller {
	c.Roles |= r
	return c
}

// Authority maps configured addresses to the roles they hold and is the only
// place callers obtain privileged capabilities outside of tests.
type Authority struct {
	mu     sync.RWMutex
	grants map[common.Address]Role
}

// NewAuthority returns an empty authority.
func NewAuthority() *Authority {
	return &Authority{grants: make(map[common.Address]Role)}
}

// Grant adds roles to addr.
func (a *Authority) Grant(addr common.Address, roles ...Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range roles {
		a.grants[addr] |= r
	}
}

// Revoke removes roles from addr.
func (a *Authority) Revoke(addr common.Address, roles ...Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range roles {
		a.grants[addr] &^= r
	}
	if a.grants[addr] == 0 {
		delete(a.grants, addr)
	}
}

// Resolve returns the caller capability for addr.
func (a *Authority) Resolve(addr common.Address) Caller {
	if a == nil {
		return Caller{Address: addr}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Caller{Address: addr, Roles: a.grants[addr]}
}
