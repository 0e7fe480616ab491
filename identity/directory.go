// Package identity provides an in-memory directory of principals and
// clients with bcrypt-hashed secrets. It fills the authority's verifier and
// directory contracts for single-instance deployments; larger installations
// plug in their own user store behind the same interfaces.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/clearauth/grantd/grant"
	"github.com/clearauth/grantd/scope"
)

// ErrNotFound is returned when a principal or client does not exist.
var ErrNotFound = errors.New("identity: not found")

// dummyHash is a pre-computed bcrypt hash compared against when the subject
// does not exist, so a lookup miss costs the same as a wrong secret and
// enumeration through timing stays infeasible.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Principal is a user account known to the directory.
type Principal struct {
	ID         string
	SecretHash []byte
	Active     bool
}

// Client is a registered application.
type Client struct {
	ID         string
	SecretHash []byte
	Scopes     scope.Set
	GrantTypes []grant.GrantType
}

// Directory is an in-memory principal and client registry.
type Directory struct {
	mu         sync.RWMutex
	principals map[string]*Principal
	clients    map[string]*Client
}

var (
	_ grant.CredentialVerifier = (*Directory)(nil)
	_ grant.PrincipalDirectory = (*Directory)(nil)
	_ grant.ClientDirectory    = (*Directory)(nil)
)

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		principals: make(map[string]*Principal),
		clients:    make(map[string]*Client),
	}
}

// RegisterPrincipal adds an active principal with a bcrypt-hashed secret.
func (d *Directory) RegisterPrincipal(id, secret string) error {
	if id == "" {
		return errors.New("identity: principal id is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("identity: failed to hash secret: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.principals[id] = &Principal{ID: id, SecretHash: hash, Active: true}
	return nil
}

// RegisterClient adds a client with its scope and grant-type allow-lists.
func (d *Directory) RegisterClient(id, secret string, scopes scope.Set, grantTypes []grant.GrantType) error {
	if id == "" {
		return errors.New("identity: client id is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("identity: failed to hash secret: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[id] = &Client{
		ID:         id,
		SecretHash: hash,
		Scopes:     scopes.Clone(),
		GrantTypes: append([]grant.GrantType(nil), grantTypes...),
	}
	return nil
}

// SetPrincipalActive flips the active flag. Deactivation takes effect on
// the principal's next grant attempt.
func (d *Directory) SetPrincipalActive(id string, active bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.principals[id]
	if !ok {
		return fmt.Errorf("%w: principal %q", ErrNotFound, id)
	}
	p.Active = active
	return nil
}

// VerifyCredential compares a presented secret against the stored bcrypt
// hash. A bcrypt comparison runs on every call, including lookup misses,
// to keep response timing independent of whether the subject exists.
func (d *Directory) VerifyCredential(_ context.Context, id, secret string, kind grant.CredentialKind) (bool, error) {
	hash := []byte(dummyHash)
	found := false

	d.mu.RLock()
	switch kind {
	case grant.CredentialKindUser:
		if p, ok := d.principals[id]; ok {
			hash, found = p.SecretHash, true
		}
	case grant.CredentialKindClient:
		if c, ok := d.clients[id]; ok {
			hash, found = c.SecretHash, true
		}
	default:
		d.mu.RUnlock()
		return false, fmt.Errorf("identity: unknown credential kind %q", kind)
	}
	d.mu.RUnlock()

	err := bcrypt.CompareHashAndPassword(hash, []byte(secret))
	return found && err == nil, nil
}

// PrincipalActive reports whether the principal exists and is active.
func (d *Directory) PrincipalActive(_ context.Context, principalID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.principals[principalID]
	if !ok {
		return false, fmt.Errorf("%w: principal %q", ErrNotFound, principalID)
	}
	return p.Active, nil
}

// ClientAllowedScopes returns the client's scope allow-list.
func (d *Directory) ClientAllowedScopes(_ context.Context, clientID string) (scope.Set, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client %q", ErrNotFound, clientID)
	}
	return c.Scopes.Clone(), nil
}

// ClientAllowedGrantTypes returns the client's grant-type allow-list.
func (d *Directory) ClientAllowedGrantTypes(_ context.Context, clientID string) ([]grant.GrantType, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client %q", ErrNotFound, clientID)
	}
	return append([]grant.GrantType(nil), c.GrantTypes...), nil
}
