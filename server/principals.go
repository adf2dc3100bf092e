package server

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PrincipalStore is the boundary to the external identity system. Any
// backend that can verify credentials and resolve principals by id can
// implement it. A nil principal with a nil error means "no match";
// callers report that uniformly as invalid_grant to avoid enumeration.
type PrincipalStore interface {
	Authenticate(ctx context.Context, username, password string) (*Principal, error)
	FindByID(ctx context.Context, id string) (*Principal, error)
}

// StaticPrincipalStore serves principals seeded from configuration.
// Passwords are held only as bcrypt hashes.
type StaticPrincipalStore struct {
	byUsername map[string]*staticPrincipal
	byID       map[string]*staticPrincipal
}

type staticPrincipal struct {
	principal    Principal
	passwordHash string
}

// NewStaticPrincipalStore builds the store from configuration. A plaintext
// password in config is hashed at load time; password_hash entries are
// taken as-is.
func NewStaticPrincipalStore(cfgs []PrincipalConfig) (*StaticPrincipalStore, error) {
	s := &StaticPrincipalStore{
		byUsername: make(map[string]*staticPrincipal, len(cfgs)),
		byID:       make(map[string]*staticPrincipal, len(cfgs)),
	}
	for i, cfg := range cfgs {
		if cfg.Username == "" {
			return nil, fmt.Errorf("principals[%d]: username is required", i)
		}
		id := cfg.ID
		if id == "" {
			id = cfg.Username
		}
		hash := cfg.PasswordHash
		if hash == "" {
			if cfg.Password == "" {
				return nil, fmt.Errorf("principals[%d]: password or password_hash is required", i)
			}
			hashed, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, err
			}
			hash = string(hashed)
		}
		entry := &staticPrincipal{
			principal:    Principal{ID: id, Username: cfg.Username, Email: cfg.Email},
			passwordHash: hash,
		}
		s.byUsername[cfg.Username] = entry
		s.byID[id] = entry
	}
	return s, nil
}

// Authenticate verifies a username/password pair. Unknown users and wrong
// passwords are indistinguishable to the caller.
func (s *StaticPrincipalStore) Authenticate(ctx context.Context, username, password string) (*Principal, error) {
	entry, ok := s.byUsername[username]
	if !ok {
		return nil, nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(entry.passwordHash), []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, nil
		}
		return nil, err
	}
	p := entry.principal
	return &p, nil
}

// FindByID resolves a principal by subject id.
func (s *StaticPrincipalStore) FindByID(ctx context.Context, id string) (*Principal, error) {
	entry, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	p := entry.principal
	return &p, nil
}
