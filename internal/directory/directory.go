// Package directory is a static, YAML-seeded user directory for
// chainauth-server. It serves both as the UserProvider and the
// PrincipalResolver. Password changes live in memory only.
package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/idatt2105/chainauth"
)

var ErrUserNotFound = errors.New("user not found")

type fileUser struct {
	SubjectID    string   `yaml:"subject_id"`
	Identifier   string   `yaml:"identifier"`
	PasswordHash string   `yaml:"password_hash"`
	Password     string   `yaml:"password"`
	Roles        []string `yaml:"roles"`
}

type file struct {
	Users []fileUser `yaml:"users"`
}

type entry struct {
	record chainauth.UserRecord
	roles  []string
}

type Directory struct {
	mu           sync.RWMutex
	bySubject    map[string]*entry
	byIdentifier map[string]string
}

// LoadFile reads path. Entries with a plaintext password are hashed with
// hasher at load time.
func LoadFile(path string, hasher chainauth.PasswordHasher) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, hasher)
}

func Parse(data []byte, hasher chainauth.PasswordHasher) (*Directory, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse users: %w", err)
	}

	d := &Directory{
		bySubject:    make(map[string]*entry, len(f.Users)),
		byIdentifier: make(map[string]string, len(f.Users)),
	}
	for i, u := range f.Users {
		if u.SubjectID == "" || u.Identifier == "" {
			return nil, fmt.Errorf("user %d: subject_id and identifier are required", i)
		}
		if _, dup := d.bySubject[u.SubjectID]; dup {
			return nil, fmt.Errorf("user %d: duplicate subject_id %q", i, u.SubjectID)
		}
		if _, dup := d.byIdentifier[u.Identifier]; dup {
			return nil, fmt.Errorf("user %d: duplicate identifier %q", i, u.Identifier)
		}

		hash := u.PasswordHash
		if hash == "" {
			if u.Password == "" || hasher == nil {
				return nil, fmt.Errorf("user %q: password_hash or password required", u.Identifier)
			}
			var err error
			if hash, err = hasher.Hash(u.Password); err != nil {
				return nil, fmt.Errorf("user %q: %w", u.Identifier, err)
			}
		}

		d.bySubject[u.SubjectID] = &entry{
			record: chainauth.UserRecord{SubjectID: u.SubjectID, Identifier: u.Identifier, PasswordHash: hash},
			roles:  slices.Clone(u.Roles),
		}
		d.byIdentifier[u.Identifier] = u.SubjectID
	}
	return d, nil
}

func (d *Directory) GetUserByIdentifier(_ context.Context, identifier string) (chainauth.UserRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.byIdentifier[identifier]
	if !ok {
		return chainauth.UserRecord{}, ErrUserNotFound
	}
	return d.bySubject[id].record, nil
}

func (d *Directory) UpdatePasswordHash(_ context.Context, subjectID, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.bySubject[subjectID]
	if !ok {
		return ErrUserNotFound
	}
	e.record.PasswordHash = hash
	return nil
}

// ResolveRoles returns chainauth.ErrPrincipalNotFound for unknown subjects.
func (d *Directory) ResolveRoles(_ context.Context, subjectID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.bySubject[subjectID]
	if !ok {
		return nil, chainauth.ErrPrincipalNotFound
	}
	return slices.Clone(e.roles), nil
}

// SetRoles replaces the roles of subjectID. Tokens minted earlier keep their
// snapshot until the next refresh.
func (d *Directory) SetRoles(subjectID string, roles ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.bySubject[subjectID]
	if !ok {
		return ErrUserNotFound
	}
	e.roles = slices.Clone(roles)
	return nil
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.bySubject)
}

var (
	_ chainauth.UserProvider      = (*Directory)(nil)
	_ chainauth.PrincipalResolver = (*Directory)(nil)
)
