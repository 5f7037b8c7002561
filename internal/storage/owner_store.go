package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/quantscafe/quantscafe/internal/core"
)

// OwnerStore persists owners and their sealed API keys.
// Keys are sealed by the vault before they reach this store.
type OwnerStore struct {
	db *DB
}

// NewOwnerStore creates a new owner store
func NewOwnerStore(db *DB) *OwnerStore {
	return &OwnerStore{db: db}
}

// Create inserts an owner. sealedKey may be nil for owners without their own key.
func (s *OwnerStore) Create(ctx context.Context, owner *core.Owner, sealedKey []byte) error {
	if owner.ID == "" {
		owner.ID = core.OwnerID(uuid.New().String())
	}
	owner.CreatedAt = time.Now().UTC()
	owner.HasKey = len(sealedKey) > 0

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO owners (id, name, sealed_key, created_at) VALUES (?, ?, ?, ?)
	`, owner.ID, owner.Name, nullBytes(sealedKey), owner.CreatedAt)
	return Wrap("insert owner", err)
}

// Get returns an owner by ID
func (s *OwnerStore) Get(ctx context.Context, id core.OwnerID) (*core.Owner, error) {
	owner := &core.Owner{}
	var sealed []byte
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT id, name, sealed_key, created_at FROM owners WHERE id = ?
	`, id).Scan(&owner.ID, &owner.Name, &sealed, &owner.CreatedAt)
	if IsNoRows(err) {
		return nil, core.ErrOwnerNotFound
	}
	if err != nil {
		return nil, Wrap("query owner", err)
	}
	owner.HasKey = len(sealed) > 0
	return owner, nil
}

// List returns all owners
func (s *OwnerStore) List(ctx context.Context) ([]*core.Owner, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, name, sealed_key IS NOT NULL, created_at FROM owners ORDER BY created_at
	`)
	if err != nil {
		return nil, Wrap("query owners", err)
	}
	defer rows.Close()

	var owners []*core.Owner
	for rows.Next() {
		owner := &core.Owner{}
		if err := rows.Scan(&owner.ID, &owner.Name, &owner.HasKey, &owner.CreatedAt); err != nil {
			return nil, Wrap("scan owner", err)
		}
		owners = append(owners, owner)
	}
	return owners, Wrap("iterate owners", rows.Err())
}

// SetSealedKey replaces an owner's sealed key; nil clears it
func (s *OwnerStore) SetSealedKey(ctx context.Context, id core.OwnerID, sealedKey []byte) error {
	res, err := s.db.conn.ExecContext(ctx, `UPDATE owners SET sealed_key = ? WHERE id = ?`, nullBytes(sealedKey), id)
	if err != nil {
		return Wrap("update owner key", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrOwnerNotFound
	}
	return nil
}

// SealedKeys returns every owner's sealed key
func (s *OwnerStore) SealedKeys(ctx context.Context) (map[core.OwnerID][]byte, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT id, sealed_key FROM owners WHERE sealed_key IS NOT NULL`)
	if err != nil {
		return nil, Wrap("query owner keys", err)
	}
	defer rows.Close()

	keys := make(map[core.OwnerID][]byte)
	for rows.Next() {
		var id core.OwnerID
		var sealed []byte
		if err := rows.Scan(&id, &sealed); err != nil {
			return nil, Wrap("scan owner key", err)
		}
		keys[id] = sealed
	}
	return keys, Wrap("iterate owner keys", rows.Err())
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
