package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// PadStore is the Postgres-backed data layer. Pad content lives as JSONB
// columns on the pads row; membership and roles live in pad_members and are
// always written inside the same transaction as the pad they belong to.
type PadStore struct {
	db *sql.DB
}

func NewPadStore(db *sql.DB) *PadStore {
	return &PadStore{db: db}
}

func (s *PadStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

func (s *PadStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, u.ID, u.Name, u.Email, u.PasswordHash, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PadStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, `SELECT id, name, email, password_hash, created_at, updated_at FROM users WHERE email=$1`, email)
}

func (s *PadStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, `SELECT id, name, email, password_hash, created_at, updated_at FROM users WHERE id=$1`, id)
}

func (s *PadStore) getUser(ctx context.Context, query string, arg any) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

func (s *PadStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, email, password_hash, created_at, updated_at FROM users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- pads ---

func (s *PadStore) CreatePad(ctx context.Context, p *Pad) error {
	sections, authors, references, err := marshalContent(p)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create pad: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pads (id, name, abstract, sections, authors, "references", published, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, p.ID, p.Name, p.Abstract, sections, authors, references, p.Published, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pad: %w", err)
	}

	for _, userID := range p.Users {
		role := p.Roles[userID]
		if role == "" {
			role = "editor"
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pad_members (pad_id, user_id, role) VALUES ($1, $2, $3)
		`, p.ID, userID, role)
		if err != nil {
			return fmt.Errorf("insert pad member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create pad: %w", err)
	}
	return nil
}

func (s *PadStore) GetPad(ctx context.Context, id string) (*Pad, error) {
	var (
		p          Pad
		sections   []byte
		authors    []byte
		references []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, abstract, sections, authors, "references", published, created_at, updated_at
		FROM pads WHERE id=$1
	`, id).Scan(&p.ID, &p.Name, &p.Abstract, &sections, &authors, &references, &p.Published, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query pad: %w", err)
	}
	if err := unmarshalContent(&p, sections, authors, references); err != nil {
		return nil, err
	}

	p.Users, p.Roles, err = s.padMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PadStore) padMembers(ctx context.Context, padID string) ([]string, map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, role FROM pad_members WHERE pad_id=$1 ORDER BY added_at
	`, padID)
	if err != nil {
		return nil, nil, fmt.Errorf("query pad members: %w", err)
	}
	defer rows.Close()

	var users []string
	roles := make(map[string]string)
	for rows.Next() {
		var userID, role string
		if err := rows.Scan(&userID, &role); err != nil {
			return nil, nil, fmt.Errorf("scan pad member: %w", err)
		}
		users = append(users, userID)
		roles[userID] = role
	}
	return users, roles, rows.Err()
}

func (s *PadStore) ListPadsForUser(ctx context.Context, userID string) ([]PadSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.abstract, p.published, p.updated_at
		FROM pads p
		JOIN pad_members m ON m.pad_id = p.id
		WHERE m.user_id = $1
		ORDER BY p.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list pads for user: %w", err)
	}
	defer rows.Close()

	var summaries []PadSummary
	for rows.Next() {
		var sum PadSummary
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.Abstract, &sum.Published, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pad summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range summaries {
		summaries[i].Users, summaries[i].Roles, err = s.padMembers(ctx, summaries[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return summaries, nil
}

// AddPadMember grows the access set. ON CONFLICT keeps the call idempotent
// so adding a collaborator twice is not an error.
func (s *PadStore) AddPadMember(ctx context.Context, padID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pad_members (pad_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (pad_id, user_id) DO NOTHING
	`, padID, userID, role)
	if err != nil {
		return fmt.Errorf("add pad member: %w", err)
	}
	return nil
}

func (s *PadStore) UpdatePadContent(ctx context.Context, p *Pad) error {
	sections, authors, references, err := marshalContent(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pads
		SET name=$2, abstract=$3, sections=$4, authors=$5, "references"=$6, updated_at=NOW()
		WHERE id=$1
	`, p.ID, p.Name, p.Abstract, sections, authors, references)
	if err != nil {
		return fmt.Errorf("update pad content: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update pad content: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPublished flips the visibility flag only when the current value matches
// expected. A zero-row update with an existing pad means a concurrent toggle
// won.
func (s *PadStore) SetPublished(ctx context.Context, padID string, expected, next bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pads SET published=$3, updated_at=NOW()
		WHERE id=$1 AND published=$2
	`, padID, expected, next)
	if err != nil {
		return fmt.Errorf("set published: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set published: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM pads WHERE id=$1)`, padID).Scan(&exists); err != nil {
		return fmt.Errorf("set published: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleState
}

var ErrStaleState = errors.New("stale state")

// --- refresh sessions (Postgres fallback when Redis is not configured) ---

func (s *PadStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PadStore) GetRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get refresh session: %w", err)
	}
	return userID, nil
}

func (s *PadStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1
	`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// --- helpers ---

func marshalContent(p *Pad) (sections, authors, references []byte, err error) {
	if p.Sections == nil {
		p.Sections = []Section{}
	}
	if p.Authors == nil {
		p.Authors = []Author{}
	}
	if p.References == nil {
		p.References = []Reference{}
	}
	sections, err = json.Marshal(p.Sections)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal sections: %w", err)
	}
	authors, err = json.Marshal(p.Authors)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal authors: %w", err)
	}
	references, err = json.Marshal(p.References)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal references: %w", err)
	}
	return sections, authors, references, nil
}

func unmarshalContent(p *Pad, sections, authors, references []byte) error {
	if err := json.Unmarshal(sections, &p.Sections); err != nil {
		return fmt.Errorf("unmarshal sections: %w", err)
	}
	if err := json.Unmarshal(authors, &p.Authors); err != nil {
		return fmt.Errorf("unmarshal authors: %w", err)
	}
	if err := json.Unmarshal(references, &p.References); err != nil {
		return fmt.Errorf("unmarshal references: %w", err)
	}
	return nil
}
