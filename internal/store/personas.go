package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/chatmodel"
)

const personaColumns = `id, name, description, is_default, created_at, updated_at`

func scanPersona(row interface{ Scan(dest ...any) error }) (*chatmodel.Persona, error) {
	var p chatmodel.Persona
	var isDefault int
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &isDefault, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.IsDefault = isDefault != 0
	return &p, nil
}

// InsertPersona persists a new persona. If p.IsDefault is true, any
// existing default persona is cleared first so invariant 3.4 ("at
// most one persona has is_default=true") holds atomically.
func (s *Store) InsertPersona(p *chatmodel.Persona) error {
	return s.withTx(func(tx *sql.Tx) error {
		if p.IsDefault {
			if _, err := tx.Exec(`UPDATE personas SET is_default = 0 WHERE is_default = 1`); err != nil {
				return fmt.Errorf("clear existing default persona: %w", err)
			}
		}
		_, err := tx.Exec(`INSERT INTO personas (`+personaColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Description, boolToInt(p.IsDefault), p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert persona: %w", err)
		}
		return nil
	})
}

// GetPersona fetches a persona by id, returning nil, nil if absent.
func (s *Store) GetPersona(id string) (*chatmodel.Persona, error) {
	row := s.db.QueryRow(`SELECT `+personaColumns+` FROM personas WHERE id = ?`, id)
	p, err := scanPersona(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get persona: %w", err)
	}
	return p, nil
}

// ListPersonas returns every persona ordered by name.
func (s *Store) ListPersonas() ([]*chatmodel.Persona, error) {
	rows, err := s.db.Query(`SELECT ` + personaColumns + ` FROM personas ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()
	var out []*chatmodel.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetDefaultPersona atomically makes id the sole default persona.
func (s *Store) SetDefaultPersona(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM personas WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check persona exists: %w", err)
		}
		if exists == 0 {
			return apperr.NotFound("persona", id)
		}
		if _, err := tx.Exec(`UPDATE personas SET is_default = 0 WHERE is_default = 1`); err != nil {
			return fmt.Errorf("clear existing default persona: %w", err)
		}
		if _, err := tx.Exec(`UPDATE personas SET is_default = 1, updated_at = ? WHERE id = ?`, time.Now(), id); err != nil {
			return fmt.Errorf("set default persona: %w", err)
		}
		return nil
	})
}

// DeletePersona removes a persona row.
func (s *Store) DeletePersona(id string) error {
	if _, err := s.db.Exec(`DELETE FROM personas WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	return nil
}
