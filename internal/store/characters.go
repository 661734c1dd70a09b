package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inkwell-ai/inkwell/internal/chatmodel"
)

const characterColumns = `id, name, description, personality, scenario, backstory,
	system_prompt, first_message, alternate_greetings_json, example_dialogues,
	physical_traits, speech_patterns, likes_json, dislikes_json, tags_json,
	avatar_ref, rating, pov_type, is_bundled, created_at, updated_at`

func scanCharacter(row interface{ Scan(dest ...any) error }) (*chatmodel.Character, error) {
	var c chatmodel.Character
	var greetingsJSON, likesJSON, dislikesJSON, tagsJSON sql.NullString
	var rating, pov string
	var bundled int
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Personality, &c.Scenario, &c.Backstory,
		&c.SystemPrompt, &c.FirstMessage, &greetingsJSON, &c.ExampleDialogues,
		&c.PhysicalTraits, &c.SpeechPatterns, &likesJSON, &dislikesJSON, &tagsJSON,
		&c.AvatarRef, &rating, &pov, &bundled, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Rating = chatmodel.Rating(rating)
	c.POVType = chatmodel.POVType(pov)
	c.IsBundled = bundled != 0
	for _, pair := range []struct {
		src *sql.NullString
		dst *[]string
	}{
		{&greetingsJSON, &c.AlternateGreetings},
		{&likesJSON, &c.Likes},
		{&dislikesJSON, &c.Dislikes},
		{&tagsJSON, &c.Tags},
	} {
		if pair.src.Valid && pair.src.String != "" {
			if err := json.Unmarshal([]byte(pair.src.String), pair.dst); err != nil {
				return nil, fmt.Errorf("unmarshal character list field: %w", err)
			}
		}
	}
	return &c, nil
}

// InsertCharacter persists a new character row.
func (s *Store) InsertCharacter(c *chatmodel.Character) error {
	greetings, _ := json.Marshal(c.AlternateGreetings)
	likes, _ := json.Marshal(c.Likes)
	dislikes, _ := json.Marshal(c.Dislikes)
	tags, _ := json.Marshal(c.Tags)
	_, err := s.db.Exec(`INSERT INTO characters (`+characterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, c.Personality, c.Scenario, c.Backstory,
		c.SystemPrompt, c.FirstMessage, string(greetings), c.ExampleDialogues,
		c.PhysicalTraits, c.SpeechPatterns, string(likes), string(dislikes), string(tags),
		c.AvatarRef, string(c.Rating), string(c.POVType), boolToInt(c.IsBundled), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert character: %w", err)
	}
	return nil
}

// GetCharacter fetches a character by id, returning nil, nil if absent.
func (s *Store) GetCharacter(id string) (*chatmodel.Character, error) {
	row := s.db.QueryRow(`SELECT `+characterColumns+` FROM characters WHERE id = ?`, id)
	c, err := scanCharacter(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get character: %w", err)
	}
	return c, nil
}

// ListCharacters returns every character ordered by name.
func (s *Store) ListCharacters() ([]*chatmodel.Character, error) {
	rows, err := s.db.Query(`SELECT ` + characterColumns + ` FROM characters ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()
	var out []*chatmodel.Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCharacter overwrites a character's mutable content fields.
func (s *Store) UpdateCharacter(c *chatmodel.Character) error {
	greetings, _ := json.Marshal(c.AlternateGreetings)
	likes, _ := json.Marshal(c.Likes)
	dislikes, _ := json.Marshal(c.Dislikes)
	tags, _ := json.Marshal(c.Tags)
	_, err := s.db.Exec(`UPDATE characters SET name=?, description=?, personality=?, scenario=?,
			backstory=?, system_prompt=?, first_message=?, alternate_greetings_json=?,
			example_dialogues=?, physical_traits=?, speech_patterns=?, likes_json=?,
			dislikes_json=?, tags_json=?, avatar_ref=?, rating=?, pov_type=?, updated_at=?
		WHERE id=?`,
		c.Name, c.Description, c.Personality, c.Scenario, c.Backstory, c.SystemPrompt,
		c.FirstMessage, string(greetings), c.ExampleDialogues, c.PhysicalTraits, c.SpeechPatterns,
		string(likes), string(dislikes), string(tags), c.AvatarRef, string(c.Rating), string(c.POVType),
		time.Now(), c.ID)
	if err != nil {
		return fmt.Errorf("update character: %w", err)
	}
	return nil
}

// DeleteCharacter removes a character row. Conversations referencing it
// keep the dangling id; the boundary collaborator owning character CRUD
// is responsible for warning the user.
func (s *Store) DeleteCharacter(id string) error {
	if _, err := s.db.Exec(`DELETE FROM characters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete character: %w", err)
	}
	return nil
}
