package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inkwell-ai/inkwell/internal/chatmodel"
)

const lorebookColumns = `id, name, description, is_global, is_enabled, created_at, updated_at`

const lorebookEntryColumns = `id, lorebook_id, name, keywords_json, content, priority,
	is_enabled, case_sensitive, match_whole_word, insertion_position, token_budget`

func scanLorebookEntry(row interface{ Scan(dest ...any) error }) (*chatmodel.LorebookEntry, error) {
	var e chatmodel.LorebookEntry
	var keywordsJSON, position string
	var enabled, caseSensitive, wholeWord int
	if err := row.Scan(&e.ID, &e.LorebookID, &e.Name, &keywordsJSON, &e.Content, &e.Priority,
		&enabled, &caseSensitive, &wholeWord, &position, &e.TokenBudget); err != nil {
		return nil, err
	}
	e.IsEnabled = enabled != 0
	e.CaseSensitive = caseSensitive != 0
	e.MatchWholeWord = wholeWord != 0
	e.InsertionPosition = chatmodel.InsertionPosition(position)
	if err := json.Unmarshal([]byte(keywordsJSON), &e.Keywords); err != nil {
		return nil, fmt.Errorf("unmarshal keywords: %w", err)
	}
	return &e, nil
}

func listLorebookEntries(q dbtx, lorebookID string) ([]chatmodel.LorebookEntry, error) {
	rows, err := q.Query(`SELECT `+lorebookEntryColumns+` FROM lorebook_entries
		WHERE lorebook_id = ? ORDER BY priority DESC, id ASC`, lorebookID)
	if err != nil {
		return nil, fmt.Errorf("list lorebook entries: %w", err)
	}
	defer rows.Close()
	var out []chatmodel.LorebookEntry
	for rows.Next() {
		e, err := scanLorebookEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanLorebook(row interface{ Scan(dest ...any) error }) (*chatmodel.Lorebook, error) {
	var l chatmodel.Lorebook
	var isGlobal, isEnabled int
	if err := row.Scan(&l.ID, &l.Name, &l.Description, &isGlobal, &isEnabled, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.IsGlobal = isGlobal != 0
	l.IsEnabled = isEnabled != 0
	return &l, nil
}

// InsertLorebook persists a new lorebook, then each entry in l.Entries
// (not in one transaction).
func (s *Store) InsertLorebook(l *chatmodel.Lorebook) error {
	_, err := s.db.Exec(`INSERT INTO lorebooks (`+lorebookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Name, l.Description, boolToInt(l.IsGlobal), boolToInt(l.IsEnabled), l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert lorebook: %w", err)
	}
	for i := range l.Entries {
		if err := s.InsertLorebookEntry(&l.Entries[i]); err != nil {
			return err
		}
	}
	return nil
}

// GetLorebook fetches a lorebook with its entries, returning nil, nil if absent.
func (s *Store) GetLorebook(id string) (*chatmodel.Lorebook, error) {
	row := s.db.QueryRow(`SELECT `+lorebookColumns+` FROM lorebooks WHERE id = ?`, id)
	l, err := scanLorebook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lorebook: %w", err)
	}
	entries, err := listLorebookEntries(s.db, id)
	if err != nil {
		return nil, err
	}
	l.Entries = entries
	return l, nil
}

// ListLorebooks returns every lorebook (without entries populated;
// callers needing entries call GetLorebook per id).
func (s *Store) ListLorebooks() ([]*chatmodel.Lorebook, error) {
	rows, err := s.db.Query(`SELECT ` + lorebookColumns + ` FROM lorebooks ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list lorebooks: %w", err)
	}
	defer rows.Close()
	var out []*chatmodel.Lorebook
	for rows.Next() {
		l, err := scanLorebook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListEnabledGlobalLorebooks returns every globally-applied, enabled
// lorebook with entries populated — the set the Lorebook Matcher
// considers for every conversation regardless of attachment.
func (s *Store) ListEnabledGlobalLorebooks() ([]*chatmodel.Lorebook, error) {
	rows, err := s.db.Query(`SELECT ` + lorebookColumns + ` FROM lorebooks
		WHERE is_global = 1 AND is_enabled = 1 ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list global lorebooks: %w", err)
	}
	defer rows.Close()
	var out []*chatmodel.Lorebook
	for rows.Next() {
		l, err := scanLorebook(rows)
		if err != nil {
			return nil, err
		}
		entries, err := listLorebookEntries(s.db, l.ID)
		if err != nil {
			return nil, err
		}
		l.Entries = entries
		out = append(out, l)
	}
	return out, rows.Err()
}

// InsertLorebookEntry adds a single entry to an existing lorebook.
func (s *Store) InsertLorebookEntry(e *chatmodel.LorebookEntry) error {
	keywords, err := json.Marshal(e.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO lorebook_entries (`+lorebookEntryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.LorebookID, e.Name, string(keywords), e.Content, e.Priority,
		boolToInt(e.IsEnabled), boolToInt(e.CaseSensitive), boolToInt(e.MatchWholeWord),
		string(e.InsertionPosition), e.TokenBudget)
	if err != nil {
		return fmt.Errorf("insert lorebook entry: %w", err)
	}
	return nil
}

// UpdateLorebook overwrites name/description/flags (not entries).
func (s *Store) UpdateLorebook(l *chatmodel.Lorebook) error {
	_, err := s.db.Exec(`UPDATE lorebooks SET name=?, description=?, is_global=?, is_enabled=?, updated_at=?
		WHERE id=?`, l.Name, l.Description, boolToInt(l.IsGlobal), boolToInt(l.IsEnabled), time.Now(), l.ID)
	if err != nil {
		return fmt.Errorf("update lorebook: %w", err)
	}
	return nil
}

// DeleteLorebook removes a lorebook and its entries.
func (s *Store) DeleteLorebook(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM lorebook_entries WHERE lorebook_id = ?`, id); err != nil {
			return fmt.Errorf("delete lorebook entries: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM lorebooks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete lorebook: %w", err)
		}
		return nil
	})
}

// LorebookEntriesFor returns enabled entries from the given attached
// lorebook ids plus every enabled global lorebook — the candidate set
// the Lorebook Matcher scans for keyword hits.
func (s *Store) LorebookEntriesFor(attachedIDs []string) ([]chatmodel.LorebookEntry, error) {
	seen := make(map[string]bool)
	var out []chatmodel.LorebookEntry

	collect := func(lb *chatmodel.Lorebook) {
		if !lb.IsEnabled || seen[lb.ID] {
			return
		}
		seen[lb.ID] = true
		for _, e := range lb.Entries {
			if e.IsEnabled {
				out = append(out, e)
			}
		}
	}

	for _, id := range attachedIDs {
		lb, err := s.GetLorebook(id)
		if err != nil {
			return nil, err
		}
		if lb != nil {
			collect(lb)
		}
	}

	globals, err := s.ListEnabledGlobalLorebooks()
	if err != nil {
		return nil, err
	}
	for _, lb := range globals {
		collect(lb)
	}

	return out, nil
}
