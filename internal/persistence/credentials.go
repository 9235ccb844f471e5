package persistence

import (
	"fmt"
	"time"
)

// SetCredential stores one environment variable for a tool.
func (s *Store) SetCredential(tool, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO credentials (tool, name, value, updated_at) VALUES (?, ?, ?, ?)",
		tool, name, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set credential: %w", err)
	}
	return nil
}

// DeleteCredential removes one stored variable.
func (s *Store) DeleteCredential(tool, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM credentials WHERE tool = ? AND name = ?", tool, name); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// Credentials returns every stored variable for a tool. The map is empty,
// not nil, when nothing is stored.
func (s *Store) Credentials(tool string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT name, value FROM credentials WHERE tool = ?", tool)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}
