package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/museflow/ai-gateway/internal/template"
)

// GetTemplate loads a prompt template by id. Returns (nil, nil) when the
// template does not exist, which the executor reports as not-found. This
// satisfies template.Source.
func (s *Store) GetTemplate(ctx context.Context, id string) (*template.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		tpl      template.Template
		varsJSON string
		isActive int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, content, system_prompt, user_prompt, variables, is_active, version
		FROM prompt_templates WHERE id = ?`, id).Scan(
		&tpl.ID, &tpl.Name, &tpl.Category, &tpl.Content,
		&tpl.SystemPrompt, &tpl.UserPrompt, &varsJSON, &isActive, &tpl.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load template: %w", err)
	}

	if err := json.Unmarshal([]byte(varsJSON), &tpl.Variables); err != nil {
		return nil, fmt.Errorf("store: unmarshal template variables for %s: %w", id, err)
	}
	tpl.IsActive = isActive != 0
	return &tpl, nil
}

// SaveTemplate inserts or replaces a prompt template. The version is
// bumped automatically on replace unless the caller sets one explicitly.
func (s *Store) SaveTemplate(ctx context.Context, tpl *template.Template) error {
	if tpl.ID == "" || tpl.Name == "" || tpl.Content == "" {
		return fmt.Errorf("store: template id, name and content are required")
	}

	varsJSON, err := json.Marshal(tpl.Variables)
	if err != nil {
		return fmt.Errorf("store: marshal template variables: %w", err)
	}
	if tpl.Variables == nil {
		varsJSON = []byte("[]")
	}

	version := tpl.Version
	if version == 0 {
		existing, err := s.GetTemplate(ctx, tpl.ID)
		if err != nil {
			return err
		}
		version = 1
		if existing != nil {
			version = existing.Version + 1
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prompt_templates
			(id, name, category, content, system_prompt, user_prompt, variables, is_active, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			content = excluded.content,
			system_prompt = excluded.system_prompt,
			user_prompt = excluded.user_prompt,
			variables = excluded.variables,
			is_active = excluded.is_active,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		tpl.ID, tpl.Name, tpl.Category, tpl.Content, tpl.SystemPrompt, tpl.UserPrompt,
		string(varsJSON), boolToInt(tpl.IsActive), version, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: save template: %w", err)
	}
	return nil
}

// DeleteTemplate removes a prompt template by id.
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM prompt_templates WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete template: %w", err)
	}
	return nil
}
