package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/RentaProfessor/blackbox-core/internal/registry"
	"github.com/RentaProfessor/blackbox-core/internal/store"
)

// RegisterHandlers binds the three recognized function-call names to
// handlers backed by s, so FunctionCall side effects produced by the LLM
// worker reach durable storage.
func RegisterHandlers(r *registry.Registry, s *store.Store) {
	r.Register("set_reminder", setReminderHandler(s))
	r.Register("access_vault", accessVaultHandler(s))
	r.Register("play_media", playMediaHandler(s))
}

func setReminderHandler(s *store.Store) registry.Handler {
	return func(ctx context.Context, userID string, args map[string]any) (any, error) {
		title, _ := args["title"].(string)
		if title == "" {
			return nil, fmt.Errorf("set_reminder: missing title")
		}
		description, _ := args["description"].(string)
		recurring, _ := args["recurring"].(string)

		dueDate := time.Now().Add(24 * time.Hour)
		if raw, ok := args["due_date"].(string); ok && raw != "" {
			if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
				dueDate = parsed
			}
		}

		id, err := s.CreateReminder(userID, title, dueDate, description, recurring)
		if err != nil {
			return nil, fmt.Errorf("set_reminder: %w", err)
		}
		return map[string]any{"id": id}, nil
	}
}

func accessVaultHandler(s *store.Store) registry.Handler {
	return func(ctx context.Context, userID string, args map[string]any) (any, error) {
		category, _ := args["category"].(string)
		items, err := s.ListVaultItems(userID, category)
		if err != nil {
			return nil, fmt.Errorf("access_vault: %w", err)
		}
		titles := make([]string, 0, len(items))
		for _, item := range items {
			titles = append(titles, item.Title)
		}
		return map[string]any{"titles": titles}, nil
	}
}

func playMediaHandler(s *store.Store) registry.Handler {
	return func(ctx context.Context, userID string, args map[string]any) (any, error) {
		mediaType, _ := args["media_type"].(string)
		items, err := s.ListMediaItems(userID, mediaType)
		if err != nil {
			return nil, fmt.Errorf("play_media: %w", err)
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("play_media: no items found for type %q", mediaType)
		}
		return map[string]any{"file_path": items[0].FilePath, "title": items[0].Title}, nil
	}
}
