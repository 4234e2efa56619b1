// Package postgres provides PostgreSQL implementation of the distribution stores.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bissquit/notification-distributor/internal/distribution"
	"github.com/bissquit/notification-distributor/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements distribution.RuleRepository and distribution.AttemptStore using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// FindRuleSet loads an event with its rules and subscriptions.
func (r *Repository) FindRuleSet(ctx context.Context, queue, eventType string) (*distribution.RuleSet, error) {
	query := `
		SELECT id, queue, event_type, metadata_labels
		FROM distribution_events
		WHERE queue = $1 AND event_type = $2
	`
	var set distribution.RuleSet
	err := r.db.QueryRow(ctx, query, queue, eventType).Scan(
		&set.Event.ID,
		&set.Event.Queue,
		&set.Event.EventType,
		&set.Event.MetadataLabels,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, distribution.ErrNotFound
		}
		return nil, fmt.Errorf("get distribution event: %w", err)
	}

	set.Rules, err = r.listRules(ctx, set.Event.ID)
	if err != nil {
		return nil, err
	}

	set.Subscriptions, err = r.listSubscriptions(ctx, set.Event.ID)
	if err != nil {
		return nil, err
	}

	return &set, nil
}

func (r *Repository) listRules(ctx context.Context, eventID string) ([]domain.DistributionRule, error) {
	query := `
		SELECT id, event_id, metadata, delivery_methods, templates, check_delivery_window, bypass_subscriptions
		FROM distribution_rules
		WHERE event_id = $1
		ORDER BY position, created_at, id
	`
	rows, err := r.db.Query(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("list distribution rules: %w", err)
	}
	defer rows.Close()

	rules := make([]domain.DistributionRule, 0)
	for rows.Next() {
		var rule domain.DistributionRule
		var metadata, templates []byte
		var methods []string
		err := rows.Scan(
			&rule.ID,
			&rule.EventID,
			&metadata,
			&methods,
			&templates,
			&rule.CheckDeliveryWindow,
			&rule.BypassSubscriptions,
		)
		if err != nil {
			return nil, fmt.Errorf("scan distribution rule: %w", err)
		}

		if metadata != nil {
			if err := json.Unmarshal(metadata, &rule.Metadata); err != nil {
				return nil, fmt.Errorf("decode rule %s metadata: %w", rule.ID, err)
			}
			if rule.Metadata == nil {
				// JSON null stored in a non-NULL column.
				rule.Metadata = map[string]any{}
			}
		}
		if err := json.Unmarshal(templates, &rule.Templates); err != nil {
			return nil, fmt.Errorf("decode rule %s templates: %w", rule.ID, err)
		}
		rule.DeliveryMethods = parseDeliveryMethods(methods)

		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distribution rules: %w", err)
	}

	return rules, nil
}

func (r *Repository) listSubscriptions(ctx context.Context, eventID string) ([]domain.Subscription, error) {
	query := `
		SELECT id, event_id, subscriber_id, subscriber_kind, filter_join, filters
		FROM subscriptions
		WHERE event_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]domain.Subscription, 0)
	for rows.Next() {
		var sub domain.Subscription
		var filters []byte
		err := rows.Scan(
			&sub.ID,
			&sub.EventID,
			&sub.SubscriberID,
			&sub.SubscriberKind,
			&sub.FilterJoin,
			&filters,
		)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if err := json.Unmarshal(filters, &sub.Filters); err != nil {
			return nil, fmt.Errorf("decode subscription %s filters: %w", sub.ID, err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}

	return subs, nil
}

// parseDeliveryMethods normalises stored channel names. Unknown names are kept
// as-is so that job building rejects them.
func parseDeliveryMethods(names []string) []domain.DeliveryMethod {
	methods := make([]domain.DeliveryMethod, 0, len(names))
	for _, name := range names {
		m, err := domain.ParseDeliveryMethod(name)
		if err != nil {
			m = domain.DeliveryMethod(name)
		}
		methods = append(methods, m)
	}
	return methods
}

// Upsert writes the attempt log. ACTIVE only updates the per-message entry;
// finished states also record the attempt, in the same transaction.
func (r *Repository) Upsert(ctx context.Context, attempt domain.Attempt) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	logQuery := `
		INSERT INTO distribution_message_log (message_id, queue, state, attempts_made, processed_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id, queue) DO UPDATE
		SET state = EXCLUDED.state,
		    attempts_made = GREATEST(distribution_message_log.attempts_made, EXCLUDED.attempts_made),
		    processed_at = EXCLUDED.processed_at,
		    finished_at = EXCLUDED.finished_at,
		    updated_at = NOW()
	`
	_, err = tx.Exec(ctx, logQuery,
		attempt.MessageID,
		attempt.Queue,
		attempt.State,
		attempt.Number,
		attempt.ProcessedAt,
		attempt.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert message log: %w", err)
	}

	if attempt.State != domain.AttemptStateActive {
		attemptQuery := `
			INSERT INTO distribution_attempts (message_id, queue, attempt, state, processed_at, finished_at, result, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (message_id, queue, attempt) DO UPDATE
			SET state = EXCLUDED.state,
			    finished_at = EXCLUDED.finished_at,
			    result = EXCLUDED.result,
			    error = EXCLUDED.error
		`
		_, err = tx.Exec(ctx, attemptQuery,
			attempt.MessageID,
			attempt.Queue,
			attempt.Number,
			attempt.State,
			attempt.ProcessedAt,
			attempt.FinishedAt,
			jsonArg(attempt.Result),
			jsonArg(attempt.Error),
		)
		if err != nil {
			return fmt.Errorf("upsert attempt: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListAttempts returns the recorded attempts of a message on a queue in attempt order.
func (r *Repository) ListAttempts(ctx context.Context, messageID, queue string) ([]domain.Attempt, error) {
	query := `
		SELECT message_id, queue, attempt, state, processed_at, finished_at, result, error
		FROM distribution_attempts
		WHERE message_id = $1 AND queue = $2
		ORDER BY attempt
	`
	rows, err := r.db.Query(ctx, query, messageID, queue)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]domain.Attempt, 0)
	for rows.Next() {
		var a domain.Attempt
		err := rows.Scan(
			&a.MessageID,
			&a.Queue,
			&a.Number,
			&a.State,
			&a.ProcessedAt,
			&a.FinishedAt,
			&a.Result,
			&a.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}

	return attempts, nil
}

// GetMessageState returns the latest logged state of a message on a queue.
func (r *Repository) GetMessageState(ctx context.Context, messageID, queue string) (domain.AttemptState, int, error) {
	query := `
		SELECT state, attempts_made
		FROM distribution_message_log
		WHERE message_id = $1 AND queue = $2
	`
	var state domain.AttemptState
	var attempts int
	err := r.db.QueryRow(ctx, query, messageID, queue).Scan(&state, &attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, distribution.ErrNotFound
		}
		return "", 0, fmt.Errorf("get message state: %w", err)
	}
	return state, attempts, nil
}

// jsonArg passes nil for empty payloads so the column stores SQL NULL.
func jsonArg(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
