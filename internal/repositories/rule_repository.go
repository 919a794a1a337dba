package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"statement-reconciliation/internal/apperror"
	"statement-reconciliation/internal/database"
	"statement-reconciliation/internal/models"
)

type RuleRepository interface {
	Create(ctx context.Context, rule *models.MatchingRule) error
	Get(ctx context.Context, id int64) (*models.MatchingRule, error)
	Update(ctx context.Context, rule *models.MatchingRule) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, activeOnly bool) ([]*models.MatchingRule, error)
}

type ruleRepository struct {
	db *sql.DB
}

func NewRuleRepository(db *sql.DB) RuleRepository {
	return &ruleRepository{db: db}
}

const ruleColumns = `
	id, name, direction, keywords, target_type, target_document_id,
	active, priority, created_at, updated_at`

func (r *ruleRepository) Create(ctx context.Context, rule *models.MatchingRule) error {
	keywords, err := json.Marshal(rule.Keywords)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO matching_rules (
			name, direction, keywords, target_type,
			target_document_id, active, priority
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		rule.Name,
		rule.Direction,
		keywords,
		rule.TargetType,
		rule.TargetDocumentID,
		rule.Active,
		rule.Priority,
	)
	if err != nil {
		return fmt.Errorf("insert rule %q: %w", rule.Name, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rule.ID = id
	return nil
}

func (r *ruleRepository) Get(ctx context.Context, id int64) (*models.MatchingRule, error) {
	query := `SELECT` + ruleColumns + `
		FROM matching_rules
		WHERE id = ?`

	rule, err := scanRule(database.Conn(ctx, r.db).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("rule", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %d: %w", id, err)
	}
	return rule, nil
}

func (r *ruleRepository) Update(ctx context.Context, rule *models.MatchingRule) error {
	keywords, err := json.Marshal(rule.Keywords)
	if err != nil {
		return err
	}

	query := `
		UPDATE matching_rules
		SET name = ?,
		    direction = ?,
		    keywords = ?,
		    target_type = ?,
		    target_document_id = ?,
		    active = ?,
		    priority = ?
		WHERE id = ?
	`
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		rule.Name,
		rule.Direction,
		keywords,
		rule.TargetType,
		rule.TargetDocumentID,
		rule.Active,
		rule.Priority,
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule %d: %w", rule.ID, err)
	}
	return requireAffected(result, "rule", strconv.FormatInt(rule.ID, 10))
}

// Delete removes the rule. Transactions it matched keep their payload.
func (r *ruleRepository) Delete(ctx context.Context, id int64) error {
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, `DELETE FROM matching_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	return requireAffected(result, "rule", strconv.FormatInt(id, 10))
}

// List returns rules in evaluation order: priority, then creation order.
func (r *ruleRepository) List(ctx context.Context, activeOnly bool) ([]*models.MatchingRule, error) {
	query := `SELECT` + ruleColumns + `
		FROM matching_rules`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY priority, id`

	rows, err := database.Conn(ctx, r.db).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := []*models.MatchingRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanRule(row rowScanner) (*models.MatchingRule, error) {
	rule := &models.MatchingRule{}
	var keywords []byte
	var target sql.NullString
	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Direction,
		&keywords,
		&rule.TargetType,
		&target,
		&rule.Active,
		&rule.Priority,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(keywords, &rule.Keywords); err != nil {
		return nil, fmt.Errorf("decode keywords of rule %d: %w", rule.ID, err)
	}
	if target.Valid {
		rule.TargetDocumentID = &target.String
	}
	return rule, nil
}

func requireAffected(result sql.Result, entity, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return apperror.NotFound(entity, id)
	}
	return nil
}
