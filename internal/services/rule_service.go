package services

import (
	"context"
	"fmt"
	"io"
	"os"

	"statement-reconciliation/internal/apperror"
	"statement-reconciliation/internal/database"
	"statement-reconciliation/internal/logging"
	"statement-reconciliation/internal/models"
	"statement-reconciliation/internal/repositories"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type RuleService struct {
	tx    database.Transactor
	rules repositories.RuleRepository
	log   logrus.FieldLogger
}

func NewRuleService(tx database.Transactor, repos Repositories, log logrus.FieldLogger) *RuleService {
	return &RuleService{tx: tx, rules: repos.Rules, log: log}
}

// Create validates and stores a rule. Malformed rules are never persisted.
func (s *RuleService) Create(ctx context.Context, rule *models.MatchingRule) error {
	if err := models.ValidateRule(rule); err != nil {
		return err
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return err
	}
	s.log.WithField(logging.FieldRuleID, rule.ID).Infof("Created matching rule %q", rule.Name)
	return nil
}

func (s *RuleService) Update(ctx context.Context, rule *models.MatchingRule) error {
	if err := models.ValidateRule(rule); err != nil {
		return err
	}
	if err := s.rules.Update(ctx, rule); err != nil {
		return err
	}
	s.log.WithField(logging.FieldRuleID, rule.ID).Info("Updated matching rule")
	return nil
}

// Delete removes a rule. Transactions it already matched stay matched.
func (s *RuleService) Delete(ctx context.Context, id int64) error {
	if err := s.rules.Delete(ctx, id); err != nil {
		return err
	}
	s.log.WithField(logging.FieldRuleID, id).Info("Deleted matching rule")
	return nil
}

func (s *RuleService) Get(ctx context.Context, id int64) (*models.MatchingRule, error) {
	return s.rules.Get(ctx, id)
}

func (s *RuleService) List(ctx context.Context, activeOnly bool) ([]*models.MatchingRule, error) {
	return s.rules.List(ctx, activeOnly)
}

type ruleFile struct {
	Rules []ruleDocument `yaml:"rules"`
}

type ruleDocument struct {
	Name             string   `yaml:"name"`
	Direction        string   `yaml:"direction"`
	Keywords         []string `yaml:"keywords"`
	TargetType       string   `yaml:"target_type"`
	TargetDocumentID string   `yaml:"target_document_id"`
	Priority         int      `yaml:"priority"`
	Active           *bool    `yaml:"active"`
}

// LoadFile reads rules from a YAML file and creates them. See Load.
func (s *RuleService) LoadFile(ctx context.Context, path string) ([]*models.MatchingRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule file: %w", err)
	}
	defer f.Close()
	return s.Load(ctx, f)
}

// Load creates every rule of a YAML document in one transaction. Rules
// default to active; one malformed rule rejects the whole document.
func (s *RuleService) Load(ctx context.Context, r io.Reader) ([]*models.MatchingRule, error) {
	var file ruleFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, apperror.Validation("rules", "invalid YAML: %v", err)
	}

	rules := make([]*models.MatchingRule, 0, len(file.Rules))
	for i, doc := range file.Rules {
		rule := &models.MatchingRule{
			Name:       doc.Name,
			Direction:  models.Direction(doc.Direction),
			Keywords:   doc.Keywords,
			TargetType: models.DocumentKind(doc.TargetType),
			Priority:   doc.Priority,
			Active:     doc.Active == nil || *doc.Active,
		}
		if doc.TargetDocumentID != "" {
			id := doc.TargetDocumentID
			rule.TargetDocumentID = &id
		}
		if err := models.ValidateRule(rule); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		rules = append(rules, rule)
	}

	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		for _, rule := range rules {
			if err := s.rules.Create(ctx, rule); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField(logging.FieldCount, len(rules)).Info("Loaded matching rules")
	return rules, nil
}
