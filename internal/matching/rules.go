package matching

import (
	"sort"
	"strings"

	"statement-reconciliation/internal/models"
)

// RuleMatch is the outcome of a winning rule. Document is set when the rule
// names a concrete document; otherwise TypeHint narrows the candidate search.
type RuleMatch struct {
	Rule     *models.MatchingRule
	Document *models.DocumentRef
	TypeHint models.DocumentKind
}

// IsDirect reports whether the rule resolved to a single document.
func (m RuleMatch) IsDirect() bool {
	return m.Document != nil
}

// EvaluateRules returns the first active rule, by (priority, creation order),
// whose direction fits the transaction and whose keywords all occur in the
// label. The input slice is not reordered.
func EvaluateRules(tx *models.Transaction, rules []*models.MatchingRule) (RuleMatch, bool) {
	label := strings.ToLower(tx.Label)
	if strings.TrimSpace(label) == "" {
		return RuleMatch{}, false
	}

	for _, rule := range orderRules(rules) {
		if !directionFits(rule.Direction, tx) {
			continue
		}
		if !keywordsMatch(rule.Keywords, label) {
			continue
		}

		match := RuleMatch{Rule: rule, TypeHint: rule.TargetType}
		if rule.TargetDocumentID != nil && *rule.TargetDocumentID != "" {
			match.Document = &models.DocumentRef{Kind: rule.TargetType, ID: *rule.TargetDocumentID}
		}
		return match, true
	}
	return RuleMatch{}, false
}

// orderRules keeps active rules sorted by priority, ties broken by id.
func orderRules(rules []*models.MatchingRule) []*models.MatchingRule {
	ordered := make([]*models.MatchingRule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.Active {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}

func directionFits(d models.Direction, tx *models.Transaction) bool {
	switch d {
	case models.DirectionCredit:
		return tx.Credit.IsPositive()
	case models.DirectionDebit:
		return tx.Debit.IsPositive()
	case models.DirectionAny:
		return true
	}
	return false
}

// keywordsMatch is a conjunctive test; lowerLabel must already be lower-cased.
func keywordsMatch(keywords []string, lowerLabel string) bool {
	if len(keywords) == 0 {
		return false
	}
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || !strings.Contains(lowerLabel, kw) {
			return false
		}
	}
	return true
}
