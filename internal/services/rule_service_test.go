package services

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"statement-reconciliation/internal/apperror"
	"statement-reconciliation/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleServiceCreateRejectsMalformedRules(t *testing.T) {
	env := newTestEnv(t)

	err := env.rules.Create(context.Background(), &models.MatchingRule{
		Name: "empty", Direction: models.DirectionAny, TargetType: models.KindInvoice, Active: true,
	})
	assert.True(t, apperror.IsValidation(err))
	assert.Empty(t, env.store.rules)
}

func TestRuleServiceDeleteKeepsMatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addDocument(models.KindSubscription, "SUB-1", "ACME SaaS", "120.00", "")
	rule := &models.MatchingRule{
		Name: "acme", Direction: models.DirectionDebit, Keywords: []string{"acme"},
		TargetType: models.KindSubscription, TargetDocumentID: strPtr("SUB-1"), Active: true,
	}
	require.NoError(t, env.rules.Create(ctx, rule))

	batch, err := env.imports.ImportStatement(ctx, marchStatement())
	require.NoError(t, err)
	res, err := env.recon.AutoMatchTransaction(ctx, batch.Transactions[0].LineID, "")
	require.NoError(t, err)
	require.True(t, res.Matched)

	require.NoError(t, env.rules.Delete(ctx, rule.ID))
	assert.True(t, apperror.IsNotFound(env.rules.Delete(ctx, rule.ID)))

	tx, err := env.recon.GetTransaction(ctx, batch.Transactions[0].LineID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMatched, tx.Status)
	assert.False(t, tx.Match.IsEmpty())
}

func TestRuleServiceUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rule := &models.MatchingRule{
		Name: "edf", Direction: models.DirectionDebit, Keywords: []string{"EDF", "PRELEVEMENT"},
		TargetType: models.KindChargeDeclaration, Active: true, Priority: 3,
	}
	require.NoError(t, env.rules.Create(ctx, rule))

	rule.Keywords = []string{" edf "}
	rule.Active = false
	require.NoError(t, env.rules.Update(ctx, rule))

	stored, err := env.rules.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"edf"}, stored.Keywords)

	active, err := env.rules.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	rule.Keywords = []string{""}
	assert.True(t, apperror.IsValidation(env.rules.Update(ctx, rule)))
}

const rulesYAML = `
rules:
  - name: ACME subscription
    direction: DEBIT
    keywords: [prlv, acme]
    target_type: SUBSCRIPTION
    target_document_id: SUB-1
    priority: 1
  - name: Social charges
    direction: ANY
    keywords: [urssaf]
    target_type: CHARGE_DECLARATION
    priority: 10
    active: false
`

func TestRuleServiceLoad(t *testing.T) {
	env := newTestEnv(t)

	rules, err := env.rules.Load(context.Background(), strings.NewReader(rulesYAML))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, int64(1), rules[0].ID)
	assert.True(t, rules[0].Active)
	require.NotNil(t, rules[0].TargetDocumentID)
	assert.Equal(t, "SUB-1", *rules[0].TargetDocumentID)
	assert.False(t, rules[1].Active)
	assert.Nil(t, rules[1].TargetDocumentID)
	assert.Len(t, env.store.rules, 2)
}

func TestRuleServiceLoadIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	doc := rulesYAML + `
  - name: broken
    direction: SIDEWAYS
    keywords: [x]
    target_type: INVOICE
`
	_, err := env.rules.Load(context.Background(), strings.NewReader(doc))
	assert.True(t, apperror.IsValidation(err))
	assert.Empty(t, env.store.rules)

	env.store.failures["rule.create"] = []error{nil, assert.AnError}
	_, err = env.rules.Load(context.Background(), strings.NewReader(rulesYAML))
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, env.store.rules)
}

func TestRuleServiceLoadFile(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	rules, err := env.rules.LoadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	_, err = env.rules.LoadFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
