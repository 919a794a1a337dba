package services

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"testing"
	"time"

	"statement-reconciliation/internal/apperror"
	"statement-reconciliation/internal/config"
	"statement-reconciliation/internal/logging"
	"statement-reconciliation/internal/models"

	"github.com/shopspring/decimal"
)

// memStore is an in-memory database shared by the fake repositories.
// memTransactor snapshots it so a failed transaction leaves no trace.
type memStore struct {
	batches      map[string]models.Batch
	transactions map[string]models.Transaction
	rules        map[int64]models.MatchingRule
	nextRuleID   int64
	counters     map[string]int
	documents    map[models.DocumentRef]models.DocumentCandidate
	links        map[string][]models.DocumentRef
	audit        []models.AuditEntry

	// failures holds injected errors per operation, consumed one per call.
	failures map[string][]error
}

func newMemStore() *memStore {
	return &memStore{
		batches:      map[string]models.Batch{},
		transactions: map[string]models.Transaction{},
		rules:        map[int64]models.MatchingRule{},
		counters:     map[string]int{},
		documents:    map[models.DocumentRef]models.DocumentCandidate{},
		links:        map[string][]models.DocumentRef{},
		failures:     map[string][]error{},
	}
}

func (m *memStore) fail(op string) error {
	errs := m.failures[op]
	if len(errs) == 0 {
		return nil
	}
	m.failures[op] = errs[1:]
	return errs[0]
}

func (m *memStore) snapshot() *memStore {
	c := &memStore{
		batches:      make(map[string]models.Batch, len(m.batches)),
		transactions: make(map[string]models.Transaction, len(m.transactions)),
		rules:        make(map[int64]models.MatchingRule, len(m.rules)),
		nextRuleID:   m.nextRuleID,
		counters:     make(map[string]int, len(m.counters)),
		links:        make(map[string][]models.DocumentRef, len(m.links)),
		audit:        append([]models.AuditEntry(nil), m.audit...),
	}
	for k, v := range m.batches {
		c.batches[k] = v
	}
	for k, v := range m.transactions {
		c.transactions[k] = v
	}
	for k, v := range m.rules {
		c.rules[k] = v
	}
	for k, v := range m.counters {
		c.counters[k] = v
	}
	for k, v := range m.links {
		c.links[k] = v
	}
	return c
}

func (m *memStore) restore(c *memStore) {
	m.batches = c.batches
	m.transactions = c.transactions
	m.rules = c.rules
	m.nextRuleID = c.nextRuleID
	m.counters = c.counters
	m.links = c.links
	m.audit = c.audit
}

func (m *memStore) repositories() Repositories {
	return Repositories{
		Batches:      &memBatches{m},
		Transactions: &memTransactions{m},
		Rules:        &memRules{m},
		Counters:     &memCounters{m},
		Documents:    &memDocuments{m},
		Audit:        &memAudit{m},
	}
}

func (m *memStore) auditActions(lineID string) []string {
	var actions []string
	for _, e := range m.audit {
		if e.LineID == lineID {
			actions = append(actions, e.Action)
		}
	}
	return actions
}

type memTransactor struct {
	store     *memStore
	commits   int
	rollbacks int
}

func (t *memTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := t.store.snapshot()
	if err := fn(ctx); err != nil {
		t.store.restore(snap)
		t.rollbacks++
		return err
	}
	t.commits++
	return nil
}

func cloneTransaction(t models.Transaction) *models.Transaction {
	t.Match = models.MatchPayload{Documents: append([]models.DocumentRef(nil), t.Match.Documents...)}
	if t.Match.IsEmpty() {
		t.Match.Documents = nil
	}
	if t.VAT != nil {
		vat := *t.VAT
		t.VAT = &vat
	}
	return &t
}

type memBatches struct{ s *memStore }

func (r *memBatches) Create(ctx context.Context, b *models.Batch) error {
	if _, ok := r.s.batches[b.ID]; ok {
		return errors.New("duplicate batch " + b.ID)
	}
	if b.Version == 0 {
		b.Version = 1
	}
	stored := *b
	stored.Transactions = nil
	r.s.batches[b.ID] = stored
	return nil
}

func (r *memBatches) Get(ctx context.Context, id string) (*models.Batch, error) {
	b, ok := r.s.batches[id]
	if !ok {
		return nil, apperror.NotFound("batch", id)
	}
	return &b, nil
}

func (r *memBatches) GetForUpdate(ctx context.Context, id string) (*models.Batch, error) {
	return r.Get(ctx, id)
}

func (r *memBatches) UpdateAggregate(ctx context.Context, b *models.Batch) error {
	if err := r.s.fail("batch.update"); err != nil {
		return err
	}
	stored, ok := r.s.batches[b.ID]
	if !ok || stored.Version != b.Version {
		return apperror.Conflict("batch %s was modified concurrently", b.ID)
	}
	b.Version++
	stored = *b
	stored.Transactions = nil
	r.s.batches[b.ID] = stored
	return nil
}

func (r *memBatches) List(ctx context.Context, status models.BatchStatus, limit int) ([]*models.Batch, error) {
	batches := []*models.Batch{}
	for _, b := range r.s.batches {
		if status == "" || b.Status == status {
			b := b
			batches = append(batches, &b)
		}
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].ID > batches[j].ID })
	if limit > 0 && len(batches) > limit {
		batches = batches[:limit]
	}
	return batches, nil
}

type memTransactions struct{ s *memStore }

func (r *memTransactions) Insert(ctx context.Context, t *models.Transaction) error {
	if err := r.s.fail("tx.insert"); err != nil {
		return err
	}
	if _, ok := r.s.transactions[t.LineID]; ok {
		return errors.New("duplicate line " + t.LineID)
	}
	r.s.transactions[t.LineID] = *cloneTransaction(*t)
	return nil
}

func (r *memTransactions) Get(ctx context.Context, lineID string) (*models.Transaction, error) {
	t, ok := r.s.transactions[lineID]
	if !ok {
		return nil, apperror.NotFound("transaction", lineID)
	}
	return cloneTransaction(t), nil
}

func (r *memTransactions) GetForUpdate(ctx context.Context, lineID string) (*models.Transaction, error) {
	return r.Get(ctx, lineID)
}

func (r *memTransactions) ListByBatch(ctx context.Context, batchID string, status models.TransactionStatus) ([]*models.Transaction, error) {
	list := []*models.Transaction{}
	for _, t := range r.s.transactions {
		if t.BatchID == batchID && (status == "" || t.Status == status) {
			list = append(list, cloneTransaction(t))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Sequence < list[j].Sequence })
	return list, nil
}

func (r *memTransactions) ExistsSourceKey(ctx context.Context, batchID, sourceKey string) (bool, error) {
	for _, t := range r.s.transactions {
		if t.BatchID == batchID && t.SourceKey == sourceKey {
			return true, nil
		}
	}
	return false, nil
}

func (r *memTransactions) CountByBatch(ctx context.Context, batchID string) (int, int, error) {
	total, reconciled := 0, 0
	for _, t := range r.s.transactions {
		if t.BatchID != batchID {
			continue
		}
		total++
		if t.Status.IsReconciled() {
			reconciled++
		}
	}
	return total, reconciled, nil
}

func (r *memTransactions) UpdateMatch(ctx context.Context, t *models.Transaction) error {
	if err := r.s.fail("tx.update"); err != nil {
		return err
	}
	stored, ok := r.s.transactions[t.LineID]
	if !ok {
		return apperror.NotFound("transaction", t.LineID)
	}
	stored.Status = t.Status
	stored.Match = t.Match
	stored.Notes = t.Notes
	r.s.transactions[t.LineID] = *cloneTransaction(stored)
	return nil
}

func (r *memTransactions) ListReconciledByKind(ctx context.Context, kind models.DocumentKind) ([]*models.Transaction, error) {
	list := []*models.Transaction{}
	for lineID, refs := range r.s.links {
		t, ok := r.s.transactions[lineID]
		if !ok || !t.Status.IsReconciled() {
			continue
		}
		for _, ref := range refs {
			if ref.Kind == kind {
				list = append(list, cloneTransaction(t))
				break
			}
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].LineID < list[j].LineID })
	return list, nil
}

type memRules struct{ s *memStore }

func (r *memRules) Create(ctx context.Context, rule *models.MatchingRule) error {
	if err := r.s.fail("rule.create"); err != nil {
		return err
	}
	r.s.nextRuleID++
	rule.ID = r.s.nextRuleID
	r.s.rules[rule.ID] = *rule
	return nil
}

func (r *memRules) Get(ctx context.Context, id int64) (*models.MatchingRule, error) {
	rule, ok := r.s.rules[id]
	if !ok {
		return nil, apperror.NotFound("rule", strconv.FormatInt(id, 10))
	}
	return &rule, nil
}

func (r *memRules) Update(ctx context.Context, rule *models.MatchingRule) error {
	if _, ok := r.s.rules[rule.ID]; !ok {
		return apperror.NotFound("rule", strconv.FormatInt(rule.ID, 10))
	}
	r.s.rules[rule.ID] = *rule
	return nil
}

func (r *memRules) Delete(ctx context.Context, id int64) error {
	if _, ok := r.s.rules[id]; !ok {
		return apperror.NotFound("rule", strconv.FormatInt(id, 10))
	}
	delete(r.s.rules, id)
	return nil
}

func (r *memRules) List(ctx context.Context, activeOnly bool) ([]*models.MatchingRule, error) {
	rules := []*models.MatchingRule{}
	for _, rule := range r.s.rules {
		if !activeOnly || rule.Active {
			rule := rule
			rules = append(rules, &rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

type memCounters struct{ s *memStore }

func (r *memCounters) Next(ctx context.Context, scope string) (int, error) {
	r.s.counters[scope]++
	return r.s.counters[scope], nil
}

type memDocuments struct{ s *memStore }

func (r *memDocuments) Get(ctx context.Context, ref models.DocumentRef) (*models.DocumentCandidate, error) {
	d, ok := r.s.documents[ref]
	if !ok {
		return nil, apperror.NotFound("document", ref.String())
	}
	return &d, nil
}

func (r *memDocuments) GetMany(ctx context.Context, refs []models.DocumentRef) (map[models.DocumentRef]models.DocumentCandidate, error) {
	docs := map[models.DocumentRef]models.DocumentCandidate{}
	for _, ref := range refs {
		if d, ok := r.s.documents[ref]; ok {
			docs[ref] = d
		}
	}
	return docs, nil
}

func (r *memDocuments) SearchOpen(ctx context.Context, kind models.DocumentKind) ([]models.DocumentCandidate, error) {
	docs := []models.DocumentCandidate{}
	for _, d := range r.s.documents {
		if (kind == "" || d.Ref.Kind == kind) && d.PaymentStatus != "PAID" {
			docs = append(docs, d)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Ref.String() < docs[j].Ref.String() })
	return docs, nil
}

func (r *memDocuments) LinkTransaction(ctx context.Context, ref models.DocumentRef, lineID string) error {
	for _, existing := range r.s.links[lineID] {
		if existing == ref {
			return nil
		}
	}
	r.s.links[lineID] = append(append([]models.DocumentRef(nil), r.s.links[lineID]...), ref)
	return nil
}

func (r *memDocuments) UnlinkTransaction(ctx context.Context, lineID string) error {
	delete(r.s.links, lineID)
	return nil
}

type memAudit struct{ s *memStore }

func (r *memAudit) Create(ctx context.Context, entry *models.AuditEntry) error {
	if err := r.s.fail("audit.create"); err != nil {
		return err
	}
	entry.ID = int64(len(r.s.audit) + 1)
	entry.CreatedAt = time.Now()
	r.s.audit = append(r.s.audit, *entry)
	return nil
}

func (r *memAudit) ListByLine(ctx context.Context, lineID string) ([]*models.AuditEntry, error) {
	entries := []*models.AuditEntry{}
	for _, e := range r.s.audit {
		if e.LineID == lineID {
			e := e
			entries = append(entries, &e)
		}
	}
	return entries, nil
}

func (r *memAudit) ListByBatch(ctx context.Context, batchID string) ([]*models.AuditEntry, error) {
	entries := []*models.AuditEntry{}
	for _, e := range r.s.audit {
		if e.BatchID == batchID {
			e := e
			entries = append(entries, &e)
		}
	}
	return entries, nil
}

var testConfig = config.ReconciliationConfig{
	OperationTimeout:      time.Second,
	DocumentLookupTimeout: time.Second,
	RetryInitialInterval:  time.Millisecond,
	RetryMaxElapsed:       time.Second,
	RetryMaxAttempts:      3,
	Operator:              "system",
}

type testEnv struct {
	store   *memStore
	tx      *memTransactor
	recon   *ReconciliationService
	imports *ImportService
	rules   *RuleService
	reports *ReportService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	tx := &memTransactor{store: store}
	repos := store.repositories()
	log := logging.Discard()
	return &testEnv{
		store:   store,
		tx:      tx,
		recon:   NewReconciliationService(tx, repos, testConfig, log),
		imports: NewImportService(tx, repos, testConfig, log),
		rules:   NewRuleService(tx, repos, log),
		reports: NewReportService(repos),
	}
}

func (e *testEnv) addDocument(kind models.DocumentKind, id, party, amount, rateLabel string) models.DocumentRef {
	ref := models.DocumentRef{Kind: kind, ID: id}
	e.store.documents[ref] = models.DocumentCandidate{
		Ref:           ref,
		PartyName:     party,
		AmountDue:     decimal.RequireFromString(amount),
		PaymentStatus: "OPEN",
		VATRateLabel:  rateLabel,
	}
	return ref
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

// marchStatement is a three-line statement for March 2025.
func marchStatement() ImportRequest {
	return ImportRequest{
		PeriodStart: day(2025, time.March, 1),
		PeriodEnd:   day(2025, time.March, 31),
		Lines: []ImportLine{
			{ValueDate: day(2025, time.March, 5), Label: "PRLV SEPA ACME SAAS", Debit: dec("120.00")},
			{ValueDate: day(2025, time.March, 12), Label: "VIR SEPA RECU CLIENT SA", Credit: dec("1500.00")},
			{ValueDate: day(2025, time.March, 20), Label: "CB PAPETERIE", Debit: dec("45.90")},
		},
	}
}
