package matching

import (
	"sort"
	"strings"

	"statement-reconciliation/internal/models"
)

// Candidate scores, highest first.
const (
	ScoreExactName    = 100
	ScorePrefixName   = 75
	ScoreContainsName = 50
	ScoreAmountOnly   = 25
)

// Candidate is a scored document proposed for a transaction.
type Candidate struct {
	Document models.DocumentCandidate `json:"document"`
	Score    int                      `json:"score"`
	Reason   string                   `json:"reason"`
}

// bankPrefixes are operation codes banks put in front of the counterparty.
// Longer forms come first so "VIR SEPA" wins over "VIR".
var bankPrefixes = []string{
	"prelevement sepa", "prlv sepa", "prelevement",
	"virement sepa recu", "virement sepa emis", "virement sepa", "virement",
	"vir sepa recu", "vir sepa emis", "vir sepa", "vir inst", "vir",
	"paiement par carte", "paiement cb", "carte", "cb", "prlv",
}

// CounterpartyName returns the normalized counterparty of a transaction,
// derived from the label when the statement did not supply one.
func CounterpartyName(tx *models.Transaction) string {
	if name := normalizeName(tx.Counterparty); name != "" {
		return name
	}
	name := normalizeName(tx.Label)
	for _, p := range bankPrefixes {
		if name == p {
			return ""
		}
		if strings.HasPrefix(name, p+" ") {
			return strings.TrimSpace(strings.TrimPrefix(name, p))
		}
	}
	return name
}

func normalizeName(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer(".", " ", ",", " ", "-", " ", "/", " ", "*", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// ResolveCandidates ranks documents for a transaction. An exact name hit
// short-circuits the other tiers; amount-only matches are considered only
// when no name tier produced anything. typeHint, when set, restricts the
// documents to one kind. The documents slice is not modified.
func ResolveCandidates(tx *models.Transaction, documents []models.DocumentCandidate, typeHint models.DocumentKind) []Candidate {
	pool := documents
	if typeHint != "" {
		pool = make([]models.DocumentCandidate, 0, len(documents))
		for _, d := range documents {
			if d.Ref.Kind == typeHint {
				pool = append(pool, d)
			}
		}
	}

	name := CounterpartyName(tx)
	var exact, partial []Candidate
	if name != "" {
		for _, d := range pool {
			party := normalizeName(d.PartyName)
			if party == "" {
				continue
			}
			switch {
			case party == name:
				exact = append(exact, Candidate{Document: d, Score: ScoreExactName, Reason: "exact_name"})
			case strings.HasPrefix(party, name):
				partial = append(partial, Candidate{Document: d, Score: ScorePrefixName, Reason: "name_prefix"})
			case strings.Contains(party, name) || strings.Contains(name, party):
				partial = append(partial, Candidate{Document: d, Score: ScoreContainsName, Reason: "name_contains"})
			}
		}
	}

	if len(exact) > 0 {
		return sortCandidates(exact)
	}
	if len(partial) > 0 {
		return sortCandidates(partial)
	}

	amount := tx.NetAmount().Abs()
	var byAmount []Candidate
	for _, d := range pool {
		if WithinTolerance(d.AmountDue, amount) {
			byAmount = append(byAmount, Candidate{Document: d, Score: ScoreAmountOnly, Reason: "amount"})
		}
	}
	return sortCandidates(byAmount)
}

func sortCandidates(c []Candidate) []Candidate {
	if c == nil {
		return []Candidate{}
	}
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		if c[i].Document.Ref.ID != c[j].Document.Ref.ID {
			return c[i].Document.Ref.ID < c[j].Document.Ref.ID
		}
		return c[i].Document.Ref.Kind < c[j].Document.Ref.Kind
	})
	return c
}
