package services

import (
	"context"

	"statement-reconciliation/internal/aggregation"
	"statement-reconciliation/internal/apperror"
	"statement-reconciliation/internal/models"
)

type ReportService struct {
	repos Repositories
}

func NewReportService(repos Repositories) *ReportService {
	return &ReportService{repos: repos}
}

// PaymentHistory folds reconciled transactions into payment rows for
// subscriptions or charge declarations.
func (s *ReportService) PaymentHistory(ctx context.Context, kind models.DocumentKind) ([]aggregation.PaymentRow, error) {
	if kind != models.KindSubscription && kind != models.KindChargeDeclaration {
		return nil, apperror.Validation("kind", "payment history is kept for %s and %s only", models.KindSubscription, models.KindChargeDeclaration)
	}

	transactions, err := s.repos.Transactions.ListReconciledByKind(ctx, kind)
	if err != nil {
		return nil, err
	}

	var refs []models.DocumentRef
	for _, t := range transactions {
		for _, ref := range t.Match.Documents {
			if ref.Kind == kind {
				refs = append(refs, ref)
			}
		}
	}
	documents, err := s.repos.Documents.GetMany(ctx, refs)
	if err != nil {
		return nil, err
	}
	return aggregation.BuildPaymentHistory(kind, transactions, documents), nil
}
