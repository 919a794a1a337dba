// Package statement reads bank statement exports into import lines.
package statement

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"statement-reconciliation/internal/apperror"
	"statement-reconciliation/internal/models"
	"statement-reconciliation/internal/services"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"
)

// Row is one line of a statement export. Either debit/credit or a signed
// amount must be present; the VAT columns are optional but go together.
type Row struct {
	ValueDate    string `csv:"value_date"`
	Label        string `csv:"label"`
	Debit        string `csv:"debit"`
	Credit       string `csv:"credit"`
	Amount       string `csv:"amount"`
	Counterparty string `csv:"counterparty"`
	VATNet       string `csv:"vat_net"`
	VATAmount    string `csv:"vat_amount"`
	VATGross     string `csv:"vat_gross"`
}

var dateLayouts = []string{"2006-01-02", "02/01/2006", "02.01.2006"}

// ParseFile reads a statement export from disk.
func ParseFile(path string, delimiter rune) ([]services.ImportLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening statement file: %w", err)
	}
	defer f.Close()
	return Parse(f, delimiter)
}

// Parse reads a headed CSV statement in file order. Blank rows are skipped.
func Parse(r io.Reader, delimiter rune) ([]services.ImportLine, error) {
	reader := csv.NewReader(r)
	reader.Comma = delimiter
	reader.TrimLeadingSpace = true

	var rows []*Row
	if err := gocsv.UnmarshalCSV(reader, &rows); err != nil {
		return nil, apperror.Validation("statement", "unreadable CSV: %v", err)
	}

	lines := make([]services.ImportLine, 0, len(rows))
	for i, row := range rows {
		if row.ValueDate == "" && row.Label == "" {
			continue
		}
		line, err := row.toLine()
		if err != nil {
			// header is line 1
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (row *Row) toLine() (services.ImportLine, error) {
	date, err := parseDate(row.ValueDate)
	if err != nil {
		return services.ImportLine{}, err
	}
	line := services.ImportLine{
		ValueDate:    date,
		Label:        strings.TrimSpace(row.Label),
		Counterparty: strings.TrimSpace(row.Counterparty),
	}

	if line.Debit, err = parseAmount("debit", row.Debit); err != nil {
		return line, err
	}
	if line.Credit, err = parseAmount("credit", row.Credit); err != nil {
		return line, err
	}
	if line.Debit.IsZero() && line.Credit.IsZero() && strings.TrimSpace(row.Amount) != "" {
		amount, err := parseAmount("amount", row.Amount)
		if err != nil {
			return line, err
		}
		if amount.IsNegative() {
			line.Debit = amount.Neg()
		} else {
			line.Credit = amount
		}
	}

	if row.VATGross != "" {
		vat := &models.VATBreakdown{}
		if vat.Net, err = parseAmount("vat_net", row.VATNet); err != nil {
			return line, err
		}
		if vat.VAT, err = parseAmount("vat_amount", row.VATAmount); err != nil {
			return line, err
		}
		if vat.Gross, err = parseAmount("vat_gross", row.VATGross); err != nil {
			return line, err
		}
		line.VAT = vat
	}
	return line, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, apperror.Validation("value_date", "unrecognized date %q", s)
}

// parseAmount accepts a decimal comma and spaces, regular or non-breaking,
// as thousands separators. Empty means zero.
func parseAmount(field, s string) (decimal.Decimal, error) {
	s = strings.NewReplacer(" ", "", "\u00a0", "", ",", ".").Replace(strings.TrimSpace(s))
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, apperror.Validation(field, "invalid amount %q", s)
	}
	return d, nil
}
