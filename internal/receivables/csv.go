package receivables

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Columns is the receivables CSV layout shared by import and export.
var Columns = []string{
	"advisor",
	"customer_id",
	"customer_name",
	"transaction_date",
	"transaction_type",
	"reference",
	"invoice_amount",
	"receipt_amount",
	"balance",
	"age_days",
}

const dateLayout = "2006-01-02"

// ParseCSV reads records in Columns order. The header row is required.
// Rows without an advisor inherit defaultAdvisor.
func ParseCSV(r io.Reader, defaultAdvisor string) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(Columns)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidImport)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImport, err)
	}
	for i, name := range header {
		if !strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")), Columns[i]) {
			return nil, fmt.Errorf("%w: column %d must be %s", ErrInvalidImport, i+1, Columns[i])
		}
	}

	defaultAdvisor = normaliseAdvisor(defaultAdvisor)
	var records []Record
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidImport, err)
		}
		rec, err := parseRow(row, line, defaultAdvisor)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrInvalidImport)
	}
	return records, nil
}

func parseRow(row []string, line int, defaultAdvisor string) (Record, error) {
	for i := range row {
		row[i] = strings.TrimSpace(row[i])
	}
	rec := Record{
		Advisor:      normaliseAdvisor(row[0]),
		CustomerID:   row[1],
		CustomerName: row[2],
		Type:         TransactionType(strings.ToUpper(row[4])),
		Reference:    row[5],
	}
	if rec.Advisor == "" {
		rec.Advisor = defaultAdvisor
	}
	if defaultAdvisor != "" && rec.Advisor != defaultAdvisor {
		return Record{}, invalidLine(line, "advisor %q outside import scope %q", rec.Advisor, defaultAdvisor)
	}
	if rec.Advisor == "" {
		return Record{}, invalidLine(line, "advisor is required")
	}
	if rec.CustomerID == "" || rec.CustomerName == "" {
		return Record{}, invalidLine(line, "customer id and name are required")
	}
	date, err := time.Parse(dateLayout, row[3])
	if err != nil {
		return Record{}, invalidLine(line, "transaction_date must be YYYY-MM-DD")
	}
	rec.TransactionDate = date
	if !rec.Type.Valid() {
		return Record{}, invalidLine(line, "transaction_type must be INVOICE, RECEIPT or CREDIT")
	}
	amounts := []*decimal.Decimal{&rec.InvoiceAmount, &rec.ReceiptAmount, &rec.Balance}
	for i, target := range amounts {
		value, err := parseAmount(row[6+i])
		if err != nil {
			return Record{}, invalidLine(line, "%s must be a number", Columns[6+i])
		}
		*target = value
	}
	if row[9] != "" {
		age, err := strconv.Atoi(row[9])
		if err != nil || age < 0 {
			return Record{}, invalidLine(line, "age_days must be a non-negative integer")
		}
		rec.AgeDays = age
	}
	return rec, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.ReplaceAll(raw, ",", "")
	if raw == "" || raw == "-" {
		return decimal.Zero, nil
	}
	if strings.HasPrefix(raw, "(") && strings.HasSuffix(raw, ")") {
		raw = "-" + strings.Trim(raw, "()")
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	return value.Round(2), nil
}

// WriteCSV writes records in Columns order.
func WriteCSV(w io.Writer, records []Record) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Columns); err != nil {
		return err
	}
	for _, rec := range records {
		row := []string{
			rec.Advisor,
			rec.CustomerID,
			rec.CustomerName,
			rec.TransactionDate.Format(dateLayout),
			string(rec.Type),
			rec.Reference,
			rec.InvoiceAmount.StringFixed(2),
			rec.ReceiptAmount.StringFixed(2),
			rec.Balance.StringFixed(2),
			strconv.Itoa(rec.AgeDays),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func normaliseAdvisor(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
