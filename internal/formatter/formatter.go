// package formatter converts stored accounts to and from the export formats (plain text, CSV, JSON)
package formatter

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/desertthunder/regx/internal/models"
	"github.com/desertthunder/regx/internal/shared"
)

// Format names an export format.
type Format string

const (
	FormatText Format = "txt"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Separator joins the fields of a plain text line: email----password----token----apikey
const Separator = "----"

var csvHeaders = []string{"Email", "Password", "Token", "APIKey", "Enrichment", "Status", "CreatedAt"}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimPrefix(s, "."))); f {
	case FormatText, FormatCSV, FormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("%w: unknown format %q (want txt, csv or json)", shared.ErrInvalidArgument, s)
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	return ParseFormat(filepath.Ext(path))
}

// Export renders accounts in the given format.
func Export(accounts []*models.Account, f Format) ([]byte, error) {
	switch f {
	case FormatText:
		return ExportToText(accounts)
	case FormatCSV:
		return ExportToCSV(accounts)
	case FormatJSON:
		return ExportToJSON(accounts)
	}
	return nil, fmt.Errorf("%w: unknown format %q", shared.ErrInvalidArgument, f)
}

// ExportToText writes one account per line. Accounts without a key keep the trailing separator.
func ExportToText(accounts []*models.Account) ([]byte, error) {
	var buf bytes.Buffer
	for _, a := range accounts {
		buf.WriteString(strings.Join([]string{a.Email, a.Password, a.Token, a.APIKey}, Separator))
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// ExportToCSV converts accounts to CSV with columns: Email, Password, Token, APIKey, Enrichment, Status, CreatedAt
func ExportToCSV(accounts []*models.Account) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(csvHeaders); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, a := range accounts {
		record := []string{
			a.Email,
			a.Password,
			a.Token,
			a.APIKey,
			string(a.Enrichment),
			string(a.Status),
			a.CreatedAt.Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// ExportToJSON renders accounts as an indented JSON array.
func ExportToJSON(accounts []*models.Account) ([]byte, error) {
	if accounts == nil {
		accounts = []*models.Account{}
	}
	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal accounts: %w", err)
	}
	return append(data, '\n'), nil
}

// ImportResult holds parsed accounts and the 1-based line numbers (or CSV rows) that could not be parsed.
type ImportResult struct {
	Accounts []*models.Account
	Skipped  []int
}

// Import parses data in the given format.
func Import(r io.Reader, f Format) (*ImportResult, error) {
	switch f {
	case FormatText:
		return ParseText(r)
	case FormatCSV:
		return ParseCSV(r)
	case FormatJSON:
		return ParseJSON(r)
	}
	return nil, fmt.Errorf("%w: unknown format %q", shared.ErrInvalidArgument, f)
}

// ParseText reads email----password----token[----apikey] lines.
//
// Blank lines and lines starting with # are ignored. Lines with fewer than three fields, or whose
// fields fail [models.Account.Validate], are skipped.
func ParseText(r io.Reader) (*ImportResult, error) {
	result := &ImportResult{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		parts := strings.Split(text, Separator)
		if len(parts) < 3 {
			result.Skipped = append(result.Skipped, line)
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		apiKey := ""
		if len(parts) > 3 {
			apiKey = parts[3]
		}
		if a, ok := build(parts[0], parts[1], parts[2], apiKey); ok {
			result.Accounts = append(result.Accounts, a)
		} else {
			result.Skipped = append(result.Skipped, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read import: %w", err)
	}
	return result, nil
}

// ParseCSV reads the layout written by [ExportToCSV]. Only the Email, Password, Token and APIKey
// columns are required; a header row is mandatory.
func ParseCSV(r io.Reader) (*ImportResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &ImportResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"email", "password", "token"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: CSV is missing the %s column", shared.ErrInvalidInput, required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	result := &ImportResult{}
	for row := 2; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row %d: %w", row, err)
		}

		a, ok := build(field(record, "email"), field(record, "password"), field(record, "token"), field(record, "apikey"))
		if !ok {
			result.Skipped = append(result.Skipped, row)
			continue
		}
		result.Accounts = append(result.Accounts, a)
	}
	return result, nil
}

// ParseJSON reads the array written by [ExportToJSON]. Stored ids and timestamps are discarded.
func ParseJSON(r io.Reader) (*ImportResult, error) {
	var records []models.Account
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: failed to decode JSON: %v", shared.ErrInvalidInput, err)
	}

	result := &ImportResult{}
	for i, rec := range records {
		a, ok := build(rec.Email, rec.Password, rec.Token, rec.APIKey)
		if !ok {
			result.Skipped = append(result.Skipped, i+1)
			continue
		}
		result.Accounts = append(result.Accounts, a)
	}
	return result, nil
}

func build(email, password, token, apiKey string) (*models.Account, bool) {
	a := models.NewAccount(email, password, token, apiKey)
	if a.Validate() != nil {
		return nil, false
	}
	return a, true
}

// WriteExport writes accounts to path in the given format.
//
// Defaults to accounts_{YYYYMMDD-HHMMSS}.{format} in the working directory.
func WriteExport(accounts []*models.Account, f Format, path string) (string, error) {
	if path == "" {
		path = fmt.Sprintf("accounts_%s.%s", time.Now().Format("20060102-150405"), f)
	}

	data, err := Export(accounts, f)
	if err != nil {
		return "", fmt.Errorf("failed to generate %s: %w", f, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write export file: %w", err)
	}
	return path, nil
}

// ReadImport parses the file at path, inferring the format from its extension unless f is set.
func ReadImport(path string, f Format) (*ImportResult, error) {
	if f == "" {
		var err error
		if f, err = FormatFromPath(path); err != nil {
			return nil, err
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer file.Close()

	return Import(file, f)
}
