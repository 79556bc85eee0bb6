package bulk

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"schoolportal/identity/internal/apperrors"
	"schoolportal/identity/internal/model"
)

// ParseCSV maps a header row and its records to profiles. Header names are
// matched case-insensitively. Records with the wrong field count come back
// as rows carrying a MalformedInput error; only an unreadable header fails
// the batch.
func ParseCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, apperrors.New(apperrors.CodeMalformedInput, "csv is empty")
		}
		return nil, apperrors.Wrap(apperrors.CodeMalformedInput, "read csv header", err)
	}

	index := make(map[string]int, len(header))
	for i, column := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(column, "\ufeff")))
		if key == "" {
			continue
		}
		index[key] = i
	}
	for _, required := range []string{"name", "email"} {
		if _, ok := index[required]; !ok {
			return nil, apperrors.New(apperrors.CodeMalformedInput, fmt.Sprintf("csv header is missing %q", required))
		}
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		rowNumber := len(rows) + 1
		if err != nil {
			rows = append(rows, Row{
				Number: rowNumber,
				Err:    apperrors.Wrap(apperrors.CodeMalformedInput, fmt.Sprintf("row %d is not valid csv", rowNumber), err),
			})
			continue
		}
		if isBlank(record) {
			continue
		}
		if len(record) != len(header) {
			rows = append(rows, Row{
				Number:  rowNumber,
				Profile: profileFrom(record, index),
				Err: apperrors.New(apperrors.CodeMalformedInput,
					fmt.Sprintf("row %d has %d fields, want %d", rowNumber, len(record), len(header))),
			})
			continue
		}
		rows = append(rows, Row{Number: rowNumber, Profile: profileFrom(record, index)})
	}
	return rows, nil
}

func profileFrom(record []string, index map[string]int) model.Profile {
	field := func(name string) string {
		i, ok := index[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	optional := func(name string) *string {
		if v := field(name); v != "" {
			return &v
		}
		return nil
	}
	return model.Profile{
		Name:       field("name"),
		Email:      field("email"),
		Class:      field("class"),
		Division:   field("division"),
		ParentName: field("parentname"),
		Place:      field("place"),
		RollNumber: optional("rollnumber"),
		Phone:      optional("phone"),
	}
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
