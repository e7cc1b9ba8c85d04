package ingest

import (
	"encoding/csv"
	"errors"
	"os"
	"strings"
)

// LoadRules reads extra classification rules from a CSV file with a
// "pattern,vendor" header. Operators use this to teach the classifier about
// vendors the builtin table does not know.
func LoadRules(path string) ([]Rule, error) {

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	if len(records) < 2 {
		return nil, errors.New("rules csv must contain header and at least one row")
	}

	var rules []Rule

	for _, row := range records[1:] {

		if len(row) < 2 {
			continue // skip malformed row
		}

		pattern := strings.TrimSpace(row[0])
		vendor := strings.TrimSpace(row[1])
		if pattern == "" || vendor == "" {
			continue
		}

		rules = append(rules, Rule{
			Pattern: strings.ToLower(pattern),
			Vendor:  vendor,
		})
	}

	return rules, nil
}
