package reference

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"worldrates/internal/model"
)

// LoadCountries reads the countries reference file.
func LoadCountries(path string) ([]model.Country, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reference: open %s: %w", path, err)
	}
	defer file.Close()

	countries, err := ParseCountries(file)
	if err != nil {
		return nil, fmt.Errorf("reference: %s: %w", path, err)
	}
	return countries, nil
}

// ParseCountries reads CSV with an iso2,iso3,name,region,currency header.
// Columns may come in any order; '#' starts a comment line. Rows without
// iso2 or name are dropped, as are repeated iso2 codes.
func ParseCountries(r io.Reader) ([]model.Country, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	headerRow, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("countries file is empty")
	}
	if err != nil {
		return nil, err
	}
	header := normalizeHeader(headerRow)
	for _, required := range []string{"iso2", "name"} {
		if _, ok := header[required]; !ok {
			return nil, fmt.Errorf("missing %q column", required)
		}
	}

	seen := make(map[string]struct{})
	countries := make([]model.Country, 0)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		country := model.Country{
			ISO2:     strings.ToUpper(getCell(record, header, "iso2")),
			ISO3:     strings.ToUpper(getCell(record, header, "iso3")),
			Name:     getCell(record, header, "name"),
			Region:   getCell(record, header, "region"),
			Currency: strings.ToUpper(getCell(record, header, "currency")),
		}
		if country.ISO2 == "" || country.Name == "" {
			continue
		}
		if _, ok := seen[country.ISO2]; ok {
			continue
		}
		seen[country.ISO2] = struct{}{}
		countries = append(countries, country)
	}

	if len(countries) == 0 {
		return nil, errors.New("no countries parsed")
	}
	return countries, nil
}

func normalizeHeader(header []string) map[string]int {
	result := make(map[string]int, len(header))
	for i, value := range header {
		key := strings.ToLower(strings.TrimSpace(value))
		switch key {
		case "":
			continue
		case "iso_code", "iso":
			key = "iso2"
		case "iso_code_3":
			key = "iso3"
		case "currency_code":
			key = "currency"
		}
		result[key] = i
	}
	return result
}

func getCell(record []string, header map[string]int, key string) string {
	index, ok := header[key]
	if !ok || index >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[index])
}
