package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/memefolio/internal/models"
)

// activeID is one row of an active-id list
type activeID struct {
	ID string `csv:"id" json:"id"`
}

// readAssetList loads import entries from a .csv (header row with id, symbol,
// name, solana_contract_address) or a .json array of the same objects.
func readAssetList(path string) ([]models.AssetImport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return decodeAssetList(f, filepath.Ext(path))
}

func decodeAssetList(r io.Reader, ext string) ([]models.AssetImport, error) {
	var entries []models.AssetImport

	switch strings.ToLower(ext) {
	case ".csv":
		if err := gocsv.Unmarshal(r, &entries); err != nil {
			return nil, fmt.Errorf("failed to parse asset csv: %w", err)
		}
	case ".json":
		if err := json.NewDecoder(r).Decode(&entries); err != nil {
			return nil, fmt.Errorf("failed to parse asset json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported asset list format %q (want .csv or .json)", ext)
	}
	return entries, nil
}

// readIDList loads asset ids from a .csv with an id column, a .json array of
// strings or {"id": ...} objects, or a plain text file with one id per line.
func readIDList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return decodeIDList(f, filepath.Ext(path))
}

func decodeIDList(r io.Reader, ext string) ([]string, error) {
	switch strings.ToLower(ext) {
	case ".csv":
		var rows []activeID
		if err := gocsv.Unmarshal(r, &rows); err != nil {
			return nil, fmt.Errorf("failed to parse id csv: %w", err)
		}
		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		return cleanIDs(ids), nil

	case ".json":
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		var ids []string
		if err := json.Unmarshal(data, &ids); err == nil {
			return cleanIDs(ids), nil
		}
		var rows []activeID
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("failed to parse id json: %w", err)
		}
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		return cleanIDs(ids), nil

	default:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return cleanIDs(strings.Split(string(data), "\n")), nil
	}
}

// cleanIDs trims, drops blanks and removes duplicates, keeping first-seen order
func cleanIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
