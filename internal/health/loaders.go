package health

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// LoadCatalogueFile reads expected vt_symbols from a JSON or CSV catalogue.
// JSON accepts either a bare array or an object with a "symbols" key; CSV
// takes the first column, skipping blanks and #-comments.
func LoadCatalogueFile(path, format string) ([]string, error) {
	if format == "" || format == "auto" {
		if strings.EqualFold(filepath.Ext(path), ".csv") {
			format = "csv"
		} else {
			format = "json"
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue %s: %w", path, err)
	}

	switch format {
	case "json":
		return parseJSONCatalogue(raw)
	case "csv":
		return parseCSVCatalogue(raw)
	default:
		return nil, fmt.Errorf("unsupported catalogue format %q", format)
	}
}

func parseJSONCatalogue(raw []byte) ([]string, error) {
	var wrapped struct {
		Symbols []string `json:"symbols"`
		Items   []string `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		if len(wrapped.Symbols) > 0 {
			return dedupeSymbols(wrapped.Symbols), nil
		}
		if len(wrapped.Items) > 0 {
			return dedupeSymbols(wrapped.Items), nil
		}
	}

	var bare []string
	if err := json.Unmarshal(raw, &bare); err != nil {
		return nil, fmt.Errorf("parse json catalogue: %w", err)
	}
	return dedupeSymbols(bare), nil
}

func parseCSVCatalogue(raw []byte) ([]string, error) {
	reader := csv.NewReader(strings.NewReader(string(raw)))
	reader.FieldsPerRecord = -1

	symbols := []string{}
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv catalogue: %w", err)
	}
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		symbol := strings.TrimSpace(row[0])
		if symbol == "" || strings.HasPrefix(symbol, "#") {
			continue
		}
		symbols = append(symbols, symbol)
	}
	return dedupeSymbols(symbols), nil
}

func dedupeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

type summaryRejection struct {
	Symbol string `json:"symbol"`
}

type summaryFile struct {
	RejectedItems []summaryRejection `json:"rejected_items"`
	Rejected      []summaryRejection `json:"rejected"`
}

// LoadIgnoredSymbols returns the rejected symbols from the newest full-feed
// run summary so permanently-invalid contracts don't fail every health
// check. Missing or unreadable summaries yield an empty set.
func LoadIgnoredSymbols(summaryRoot string) []string {
	if summaryRoot == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(summaryRoot, "full-feed-*", "summary.json"))
	if err != nil || len(matches) == 0 {
		return nil
	}

	sort.Slice(matches, func(i, j int) bool {
		return summaryModTime(matches[i]).After(summaryModTime(matches[j]))
	})

	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var summary summaryFile
		if err := json.Unmarshal(raw, &summary); err != nil {
			continue
		}

		items := summary.RejectedItems
		if len(items) == 0 {
			items = summary.Rejected
		}
		ignored := []string{}
		for _, item := range items {
			if symbol := strings.TrimSpace(item.Symbol); symbol != "" {
				ignored = append(ignored, symbol)
			}
		}
		if len(ignored) > 0 {
			logrus.WithFields(logrus.Fields{
				"summary": path,
				"count":   len(ignored),
			}).Info("ignored rejections loaded")
			return dedupeSymbols(ignored)
		}
	}
	return nil
}

func summaryModTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
