package health

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/quantfeed/md-bridge/internal/entity"
	"github.com/sirupsen/logrus"
)

// WriteArtifacts exports the report as JSON plus a CSV of stalled streams.
func WriteArtifacts(report Report, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	ts := report.GeneratedAt.In(entity.ExchangeTZ).Format("20060102-150405")

	jsonPath := filepath.Join(outDir, fmt.Sprintf("subscription_health_%s.json", ts))
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(jsonPath, payload, 0o644); err != nil {
		return fmt.Errorf("write json artifact: %w", err)
	}
	logrus.WithFields(logrus.Fields{"format": "json", "path": jsonPath}).Info("artifact written")

	csvPath := filepath.Join(outDir, fmt.Sprintf("subscription_health_%s.csv", ts))
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("write csv artifact: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"symbol", "subscription_id", "last_tick_at", "lag_seconds", "severity"}); err != nil {
		return err
	}
	for _, item := range report.StalledContracts {
		lastTick := ""
		if item.LastTickAt.Valid {
			lastTick = item.LastTickAt.Time.In(entity.ExchangeTZ).Format("2006-01-02T15:04:05-07:00")
		}
		lag := ""
		if item.LagSeconds.Valid {
			lag = strconv.FormatFloat(item.LagSeconds.Float64, 'f', 3, 64)
		}
		if err := writer.Write([]string{item.Symbol, item.SubscriptionID, lastTick, lag, string(item.Severity)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"format": "csv", "path": csvPath}).Info("artifact written")
	return nil
}
