// Offline trainer for the Kestrel anomaly model.
//
// Usage:
//
//	go run ./cmd/train -csv legit_features.csv -out model.json
//	go run ./cmd/train -synthetic 20000 -out model.json
//
// The CSV needs a header naming the numeric feature columns (amount,
// amount_log, hour_of_day, hourly_count, daily_count, actor_age_days) in any
// order. Rows should describe legitimate activity only. A missing amount_log
// column is derived from amount.
package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func main() {
	csvPath := flag.String("csv", "", "CSV of legitimate feature rows")
	synthetic := flag.Int("synthetic", 0, "Train on N synthetic rows instead of a CSV")
	out := flag.String("out", "model.json", "Where to write the model")
	trees := flag.Int("trees", anomaly.DefaultTrainConfig().Trees, "Number of isolation trees")
	sampleSize := flag.Int("sample-size", anomaly.DefaultTrainConfig().SampleSize, "Rows sampled per tree")
	seed := flag.Uint64("seed", anomaly.DefaultTrainConfig().Seed, "Random seed")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var (
		samples [][]float64
		err     error
	)
	switch {
	case *csvPath != "":
		samples, err = readSamples(*csvPath)
	case *synthetic > 0:
		samples = anomaly.SyntheticSamples(*synthetic, *seed)
	default:
		fmt.Println("Usage: train (-csv rows.csv | -synthetic N) [-out model.json]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to read samples", "path", *csvPath, "error", err)
		os.Exit(1)
	}

	forest, err := anomaly.Train(samples, anomaly.TrainConfig{
		Trees:      *trees,
		SampleSize: *sampleSize,
		Seed:       *seed,
	})
	if err != nil {
		logger.Error("training failed", "error", err)
		os.Exit(1)
	}

	if err := writeModel(*out, forest); err != nil {
		logger.Error("failed to write model", "path", *out, "error", err)
		os.Exit(1)
	}

	logger.Info("model written",
		"path", *out,
		"samples", len(samples),
		"trees", len(forest.Trees),
		"model_version", forest.Version(),
	)
}

// readSamples reads feature rows in domain.NumericFeatureNames order.
func readSamples(path string) ([][]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return parseSamples(file)
}

func parseSamples(r io.Reader) ([][]float64, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	deriveLog := false
	cols := make([]int, len(domain.NumericFeatureNames))
	for i, name := range domain.NumericFeatureNames {
		idx, ok := colIndex[name]
		if !ok {
			if name == "amount_log" {
				deriveLog = true
				cols[i] = -1
				continue
			}
			return nil, fmt.Errorf("missing column %q", name)
		}
		cols[i] = idx
	}

	var samples [][]float64
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		row := make([]float64, len(cols))
		for i, idx := range cols {
			if idx < 0 {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("line %d: invalid %s %q", line, domain.NumericFeatureNames[i], record[idx])
			}
			row[i] = v
		}
		if deriveLog {
			row[1] = math.Log1p(math.Max(row[0], 0))
		}
		samples = append(samples, row)
	}
	return samples, nil
}

func writeModel(path string, forest *anomaly.Forest) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := forest.Save(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
