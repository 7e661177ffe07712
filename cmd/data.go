package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cwbudde/curvefit/internal/fit"
	"github.com/cwbudde/curvefit/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// readData reads x,y pairs from CSV. A single column is taken as y with
// x = 0, 1, 2, ... Lines starting with '#' and a non-numeric header row are
// skipped.
func readData(r io.Reader) (x, y []float64, err error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	row := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read data: %w", err)
		}
		row++
		if len(record) == 0 || (len(record) == 1 && strings.TrimSpace(record[0]) == "") {
			continue
		}

		values := make([]float64, 0, 2)
		for _, field := range record[:min(len(record), 2)] {
			v, perr := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if perr != nil {
				values = nil
				break
			}
			values = append(values, v)
		}
		if values == nil {
			if len(x) == 0 {
				continue // header
			}
			return nil, nil, fmt.Errorf("row %d: not a number: %v", row, record)
		}

		if len(values) == 1 {
			x = append(x, float64(len(x)))
			y = append(y, values[0])
		} else {
			x = append(x, values[0])
			y = append(y, values[1])
		}
	}

	if len(x) == 0 {
		return nil, nil, errors.New("no data points")
	}
	return x, y, nil
}

// readDataFile reads data from a file, or from stdin for "-".
func readDataFile(path string) ([]float64, []float64, error) {
	if path == "-" {
		return readData(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open data: %w", err)
	}
	defer f.Close()
	return readData(f)
}

// jobFile is the YAML form of a fit request. Data are given inline as x and
// y, or as a CSV file relative to the job file.
type jobFile struct {
	store.JobConfig `yaml:",inline"`
	Data            string `yaml:"data,omitempty"`
}

// readJobFile reads a fit request. Settings it omits keep their defaults.
func readJobFile(path string) (store.JobConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return store.JobConfig{}, fmt.Errorf("failed to open job file: %w", err)
	}
	defer f.Close()

	defaults := fit.DefaultSettings()
	job := jobFile{JobConfig: store.JobConfig{
		MaxRestarts: defaults.MaxRestarts,
		MaxRelError: defaults.MaxRelError,
		Seed:        defaults.Seed,
	}}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&job); err != nil {
		return store.JobConfig{}, fmt.Errorf("failed to parse job file %s: %w", path, err)
	}

	if job.Data != "" {
		if len(job.X) > 0 || len(job.Y) > 0 {
			return store.JobConfig{}, fmt.Errorf("job file %s: give either data or x and y", path)
		}
		dataFile := job.Data
		if !filepath.IsAbs(dataFile) {
			dataFile = filepath.Join(filepath.Dir(path), dataFile)
		}
		job.X, job.Y, err = readDataFile(dataFile)
		if err != nil {
			return store.JobConfig{}, err
		}
	}
	return job.JobConfig, nil
}

// parseParams parses a comma-separated parameter list.
func parseParams(s string) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	params := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid parameter %q: %w", f, err)
		}
		params[i] = v
	}
	return params, nil
}

func outWriter(cmd *cobra.Command) io.Writer {
	if cmd == nil {
		return os.Stdout
	}
	return cmd.OutOrStdout()
}
