package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/curvefit/internal/store"
)

func TestReadData(t *testing.T) {
	input := `# measurement
x,y
0, 1
1, 3
2, 5
`
	x, y, err := readData(strings.NewReader(input))
	if err != nil {
		t.Fatalf("readData failed: %v", err)
	}
	if len(x) != 3 || len(y) != 3 {
		t.Fatalf("Expected 3 points, got %d and %d", len(x), len(y))
	}
	if x[2] != 2 || y[2] != 5 {
		t.Errorf("Unexpected last point (%g, %g)", x[2], y[2])
	}
}

func TestReadData_SingleColumn(t *testing.T) {
	x, y, err := readData(strings.NewReader("4\n5\n6\n"))
	if err != nil {
		t.Fatalf("readData failed: %v", err)
	}
	if x[0] != 0 || x[2] != 2 || y[1] != 5 {
		t.Errorf("Unexpected data: x=%v y=%v", x, y)
	}
}

func TestReadData_Errors(t *testing.T) {
	if _, _, err := readData(strings.NewReader("x,y\n")); err == nil {
		t.Error("Expected error for no data")
	}
	if _, _, err := readData(strings.NewReader("1,2\nfoo,3\n")); err == nil {
		t.Error("Expected error for a non-numeric row after data")
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams("1, 2.5,-3")
	if err != nil {
		t.Fatalf("parseParams failed: %v", err)
	}
	if len(params) != 3 || params[1] != 2.5 || params[2] != -3 {
		t.Errorf("Unexpected params: %v", params)
	}

	if params, err := parseParams(""); err != nil || params != nil {
		t.Errorf("Empty list should give nil, got %v, %v", params, err)
	}
	if _, err := parseParams("1,x"); err == nil {
		t.Error("Expected error for an invalid parameter")
	}
}

func TestFitAndReport(t *testing.T) {
	tmpDir := t.TempDir()
	withDataDir(t, tmpDir)
	saveRecord = true
	showResiduals = true
	plotPath = filepath.Join(tmpDir, "fit.png")
	defer func() { saveRecord = false; showResiduals = false; plotPath = "" }()

	config := store.JobConfig{
		FitType:     "poly2",
		X:           []float64{0, 1, 2, 3, 4},
		Y:           []float64{1, 2, 5, 10, 17},
		MaxRestarts: 2,
		Seed:        1,
	}

	cmd, out := bufferedCommand()
	if err := fitAndReport(context.Background(), cmd, config); err != nil {
		t.Fatalf("fitAndReport failed: %v", err)
	}

	output := out.String()
	for _, want := range []string{"Status:", "RESIDUAL", "Saved record"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %q in output:\n%s", want, output)
		}
	}

	if info, err := os.Stat(filepath.Join(tmpDir, "fit.png")); err != nil || info.Size() == 0 {
		t.Errorf("Expected a plot file: %v", err)
	}

	recordStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	infos, err := recordStore.ListRecords()
	if err != nil || len(infos) != 1 {
		t.Fatalf("Expected one saved record, got %d (%v)", len(infos), err)
	}
}

func TestFitAndReport_RejectedData(t *testing.T) {
	config := store.JobConfig{
		FitType: "power",
		X:       []float64{-1, 1, 2},
		Y:       []float64{1, 1, 4},
	}

	cmd, out := bufferedCommand()
	err := fitAndReport(context.Background(), cmd, config)
	if err == nil || err.Error() != "Cannot fit x<0" {
		t.Errorf("Expected rejection, got %v", err)
	}
	if !strings.Contains(out.String(), "Cannot fit x<0") {
		t.Errorf("Expected reason in output: %q", out.String())
	}
}

func TestRunFit_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "data.csv")
	if err := os.WriteFile(path, []byte("0,1\n1,3\n2,5\n3,7\n"), 0644); err != nil {
		t.Fatalf("Failed to write data: %v", err)
	}

	dataPath = path
	fitTypeName = "line"
	defer func() { dataPath = ""; fitTypeName = "" }()

	cmd, out := bufferedCommand()
	if err := runFit(cmd, nil); err != nil {
		t.Fatalf("runFit failed: %v", err)
	}
	if !strings.Contains(out.String(), "b = 2") {
		t.Errorf("Expected slope 2 in output:\n%s", out.String())
	}
}

func TestReadJobFile(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "points.csv"), []byte("x,y\n0,1\n1,3\n2,5\n"), 0644); err != nil {
		t.Fatalf("Failed to write data: %v", err)
	}

	inline := filepath.Join(tmpDir, "inline.yaml")
	os.WriteFile(inline, []byte("formula: y = a + b*x\nx: [0, 1, 2]\ny: [1, 3, 5]\nseed: 9\n"), 0644)
	config, err := readJobFile(inline)
	if err != nil {
		t.Fatalf("readJobFile failed: %v", err)
	}
	if config.Formula != "y = a + b*x" || len(config.X) != 3 || config.Seed != 9 {
		t.Errorf("Unexpected config: %+v", config)
	}
	if config.MaxRestarts != 2 || config.MaxRelError != 1e-10 {
		t.Errorf("Omitted settings should keep their defaults: %+v", config)
	}

	withData := filepath.Join(tmpDir, "data.yaml")
	os.WriteFile(withData, []byte("fitType: line\ndata: points.csv\nmaxRestarts: 0\n"), 0644)
	config, err = readJobFile(withData)
	if err != nil {
		t.Fatalf("readJobFile failed: %v", err)
	}
	if config.FitType != "line" || len(config.Y) != 3 || config.Y[2] != 5 || config.MaxRestarts != 0 {
		t.Errorf("Unexpected config: %+v", config)
	}

	tests := map[string]string{
		"unknown field": "fitType: line\nx: [0, 1]\ny: [1, 2]\nrestarts: 3\n",
		"data and x":    "fitType: line\ndata: points.csv\nx: [0]\ny: [1]\n",
		"missing data":  "fitType: line\ndata: missing.csv\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(tmpDir, strings.ReplaceAll(name, " ", "_")+".yaml")
			os.WriteFile(path, []byte(content), 0644)
			if _, err := readJobFile(path); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestFitConfig_JobFileWithOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "job.yaml")
	os.WriteFile(path, []byte("fitType: line\nx: [0, 1, 2, 3]\ny: [1, 3, 5, 7]\nseed: 4\n"), 0644)

	origJob, origType, origFormula, origSeed := jobPath, fitTypeName, formula, seed
	t.Cleanup(func() { jobPath, fitTypeName, formula, seed = origJob, origType, origFormula, origSeed })
	jobPath = path

	cmd, _ := bufferedCommand()
	cmd.Flags().Int64Var(&seed, "seed", 1, "")
	cmd.Flags().StringVar(&formula, "formula", "", "")
	if err := cmd.Flags().Set("seed", "11"); err != nil {
		t.Fatalf("Failed to set flag: %v", err)
	}

	config, err := fitConfig(cmd)
	if err != nil {
		t.Fatalf("fitConfig failed: %v", err)
	}
	if config.Seed != 11 {
		t.Errorf("Seed flag should override the job file, got %d", config.Seed)
	}
	if config.FitType != "line" || config.Formula != "" {
		t.Errorf("Function should come from the job file: %+v", config)
	}
	if config.MaxRestarts != 2 {
		t.Errorf("Unset flags should not override the job file, got restarts %d", config.MaxRestarts)
	}

	cmd.Flags().Set("formula", "y = a*x + b")
	config, err = fitConfig(cmd)
	if err != nil {
		t.Fatalf("fitConfig failed: %v", err)
	}
	if config.FitType != "" || config.Formula != "y = a*x + b" {
		t.Errorf("Formula flag should replace the fit type: %+v", config)
	}

	jobPath = ""
	if _, err := fitConfig(cmd); err == nil {
		t.Error("Expected an error without --data and --job")
	}
}

func TestRefit(t *testing.T) {
	tmpDir := t.TempDir()
	recordStore, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := recordStore.SaveRecord("stored", testRecord("stored", time.Now())); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	withDataDir(t, tmpDir)

	cmd, out := bufferedCommand()
	if err := runRefit(cmd, []string{"stored"}); err != nil {
		t.Fatalf("runRefit failed: %v", err)
	}
	if !strings.Contains(out.String(), "a = 1") {
		t.Errorf("Expected intercept 1 in output:\n%s", out.String())
	}

	// New data must have the same number of points
	path := filepath.Join(tmpDir, "short.csv")
	os.WriteFile(path, []byte("0,1\n1,2\n"), 0644)
	refitData = path
	defer func() { refitData = "" }()
	if err := runRefit(cmd, []string{"stored"}); err == nil {
		t.Error("Expected compatibility error")
	}
}

func TestFamiliesCommand(t *testing.T) {
	cmd, out := bufferedCommand()
	if err := runFamilies(cmd, nil); err != nil {
		t.Fatalf("runFamilies failed: %v", err)
	}
	for _, want := range []string{"line", "gaussian", "chapman", "y = a+b*erf((x-c)/d)"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected %q in output", want)
		}
	}
}
