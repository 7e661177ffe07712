package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific fit",
	Long: `Queries the server for fit job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := outWriter(cmd)
	if len(args) == 0 {
		return listJobs(out, fmt.Sprintf("%s/api/v1/fits", serverURL))
	}
	jobID := args[0]
	return getJobStatus(out, fmt.Sprintf("%s/api/v1/fits/%s/status", serverURL, jobID), jobID)
}

// jobSummary is the subset of a listed job shown by status
type jobSummary struct {
	ID       string  `json:"id"`
	State    string  `json:"state"`
	FitType  string  `json:"fitType"`
	BestCost float64 `json:"bestCost"`
	Cached   bool    `json:"cached"`
	Config   struct {
		FitType string    `json:"fitType"`
		Formula string    `json:"formula"`
		X       []float64 `json:"x"`
	} `json:"config"`
}

func listJobs(out io.Writer, url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var jobs []jobSummary
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}

	fmt.Fprintf(out, "Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(out, "Job ID: %s\n", job.ID)
		fmt.Fprintf(out, "  State: %s\n", job.State)
		if job.Config.Formula != "" {
			fmt.Fprintf(out, "  Formula: %s\n", job.Config.Formula)
		} else {
			fmt.Fprintf(out, "  Type: %s\n", job.Config.FitType)
		}
		fmt.Fprintf(out, "  Points: %d\n", len(job.Config.X))
		if job.State == "completed" {
			fmt.Fprintf(out, "  SSE: %.6g\n", job.BestCost)
		}
		if job.Cached {
			fmt.Fprintln(out, "  (stored result)")
		}
		fmt.Fprintln(out)
	}

	return nil
}

// jobStatus mirrors the status response of the server
type jobStatus struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	FitType    string    `json:"fitType"`
	Equation   string    `json:"equation"`
	Params     []float64 `json:"params"`
	Status     string    `json:"status"`
	BestCost   float64   `json:"bestCost"`
	RSquared   float64   `json:"rSquared"`
	Iterations int       `json:"iterations"`
	Restarts   int       `json:"restarts"`
	Elapsed    float64   `json:"elapsed"`
	Error      string    `json:"error"`
}

func getJobStatus(out io.Writer, url, jobID string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var status jobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(out, "Job: %s\n", status.ID)
	fmt.Fprintf(out, "State: %s\n", status.State)
	fmt.Fprintln(out)

	if status.Equation != "" {
		fmt.Fprintf(out, "Function: %s (%s)\n", status.Equation, status.FitType)
	}
	if status.Status != "" {
		fmt.Fprintf(out, "Status: %s\n", status.Status)
	}

	fmt.Fprintln(out, "Progress:")
	fmt.Fprintf(out, "  Iterations: %d\n", status.Iterations)
	fmt.Fprintf(out, "  Restarts: %d\n", status.Restarts)
	fmt.Fprintf(out, "  Best SSE: %.6g\n", status.BestCost)
	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Fprintf(out, "  Elapsed: %s\n", elapsed.Round(time.Millisecond))

	if status.State == "completed" {
		fmt.Fprintf(out, "  R^2: %.8f\n", status.RSquared)
		fmt.Fprintln(out, "Parameters:")
		for i, p := range status.Params {
			fmt.Fprintf(out, "  %c = %.10g\n", 'a'+i, p)
		}
	}

	if status.Error != "" {
		fmt.Fprintf(out, "\nError: %s\n", status.Error)
	}

	return nil
}
