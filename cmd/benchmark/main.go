// Benchmark tool for testing Kestrel against spreadsheet exports.
//
// Usage:
//
//	go run cmd/benchmark/main.go -csv /path/to/transactions.csv -url http://localhost:8080
//
// This tool:
//  1. Reads a CSV export of transaction or KYC records
//  2. Sends the rows to Kestrel in batches for evaluation
//  3. Reports match counts, risk distribution, and throughput
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// BatchRequest mirrors the Kestrel API request format.
type BatchRequest struct {
	Kind string              `json:"kind"`
	Rows []map[string]string `json:"rows"`
}

// BatchResponse holds the subset of the batch result the benchmark reports on.
type BatchResponse struct {
	ID          string `json:"id"`
	RulesSource string `json:"rulesSource"`
	Records     []struct {
		RecordID  string `json:"recordId"`
		RiskLevel string `json:"riskLevel"`
		Matches   []struct {
			RuleID        string `json:"ruleId"`
			ViolationType string `json:"violationType"`
			Severity      string `json:"severity"`
		} `json:"matches"`
	} `json:"records"`
	Summary struct {
		TotalRecords       int            `json:"totalRecords"`
		RecordsWithMatches int            `json:"recordsWithMatches"`
		DistinctCustomers  int            `json:"distinctCustomers"`
		TotalMatches       int            `json:"totalMatches"`
		MatchesBySeverity  map[string]int `json:"matchesBySeverity"`
	} `json:"summary"`
	Metadata struct {
		NormalizeMs int64 `json:"normalizeMs"`
		EvaluateMs  int64 `json:"evaluateMs"`
		TotalMs     int64 `json:"totalMs"`
	} `json:"metadata"`
}

func main() {
	csvPath := flag.String("csv", "", "Path to CSV file of records")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	kind := flag.String("kind", "transaction", "Record kind: transaction or kyc")
	batchSize := flag.Int("batch", 500, "Rows per batch request")
	limit := flag.Int("limit", 0, "Maximum rows to process (0 = all)")
	verbose := flag.Bool("verbose", false, "Print per-record matches")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/records.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("Kestrel Benchmark")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Kind:        %s\n", *kind)
	fmt.Printf("Batch Size:  %d\n", *batchSize)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	fmt.Printf("\nReading rows from %s...\n", *csvPath)
	rows, err := readCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d rows\n", len(rows))

	fmt.Printf("\nRunning benchmark...\n")
	start := time.Now()
	client := &http.Client{Timeout: 60 * time.Second}

	totals := struct {
		records    int
		matched    int
		matches    int
		bySeverity map[string]int
		byRisk     map[string]int
		serverMs   int64
		errors     int
	}{bySeverity: make(map[string]int), byRisk: make(map[string]int)}

	for off := 0; off < len(rows); off += *batchSize {
		end := off + *batchSize
		if end > len(rows) {
			end = len(rows)
		}

		resp, err := evaluateBatch(client, *baseURL, *tenantID, *kind, rows[off:end])
		if err != nil {
			fmt.Printf("ERROR: batch at offset %d failed: %v\n", off, err)
			totals.errors++
			continue
		}

		totals.records += resp.Summary.TotalRecords
		totals.matched += resp.Summary.RecordsWithMatches
		totals.matches += resp.Summary.TotalMatches
		totals.serverMs += resp.Metadata.TotalMs
		for sev, n := range resp.Summary.MatchesBySeverity {
			totals.bySeverity[sev] += n
		}
		for _, rec := range resp.Records {
			totals.byRisk[rec.RiskLevel]++
			if *verbose && len(rec.Matches) > 0 {
				fmt.Printf("  %-20s risk=%-8s", rec.RecordID, rec.RiskLevel)
				for _, m := range rec.Matches {
					fmt.Printf(" [%s %s]", m.RuleID, m.Severity)
				}
				fmt.Println()
			}
		}
	}

	duration := time.Since(start)

	fmt.Println("\nBENCHMARK RESULTS")
	fmt.Printf("\n  Records:            %d\n", totals.records)
	fmt.Printf("  Records w/ matches: %d\n", totals.matched)
	fmt.Printf("  Total matches:      %d\n", totals.matches)
	fmt.Printf("  Failed batches:     %d\n", totals.errors)

	fmt.Println("\n  Matches by severity:")
	for _, sev := range []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"} {
		fmt.Printf("    %-9s %d\n", sev, totals.bySeverity[sev])
	}

	fmt.Println("\n  Records by risk level:")
	for _, sev := range []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"} {
		fmt.Printf("    %-9s %d\n", sev, totals.byRisk[sev])
	}

	fmt.Println("\n  Performance:")
	fmt.Printf("    Total duration:  %v\n", duration.Round(time.Millisecond))
	fmt.Printf("    Server time:     %d ms\n", totals.serverMs)
	if totals.records > 0 && duration.Seconds() > 0 {
		fmt.Printf("    Throughput:      %.2f records/sec\n", float64(totals.records)/duration.Seconds())
	}
	fmt.Println()
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readCSV loads rows as raw column maps. Headers are passed through
// untouched: normalization happens server-side.
func readCSV(path string, limit int) ([]map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var rows []map[string]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)

		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	return rows, nil
}

func evaluateBatch(client *http.Client, baseURL, tenantID, kind string, rows []map[string]string) (*BatchResponse, error) {
	body, err := json.Marshal(BatchRequest{Kind: kind, Rows: rows})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/batches/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}
