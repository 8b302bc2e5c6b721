// Command benchmark replays a labelled PaySim export against a running
// Kestrel node and reports detection quality and latency.
//
//	go run ./cmd/benchmark -csv paysim.csv -url http://localhost:8080
//
// REVIEW and BLOCK both count as a fraud prediction. Transfers are stamped
// by the server on arrival; PaySim steps only appear in verbose output.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type options struct {
	csvPath      string
	baseURL      string
	limit        int
	workers      int
	fraudOnly    bool
	keepLegit    float64
	syncProfiles bool
	accountAge   time.Duration
	verbose      bool
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.csvPath, "csv", "", "PaySim CSV export")
	flag.StringVar(&o.baseURL, "url", "http://localhost:8080", "Kestrel base URL")
	flag.IntVar(&o.limit, "limit", 10000, "rows to replay, 0 for all")
	flag.IntVar(&o.workers, "workers", 10, "concurrent requests")
	flag.BoolVar(&o.fraudOnly, "fraud-only", false, "replay fraud rows only")
	flag.Float64Var(&o.keepLegit, "sample", 1.0, "fraction of legitimate rows to keep")
	flag.BoolVar(&o.syncProfiles, "sync-profiles", true, "PUT a profile for every originating account first")
	flag.DurationVar(&o.accountAge, "account-age", 90*24*time.Hour, "age given to synced profiles")
	flag.BoolVar(&o.verbose, "verbose", false, "print every decision")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()
	if opts.csvPath == "" {
		fmt.Fprintln(os.Stderr, "usage: benchmark -csv paysim.csv [-url http://localhost:8080]")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if err := run(context.Background(), opts); err != nil {
		fmt.Fprintln(os.Stderr, "benchmark:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	api := &kestrelClient{
		base: strings.TrimRight(opts.baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	if err := api.health(ctx); err != nil {
		return fmt.Errorf("kestrel at %s is not healthy: %w", api.base, err)
	}

	f, err := os.Open(opts.csvPath)
	if err != nil {
		return err
	}
	rows, err := readRows(f, opts)
	f.Close()
	if err != nil {
		return fmt.Errorf("read %s: %w", opts.csvPath, err)
	}
	if len(rows) == 0 {
		return errors.New("no rows selected")
	}
	fmt.Printf("replaying %d rows (%d fraud) with %d workers\n", len(rows), countFraud(rows), opts.workers)

	if opts.syncProfiles {
		n, err := api.syncProfiles(ctx, rows, opts.accountAge)
		if err != nil {
			return fmt.Errorf("sync profiles: %w", err)
		}
		fmt.Printf("synced %d actor profiles\n", n)
	}

	start := time.Now()
	t := replay(ctx, api, rows, opts.workers, opts.verbose)
	t.report(os.Stdout, time.Since(start))
	return nil
}

// paysimRow is the subset of a PaySim record the replay needs.
type paysimRow struct {
	step       int
	kind       string
	amount     float64
	origin     string
	balance    float64
	dest       string
	fraudulent bool
}

var paysimColumns = []string{"step", "type", "amount", "nameorig", "oldbalanceorg", "namedest", "isfraud"}

// readRows applies the fraud-only, sampling and limit filters while
// reading. Legitimate rows are thinned deterministically.
func readRows(r io.Reader, opts options) ([]paysimRow, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range paysimColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var (
		rows  []paysimRow
		legit int
	)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		fraud := rec[col["isfraud"]] == "1"
		if !fraud {
			if opts.fraudOnly {
				continue
			}
			legit++
			if opts.keepLegit < 1 && float64(legit%100)/100 >= opts.keepLegit {
				continue
			}
		}

		row := paysimRow{
			kind:       rec[col["type"]],
			origin:     rec[col["nameorig"]],
			dest:       rec[col["namedest"]],
			fraudulent: fraud,
		}
		if row.step, err = strconv.Atoi(rec[col["step"]]); err != nil {
			return nil, fmt.Errorf("line %d: step: %w", line, err)
		}
		if row.amount, err = strconv.ParseFloat(rec[col["amount"]], 64); err != nil {
			return nil, fmt.Errorf("line %d: amount: %w", line, err)
		}
		row.balance, _ = strconv.ParseFloat(rec[col["oldbalanceorg"]], 64)
		rows = append(rows, row)

		if opts.limit > 0 && len(rows) >= opts.limit {
			break
		}
	}
	return rows, nil
}

func countFraud(rows []paysimRow) int {
	n := 0
	for _, r := range rows {
		if r.fraudulent {
			n++
		}
	}
	return n
}

// transferKind maps PaySim types onto Kestrel transfer kinds.
func transferKind(paysimType string) domain.TransferKind {
	switch strings.ToUpper(paysimType) {
	case "CASH_OUT":
		return domain.TransferWithdrawal
	case "CASH_IN":
		return domain.TransferDeposit
	case "TRANSFER":
		return domain.TransferExternal
	}
	return domain.TransferInternal
}

func (r paysimRow) request(n int) domain.AnalyzeRequest {
	return domain.AnalyzeRequest{
		TransferID:     "paysim-" + strconv.Itoa(n),
		ActorID:        r.origin,
		CounterpartyID: r.dest,
		Amount:         r.amount,
		Currency:       "USD",
		Kind:           transferKind(r.kind),
	}
}

type kestrelClient struct {
	base string
	http *http.Client
}

func (c *kestrelClient) health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// syncProfiles PUTs one profile per originating account, seeded with the
// balance before that account's first replayed transfer.
func (c *kestrelClient) syncProfiles(ctx context.Context, rows []paysimRow, age time.Duration) (int, error) {
	seen := make(map[string]bool)
	created := time.Now().UTC().Add(-age)
	for _, r := range rows {
		if seen[r.origin] {
			continue
		}
		seen[r.origin] = true
		p := map[string]any{"createdAt": created, "balance": r.balance}
		if err := c.do(ctx, http.MethodPut, "/actors/"+url.PathEscape(r.origin)+"/profile", p, nil); err != nil {
			return 0, fmt.Errorf("actor %s: %w", r.origin, err)
		}
	}
	return len(seen), nil
}

func (c *kestrelClient) analyze(ctx context.Context, req domain.AnalyzeRequest) (*domain.RiskAssessment, error) {
	var out domain.RiskAssessment
	if err := c.do(ctx, http.MethodPost, "/transfers/analyze", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *kestrelClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// tally accumulates outcomes from concurrent workers.
type tally struct {
	tp, fp, tn, fn atomic.Int64
	review, block  atomic.Int64
	fallback       atomic.Int64
	failed         atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (t *tally) record(fraud bool, a *domain.RiskAssessment, took time.Duration) {
	switch a.Decision {
	case domain.DecisionReview:
		t.review.Add(1)
	case domain.DecisionBlock:
		t.block.Add(1)
	}
	if a.Fallback {
		t.fallback.Add(1)
	}

	flagged := a.Decision.Flagged()
	switch {
	case flagged && fraud:
		t.tp.Add(1)
	case flagged:
		t.fp.Add(1)
	case fraud:
		t.fn.Add(1)
	default:
		t.tn.Add(1)
	}

	t.mu.Lock()
	t.latencies = append(t.latencies, took)
	t.mu.Unlock()
}

func replay(ctx context.Context, api *kestrelClient, rows []paysimRow, workers int, verbose bool) *tally {
	t := &tally{latencies: make([]time.Duration, 0, len(rows))}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, row := range rows {
		g.Go(func() error {
			start := time.Now()
			a, err := api.analyze(ctx, row.request(i))
			if err != nil {
				t.failed.Add(1)
				if verbose {
					fmt.Printf("error %s: %v\n", row.origin, err)
				}
				return nil
			}
			t.record(row.fraudulent, a, time.Since(start))
			if verbose {
				mark := " "
				if a.Decision.Flagged() != row.fraudulent {
					mark = "x"
				}
				fmt.Printf("%s %4d %-12.12s %-8s %14.2f fraud=%-5v %-6s %.3f\n",
					mark, row.step, row.origin, row.kind, row.amount, row.fraudulent, a.Decision, a.Score)
			}
			return nil
		})
	}
	_ = g.Wait()
	return t
}

// percentile returns the p-th percentile of sorted, p in [0,100].
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(p/100*float64(len(sorted)-1)+0.5)]
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func (t *tally) report(w io.Writer, elapsed time.Duration) {
	tp, fp, tn, fn := t.tp.Load(), t.fp.Load(), t.tn.Load(), t.fn.Load()
	scored := tp + fp + tn + fn

	precision := ratio(tp, tp+fp)
	recall := ratio(tp, tp+fn)
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	fmt.Fprintf(w, "\nscored %d, failed %d, fallback %d\n", scored, t.failed.Load(), t.fallback.Load())
	fmt.Fprintf(w, "decisions: review %d, block %d\n\n", t.review.Load(), t.block.Load())
	fmt.Fprintf(w, "                 flagged   allowed\n")
	fmt.Fprintf(w, "  fraud        %9d %9d\n", tp, fn)
	fmt.Fprintf(w, "  legitimate   %9d %9d\n\n", fp, tn)
	fmt.Fprintf(w, "precision %.4f  recall %.4f  f1 %.4f  accuracy %.4f\n",
		precision, recall, f1, ratio(tp+tn, scored))
	fmt.Fprintf(w, "false alarm rate %.2f%%\n", 100*ratio(fp, fp+tn))

	t.mu.Lock()
	lat := slices.Clone(t.latencies)
	t.mu.Unlock()
	slices.Sort(lat)
	if len(lat) > 0 {
		fmt.Fprintf(w, "latency p50 %v  p95 %v  p99 %v  max %v\n",
			percentile(lat, 50), percentile(lat, 95), percentile(lat, 99), lat[len(lat)-1])
	}
	if s := elapsed.Seconds(); s > 0 {
		fmt.Fprintf(w, "elapsed %v, %.1f transfers/s\n", elapsed.Round(time.Millisecond), float64(scored)/s)
	}
}
