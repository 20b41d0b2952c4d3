package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hackgods/care-scheduling/internal/api"
	"github.com/hackgods/care-scheduling/internal/app"
	"github.com/hackgods/care-scheduling/internal/config"
	"github.com/hackgods/care-scheduling/internal/scheduling"
)

type simOptions struct {
	APIBaseURL string
	Workers    int
	Rounds     int
	Seed       int64
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeConflict
	outcomeError
)

// booker submits one booking and classifies the result.
type booker interface {
	Book(ctx context.Context, req scheduling.CreateAppointmentRequest) outcome
}

type serviceBooker struct {
	svc *scheduling.Service
}

func (b serviceBooker) Book(ctx context.Context, req scheduling.CreateAppointmentRequest) outcome {
	_, err := b.svc.CreateAppointment(ctx, req)
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, scheduling.ErrConflict):
		return outcomeConflict
	default:
		return outcomeError
	}
}

type httpBooker struct {
	baseURL string
	client  *http.Client
}

func (b httpBooker) Book(ctx context.Context, req scheduling.CreateAppointmentRequest) outcome {
	body, err := json.Marshal(api.CreateAppointmentRequest{
		PatientID:  req.PatientID.String(),
		ProviderID: req.ProviderID.String(),
		Date:       scheduling.FormatDate(req.Date),
		Time:       req.Time.String(),
		Duration:   req.DurationMinutes,
		Reason:     req.Reason,
	})
	if err != nil {
		return outcomeError
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/appointments", bytes.NewReader(body))
	if err != nil {
		return outcomeError
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return outcomeError
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated:
		return outcomeSuccess
	case http.StatusConflict:
		return outcomeConflict
	default:
		return outcomeError
	}
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, o outcome) {
	atomic.AddInt64(&om.Total, 1)
	switch o {
	case outcomeSuccess:
		atomic.AddInt64(&om.Success, 1)
	case outcomeConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	p50 = latencies[len(latencies)*50/100]
	p95 = latencies[len(latencies)*95/100]
	max = latencies[len(latencies)-1]
	return avg, p50, p95, max
}

type simReport struct {
	Rounds  int
	Workers int
	// Winners holds the number of successful bookings per contested slot.
	Winners []int
	Metrics OperationMetrics
}

// Violations counts contested slots that did not end with exactly one booking.
func (r *simReport) Violations() int {
	n := 0
	for _, w := range r.Winners {
		if w != 1 {
			n++
		}
	}
	return n
}

func simulateCmd() *cobra.Command {
	var opts simOptions

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Race concurrent bookings for the same slot and verify exactly one wins",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			infra, err := openStore(ctx, "schedctl")
			if err != nil {
				return err
			}
			defer infra.Close()

			var b booker
			if opts.APIBaseURL != "" {
				if infra.Config.StorageDriver != config.DriverPostgres {
					return errors.New("--api-url needs the server's postgres database to seed data")
				}
				b = httpBooker{baseURL: strings.TrimRight(opts.APIBaseURL, "/"), client: &http.Client{Timeout: 10 * time.Second}}
			} else {
				b = serviceBooker{svc: scheduling.NewService(infra.Store, infra.Locker, nil, infra.Config, infra.Logger)}
			}

			report, err := simulate(ctx, infra.Store, b, opts, scheduling.CivilTime(time.Now(), infra.Config.Location()))
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			if v := report.Violations(); v > 0 {
				return fmt.Errorf("%d of %d slots were not booked exactly once", v, report.Rounds)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.APIBaseURL, "api-url", "", "book through a running api-server instead of in-process")
	cmd.Flags().IntVar(&opts.Workers, "workers", 16, "concurrent bookers per slot")
	cmd.Flags().IntVar(&opts.Rounds, "rounds", 5, "number of contested slots")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "random seed for fake data, 0 for time-based")
	return cmd
}

// simulate seeds one provider and one patient per worker, then for each
// round releases all workers at once against the 09:00 slot of a distinct
// upcoming weekday.
func simulate(ctx context.Context, store app.Store, b booker, opts simOptions, now time.Time) (*simReport, error) {
	if opts.Workers <= 0 || opts.Rounds <= 0 {
		return nil, errors.New("workers and rounds must be positive")
	}

	seeded, err := seed(ctx, store, seedOptions{Providers: 1, Patients: opts.Workers, Seed: opts.Seed})
	if err != nil {
		return nil, err
	}
	provider := seeded.Providers[0]

	report := &simReport{Rounds: opts.Rounds, Workers: opts.Workers}
	date := scheduling.DateOf(now)
	for round := 0; round < opts.Rounds; round++ {
		date = nextWeekday(date)
		winners := race(ctx, b, &report.Metrics, provider, seeded.Patients, date)
		report.Winners = append(report.Winners, winners)
	}
	return report, nil
}

func race(ctx context.Context, b booker, m *OperationMetrics, provider uuid.UUID, patients []uuid.UUID, date time.Time) int {
	var (
		wg      sync.WaitGroup
		winners int64
		start   = make(chan struct{})
	)

	for _, patient := range patients {
		wg.Add(1)
		go func(patient uuid.UUID) {
			defer wg.Done()
			<-start

			began := time.Now()
			o := b.Book(ctx, scheduling.CreateAppointmentRequest{
				PatientID:       patient,
				ProviderID:      provider,
				Date:            date,
				Time:            scheduling.NewClock(9, 0),
				DurationMinutes: 30,
				Reason:          "simulated booking",
			})
			m.Record(time.Since(began), o)
			if o == outcomeSuccess {
				atomic.AddInt64(&winners, 1)
			}
		}(patient)
	}

	close(start)
	wg.Wait()
	return int(winners)
}

func nextWeekday(d time.Time) time.Time {
	d = d.AddDate(0, 0, 1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func printReport(w io.Writer, r *simReport) {
	m := &r.Metrics
	avg, p50, p95, max := m.Stats()

	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintln(w, "DOUBLE-BOOKING SIMULATION")
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintf(w, "Slots contested: %d\n", r.Rounds)
	fmt.Fprintf(w, "Workers per slot: %d\n", r.Workers)
	fmt.Fprintf(w, "Winners per slot: %v\n", r.Winners)
	fmt.Fprintf(w, "Bookings: total=%d success=%d conflict=%d error=%d\n",
		atomic.LoadInt64(&m.Total), atomic.LoadInt64(&m.Success),
		atomic.LoadInt64(&m.Conflict), atomic.LoadInt64(&m.Error))
	fmt.Fprintf(w, "Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
	if v := r.Violations(); v > 0 {
		fmt.Fprintf(w, "VIOLATIONS: %d\n", v)
	}
}
