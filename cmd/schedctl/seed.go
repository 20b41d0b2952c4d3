package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hackgods/care-scheduling/internal/app"
	"github.com/hackgods/care-scheduling/internal/scheduling"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

type seedOptions struct {
	Providers int
	Patients  int
	Seed      int64
}

type seedResult struct {
	Providers []uuid.UUID
	Patients  []uuid.UUID
	Windows   int
}

func seedCmd() *cobra.Command {
	var opts seedOptions

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert fake providers with weekday availability and patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			infra, err := openStore(cmd.Context(), "schedctl")
			if err != nil {
				return err
			}
			defer infra.Close()

			res, err := seed(cmd.Context(), infra.Store, opts)
			if err != nil {
				return err
			}
			infra.Logger.Info().
				Int("providers", len(res.Providers)).
				Int("windows", res.Windows).
				Int("patients", len(res.Patients)).
				Msg("seed complete")
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Providers, "providers", 20, "number of providers")
	cmd.Flags().IntVar(&opts.Patients, "patients", 500, "number of patients")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "random seed, 0 for time-based")
	return cmd
}

// seed creates providers with a Monday to Friday morning and afternoon
// window each, and patients with fake names and emails.
func seed(ctx context.Context, store app.Store, opts seedOptions) (*seedResult, error) {
	seedVal := opts.Seed
	if seedVal == 0 {
		seedVal = time.Now().UnixNano()
	}
	faker := gofakeit.New(uint64(seedVal))

	res := &seedResult{}
	for i := 0; i < opts.Providers; i++ {
		specialty := specialties[faker.Number(0, len(specialties)-1)]
		p, err := store.UpsertProvider(ctx, scheduling.Provider{
			ID:        uuid.New(),
			Name:      "Dr. " + faker.Name(),
			Specialty: &specialty,
		})
		if err != nil {
			return nil, fmt.Errorf("seed provider: %w", err)
		}
		res.Providers = append(res.Providers, p.ID)

		// mornings start at 08:00 or 09:00; afternoons run 13:00-17:00
		morning := scheduling.NewClock(8+faker.Number(0, 1), 0)
		for day := time.Monday; day <= time.Friday; day++ {
			for _, w := range []scheduling.AvailabilityWindow{
				{Start: morning, End: scheduling.NewClock(12, 0)},
				{Start: scheduling.NewClock(13, 0), End: scheduling.NewClock(17, 0)},
			} {
				w.ProviderID = p.ID
				w.DayOfWeek = day
				w.IsAvailable = true
				if _, err := store.UpsertWindow(ctx, w); err != nil {
					return nil, fmt.Errorf("seed availability: %w", err)
				}
				res.Windows++
			}
		}
	}

	for i := 0; i < opts.Patients; i++ {
		email := faker.Email()
		p, err := store.UpsertPatient(ctx, scheduling.Patient{
			ID:    uuid.New(),
			Name:  faker.Name(),
			Email: &email,
		})
		if err != nil {
			return nil, fmt.Errorf("seed patient: %w", err)
		}
		res.Patients = append(res.Patients, p.ID)
	}

	return res, nil
}
