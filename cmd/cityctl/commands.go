package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"cityflow/alerts"
	"cityflow/analytics"
	"cityflow/cache"
	"cityflow/explain"
	"cityflow/models"
	"cityflow/scenario"
	"cityflow/scheduler"
	"cityflow/storage"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "cityctl",
		Short:         "Run cityflow analytics once and print the result as JSON",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.connect(cmd.Context())
		},
	}
	root.AddCommand(
		newRiskCmd(a),
		newAnomaliesCmd(a),
		newAlertsCmd(a),
		newSimulateCmd(a),
		newScenariosCmd(a),
		newForecastCmd(a),
		newExplainCmd(a),
		newSourcesCmd(a),
		newJobsCmd(a),
		newMigrateCmd(a),
		newWatchCmd(a),
	)
	return root
}

func newRiskCmd(a *app) *cobra.Command {
	var cached bool
	cmd := &cobra.Command{
		Use:   "risk CITY",
		Short: "Calculate the composite risk score of a city",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cached {
				res, ok, err := a.svc.CachedRisk(cmd.Context(), args[0])
				if err == nil && !ok {
					return a.printJSON(map[string]string{"error": "No cached risk score"})
				}
				return a.respond(res, err)
			}
			return a.respond(a.svc.CalculateCityRisk(cmd.Context(), args[0]))
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "print the last published score instead of recalculating")

	var limit int
	history := &cobra.Command{
		Use:   "history CITY",
		Short: "List stored risk snapshots, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.respond(a.svc.RiskHistory(cmd.Context(), args[0], limit))
		},
	}
	history.Flags().IntVar(&limit, "limit", storage.DefaultRiskLimit, fmt.Sprintf("snapshots to list (max %d)", storage.MaxRiskLimit))
	cmd.AddCommand(history)
	return cmd
}

func newAnomaliesCmd(a *app) *cobra.Command {
	var severity string
	cmd := &cobra.Command{
		Use:   "anomalies CITY",
		Short: "Detect and record anomalies of a city",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.respond(a.svc.DetectAllAnomalies(cmd.Context(), args[0], severity))
		},
	}
	cmd.Flags().StringVar(&severity, "severity", "", "only print high, medium or low findings")

	cmd.AddCommand(&cobra.Command{
		Use:   "resolve ID",
		Short: "Mark an anomaly resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.svc.ResolveAnomaly(cmd.Context(), args[0]); err != nil {
				return a.fail(err)
			}
			return a.printJSON(map[string]string{"id": args[0], "message": "Anomaly resolved"})
		},
	})

	var limit int
	history := &cobra.Command{
		Use:   "history CITY",
		Short: "List recorded anomalies, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.respond(a.svc.AnomalyHistory(cmd.Context(), args[0], limit))
		},
	}
	history.Flags().IntVar(&limit, "limit", storage.DefaultAnomalyLimit, fmt.Sprintf("anomalies to list (max %d)", storage.MaxAnomalyLimit))
	cmd.AddCommand(history)
	return cmd
}

func newAlertsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Generate, list and resolve alerts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "generate CITY",
		Short: "Run every alert family for a city",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.respond(a.svc.GenerateAllAlerts(cmd.Context(), args[0]))
		},
	})

	var by string
	resolve := &cobra.Command{
		Use:   "resolve ID",
		Short: "Resolve an active alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.svc.ResolveAlert(cmd.Context(), args[0], by)
			if err != nil {
				return a.fail(err)
			}
			return a.printJSON(map[string]any{"message": res.Message(), "alert": res.Alert})
		},
	}
	resolve.Flags().StringVar(&by, "by", "", "who acknowledged the alert")
	cmd.AddCommand(resolve)

	var f models.AlertFilter
	list := &cobra.Command{
		Use:   "list [CITY]",
		Short: "List alerts, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.City = args[0]
			}
			switch f.Audience {
			case "", models.AudiencePublic, models.AudienceInternal:
			default:
				return a.printJSON(map[string]string{"error": "audience must be public or internal"})
			}
			list, err := a.svc.Alerts().List(cmd.Context(), f)
			if err != nil {
				return a.fail(err)
			}
			return a.printJSON(alerts.ForAudience(list, f.Audience))
		},
	}
	list.Flags().StringVar(&f.Audience, "audience", "", "public or internal")
	list.Flags().StringVar(&f.Severity, "severity", "", "info, warning or critical")
	list.Flags().StringVar(&f.Type, "type", "", "risk, anomaly, forecast or system")
	list.Flags().BoolVar(&f.ActiveOnly, "active", true, "only active alerts")
	list.Flags().IntVar(&f.Limit, "limit", storage.DefaultAlertLimit, "maximum number of alerts")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "summary CITY",
		Short: "Count the alerts of a city",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.respond(a.svc.Alerts().Summary(cmd.Context(), args[0]))
		},
	})
	return cmd
}

func newSimulateCmd(a *app) *cobra.Command {
	var (
		in          models.ScenarioInput
		aqi, demand float64
		withExplain bool
	)
	cmd := &cobra.Command{
		Use:   "simulate CITY",
		Short: "Simulate a traffic policy change in one zone",
		Example: `  cityctl simulate surat --zone A --window 08:00-10:00 --traffic-change -20 --heavy-restriction
  cityctl simulate surat --zone C --window 22:00-02:00 --traffic-change 15 --baseline-aqi 140`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.City = args[0]
			if cmd.Flags().Changed("baseline-aqi") {
				in.BaselineAQI = &aqi
			}
			if cmd.Flags().Changed("baseline-density") {
				in.BaselineTrafficDensity = &demand
			}
			res, err := a.svc.Simulate(cmd.Context(), in)
			if err != nil || !withExplain {
				return a.respond(res, err)
			}
			return a.printJSON(struct {
				scenario.Result
				Explain explain.Explanation `json:"explain"`
			}{res, explain.Scenario(res)})
		},
	}
	cmd.Flags().StringVar(&in.Zone, "zone", "", "zone A, B or C")
	cmd.Flags().StringVar(&in.TimeWindow, "window", "", "time window HH:MM-HH:MM")
	cmd.Flags().Float64Var(&in.TrafficDensityChange, "traffic-change", 0, "traffic density change in percent (-100 to 200)")
	cmd.Flags().BoolVar(&in.HeavyVehicleRestriction, "heavy-restriction", false, "restrict heavy vehicles")
	cmd.Flags().Float64Var(&aqi, "baseline-aqi", 0, "override the baseline AQI")
	cmd.Flags().Float64Var(&demand, "baseline-density", 0, "override the baseline traffic density")
	cmd.Flags().BoolVar(&withExplain, "explain", false, "include the explanation")
	_ = cmd.MarkFlagRequired("zone")
	_ = cmd.MarkFlagRequired("window")
	return cmd
}

func newScenariosCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenarios",
		Short: "Scenario history and model description",
	}
	var limit int
	history := &cobra.Command{
		Use:   "history CITY",
		Short: "List the latest simulations of a city",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.respond(a.svc.Scenarios().History(cmd.Context(), args[0], limit))
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "maximum number of scenarios")
	cmd.AddCommand(history)

	cmd.AddCommand(&cobra.Command{
		Use:   "model",
		Short: "Describe the simulation model",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return a.printJSON(scenario.Describe())
		},
	})
	return cmd
}

func newForecastCmd(a *app) *cobra.Command {
	var horizon int
	cmd := &cobra.Command{
		Use:   "forecast CITY",
		Short: "Forecast temperature, AQI and PM2.5 and store the records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.respond(a.svc.Forecast(cmd.Context(), args[0], horizon))
		},
	}
	cmd.Flags().IntVar(&horizon, "days", 7, "forecast horizon in days")
	return cmd
}

func newExplainCmd(a *app) *cobra.Command {
	kinds := []string{analytics.ExplainForecast, analytics.ExplainRisk, analytics.ExplainAnomalies}
	return &cobra.Command{
		Use:       fmt.Sprintf("explain {%s} CITY", strings.Join(kinds, "|")),
		Short:     "Explain the current forecast, risk or anomaly view of a city",
		Args:      cobra.ExactArgs(2),
		ValidArgs: kinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.respond(a.svc.Explain(cmd.Context(), args[0], args[1]))
		},
	}
}

func newSourcesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Show data source health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.respond(a.svc.Sources().Status(cmd.Context()))
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Mark stale sources offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stale, err := a.svc.Sources().Sweep(cmd.Context())
			if err != nil {
				return a.fail(err)
			}
			return a.printJSON(map[string]any{"marked_offline": stale})
		},
	})
	return cmd
}

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run the scheduled jobs once",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run [JOB...]",
		Short: "Run the named jobs, or all of them",
		ValidArgs: []string{
			scheduler.JobForecasting,
			scheduler.JobAnomalyDetection,
			scheduler.JobRiskCalculation,
			scheduler.JobAlertGeneration,
			scheduler.JobHealthCheck,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m := scheduler.NewManual(a.logger.Named("scheduler"), a.now)
			if err := a.svc.RegisterJobs(m, a.cfg.Jobs); err != nil {
				return err
			}
			var err error
			if len(args) == 0 {
				err = m.TriggerAll(ctx)
			} else {
				var errs []error
				for _, name := range args {
					errs = append(errs, m.Trigger(ctx, name))
				}
				err = errors.Join(errs...)
			}
			if perr := a.printJSON(m.Status()); perr != nil {
				return perr
			}
			return err
		},
	})
	return cmd
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, ok := a.store.(interface{ Migrate(context.Context) error })
			if !ok {
				return errors.New("store has no schema to migrate")
			}
			if err := m.Migrate(cmd.Context()); err != nil {
				return err
			}
			return a.printJSON(map[string]string{"message": "schema applied"})
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	channels := []string{cache.ChannelAlerts, cache.ChannelRisk}
	var live bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print alert and risk results as they are published",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if live {
				channels = append(channels, cache.ChannelLive)
			}
			sub := a.cache.Subscribe(cmd.Context(), channels...)
			if sub == nil {
				return errors.New("watch needs REDIS_URL")
			}
			defer sub.Close()

			enc := json.NewEncoder(a.stdout)
			msgs := sub.Channel()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case msg, ok := <-msgs:
					if !ok {
						return nil
					}
					if err := enc.Encode(map[string]any{
						"channel": msg.Channel,
						"payload": json.RawMessage(msg.Payload),
					}); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "also print every ingested sample")
	return cmd
}
