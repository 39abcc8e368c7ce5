// File: main.go

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"egress-pool/pkg/api"
	"egress-pool/pkg/config"
	"egress-pool/pkg/database"
	"egress-pool/pkg/health"
	"egress-pool/pkg/importer"
	"egress-pool/pkg/ipinfo"
	"egress-pool/pkg/models"
	"egress-pool/pkg/pool"
	"egress-pool/pkg/proxy"
	"egress-pool/pkg/replenish"
	"egress-pool/pkg/scheduler"
)

var (
	debugFlag bool
	logger    *slog.Logger
	settings  *config.Settings
)

// app holds the wired components shared by the commands.
type app struct {
	db        *database.DB
	pool      *pool.Manager
	replenish *replenish.Controller
	health    *health.Monitor
	enricher  *ipinfo.Client
}

func (a *app) Close() {
	a.db.Close()
}

var rootCmd = &cobra.Command{
	Use:   "egress-pool",
	Short: "A pool manager for egress IPs and proxy endpoints",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set up logging based on the debug flag
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background maintenance jobs",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustInitApp()
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sched := newScheduler(a)
		jobsDone := make(chan struct{})
		go func() {
			sched.Start(ctx)
			close(jobsDone)
		}()

		srv := api.NewServer(api.Config{
			Addr:           settings.Server.Addr,
			Mode:           settings.Server.Mode,
			InternalSecret: settings.Server.InternalSecret,
			MinAvailable:   settings.Replenish.MinAvailable,
			HealthWindow:   settings.Health.Window,
		}, a.pool, a.replenish, a.health, logger)

		if err := srv.Run(ctx); err != nil {
			logger.Error("Server stopped with error", "error", err)
			os.Exit(1)
		}
		<-jobsDone
		logger.Info("Server stopped")
	},
}

var importCmd = &cobra.Command{
	Use:   "import [file] [provider]",
	Short: "Import resources from a file, one address per line",
	Long: `Import resources from a file. Each line holds an IP, a host:port or a
proxy URL, optionally followed by #CC or #CC/type. Hostnames are resolved and
every address becomes its own resource.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustInitApp()
		defer a.Close()

		// Default provider to empty string if not provided
		provider := ""
		if len(args) > 1 {
			provider = args[1]
		}

		var enricher importer.Enricher
		if a.enricher != nil {
			enricher = a.enricher
		}
		result, err := importer.New(a.pool, enricher, logger).ImportFile(context.Background(), args[0], provider)
		if err != nil {
			logger.Error("Error importing resources", "error", err)
			os.Exit(1)
		}
		logger.Info("Import finished",
			"lines", result.Lines,
			"added", result.Added,
			"duplicates", result.Duplicates,
			"invalid", result.Invalid)
	},
}

var addProviderCmd = &cobra.Command{
	Use:     "add-provider [name] [type]",
	Short:   "Register a provider configuration",
	Example: "add-provider dc-static static --option addresses=203.0.113.1,203.0.113.2",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustInitApp()
		defer a.Close()

		apiKey, _ := cmd.Flags().GetString("api-key")
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		endpoint, _ := cmd.Flags().GetString("endpoint")
		options, _ := cmd.Flags().GetStringToString("option")

		p, err := a.pool.AddProvider(context.Background(), pool.ProviderInput{
			Name:     args[0],
			Type:     models.ProviderType(args[1]),
			APIKey:   apiKey,
			Username: username,
			Password: password,
			Endpoint: endpoint,
			Options:  options,
		})
		if err != nil {
			logger.Error("Error adding provider", "error", err)
			os.Exit(1)
		}
		logger.Info("Provider added", "id", p.ID, "name", p.Name)
	},
}

var replenishCmd = &cobra.Command{
	Use:   "replenish [min]",
	Short: "Fetch resources from providers until the minimum is available",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustInitApp()
		defer a.Close()

		minAvailable := settings.Replenish.MinAvailable
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				logger.Error("Invalid min value", "error", err)
				os.Exit(1)
			}
			minAvailable = n
		}

		report, err := a.replenish.EnsureMinimumAvailable(context.Background(), minAvailable)
		if err != nil {
			logger.Error("Error replenishing pool", "error", err)
			os.Exit(1)
		}
		printJSON(report)
	},
}

var healthCheckCmd = &cobra.Command{
	Use:   "health-check",
	Short: "Probe every resource and optionally apply the health policy",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustInitApp()
		defer a.Close()

		ctx := context.Background()
		results, err := a.health.ProbeAll(ctx)
		if err != nil {
			logger.Error("Error probing resources", "error", err)
			os.Exit(1)
		}
		healthy := 0
		for _, r := range results {
			if r.Passed {
				healthy++
			}
		}
		logger.Info("Probes finished", "resources", len(results), "healthy", healthy)

		if apply, _ := cmd.Flags().GetBool("apply"); apply {
			report, err := a.health.ApplyHealthPolicy(ctx)
			if err != nil {
				logger.Error("Error applying health policy", "error", err)
				os.Exit(1)
			}
			printJSON(report)
		}
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Return expired cooldown resources to the available set",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustInitApp()
		defer a.Close()

		n, err := a.pool.SweepCooldown(context.Background())
		if err != nil {
			logger.Error("Error sweeping cooldown", "error", err)
			os.Exit(1)
		}
		logger.Info("Cooldown sweep finished", "released", n)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List pooled resources",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustInitApp()
		defer a.Close()

		status, _ := cmd.Flags().GetString("status")
		f := database.ResourceFilter{Status: models.Status(status)}
		if f.Status != "" && !f.Status.Valid() {
			logger.Error("Invalid status", "status", status)
			os.Exit(1)
		}
		resources, err := a.pool.List(context.Background(), f)
		if err != nil {
			logger.Error("Error listing resources", "error", err)
			os.Exit(1)
		}
		for _, r := range resources {
			fmt.Printf("%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				r.ID, r.Address, r.Status, r.CountryCode,
				r.CurrentUserCount, r.MaxConcurrentUsers, r.Provider)
		}
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show resource counts by status",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustInitApp()
		defer a.Close()

		counts, err := a.pool.Counts(context.Background())
		if err != nil {
			logger.Error("Error counting resources", "error", err)
			os.Exit(1)
		}
		total := 0
		for _, s := range models.AllStatuses {
			fmt.Printf("%-10s %d\n", s, counts[s])
			total += counts[s]
		}
		fmt.Printf("%-10s %d\n", "total", total)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	addProviderCmd.Flags().String("api-key", "", "Provider API key")
	addProviderCmd.Flags().String("username", "", "Provider username")
	addProviderCmd.Flags().String("password", "", "Provider password")
	addProviderCmd.Flags().String("endpoint", "", "Provider gateway or API endpoint")
	addProviderCmd.Flags().StringToString("option", nil, "Provider specific option, key=value")
	healthCheckCmd.Flags().Bool("apply", false, "Flag, ban or rotate resources by success rate after probing")
	listCmd.Flags().String("status", "", "Only list resources in this status")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(addProviderCmd)
	rootCmd.AddCommand(replenishCmd)
	rootCmd.AddCommand(healthCheckCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statsCmd)
}

func initConfig() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.egress-pool")
	viper.AddConfigPath("/etc/egress-pool/")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}

	var err error
	settings, err = config.Load(viper.GetViper())
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
}

func initDB() (*database.DB, error) {
	db, err := database.NewDB(settings.Database)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %v", err)
	}

	err = db.InitSchema(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return db, nil
}

func initApp() (*app, error) {
	db, err := initDB()
	if err != nil {
		return nil, err
	}

	p := pool.NewManager(db, pool.Options{
		Cooldown:         settings.Pool.Cooldown,
		FailureThreshold: settings.Pool.FailureThreshold,
		MaxBanCount:      settings.Pool.MaxBanCount,
		DefaultMaxUsers:  settings.Pool.DefaultMaxUsers,
	}, logger)

	if err := p.SeedProviders(context.Background(), settings.Providers); err != nil {
		db.Close()
		return nil, fmt.Errorf("error seeding providers: %v", err)
	}

	a := &app{db: db, pool: p}

	// Candidates without a country are enriched only when a token is set.
	var enricher replenish.Enricher
	if settings.IPInfo.Token != "" {
		a.enricher = ipinfo.NewClient(settings.IPInfo.Token)
		enricher = a.enricher
	}

	filter := proxy.Filter{
		Country: settings.Replenish.Country,
		Type:    models.ResourceType(settings.Replenish.Type),
	}
	fetcher := proxy.NewSet(logger, settings.Replenish.FetchTimeout)
	a.replenish = replenish.NewController(p, fetcher, enricher, filter, logger)
	a.health = health.NewMonitor(p, settings.Health, logger)
	return a, nil
}

func mustInitApp() *app {
	a, err := initApp()
	if err != nil {
		logger.Error("Error initializing", "error", err)
		os.Exit(1)
	}
	return a
}

func newScheduler(a *app) *scheduler.Scheduler {
	s := scheduler.New(logger)
	s.Add(scheduler.Job{
		Name:     "cooldown-sweep",
		Interval: settings.Pool.SweepInterval,
		Run: func(ctx context.Context) error {
			_, err := a.pool.SweepCooldown(ctx)
			return err
		},
	})
	s.Add(scheduler.Job{
		Name:     "stale-rotation",
		Interval: settings.Pool.RotationInterval,
		Run: func(ctx context.Context) error {
			_, err := a.pool.RotateStale(ctx, settings.Pool.RotationInterval)
			return err
		},
	})
	s.Add(scheduler.Job{
		Name:      "replenish",
		Interval:  settings.Replenish.Interval,
		Immediate: true,
		Run: func(ctx context.Context) error {
			_, err := a.replenish.EnsureMinimumAvailable(ctx, settings.Replenish.MinAvailable)
			return err
		},
	})
	s.Add(scheduler.Job{
		Name:     "health-check",
		Interval: settings.Health.Interval,
		Run: func(ctx context.Context) error {
			if _, err := a.health.ProbeAll(ctx); err != nil {
				return err
			}
			_, err := a.health.ApplyHealthPolicy(ctx)
			return err
		},
	})
	s.Add(scheduler.Job{
		Name:     "usage-prune",
		Interval: settings.Metrics.PruneInterval,
		Run: func(ctx context.Context) error {
			_, err := a.health.Prune(ctx, settings.Metrics.Retention)
			return err
		},
	})
	return s
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Error("Error encoding output", "error", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
