package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	connApp "github.com/AzielCF/az-inbox/connection/application"
	connRepo "github.com/AzielCF/az-inbox/connection/repository"
	"github.com/AzielCF/az-inbox/core/config"
	"github.com/AzielCF/az-inbox/core/database"
	"github.com/AzielCF/az-inbox/infrastructure/valkey"
	"github.com/AzielCF/az-inbox/infrastructure/whatsapp"
	"github.com/AzielCF/az-inbox/pkg/utils"
	queueApp "github.com/AzielCF/az-inbox/queue/application"
	"github.com/AzielCF/az-inbox/queue/domain/job"
	queueRepo "github.com/AzielCF/az-inbox/queue/repository"
	"github.com/AzielCF/az-inbox/ui/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	appConfig *config.Config

	db          *gorm.DB
	vkClient    *valkey.Client
	waContainer *sqlstore.Container

	tenantRepo  *connRepo.TenantGormRepository
	pendingRepo *queueRepo.PendingGormRepository

	hub           *websocket.Hub
	supervisor    *connApp.Supervisor
	scheduleQueue *queueApp.Queue
	campaignQueue *queueApp.Queue
	reconciler    *queueApp.Reconciler
	bootstrap     *connApp.Bootstrap

	// cancels the hub subscriber and the other process-wide loops
	stopBackground context.CancelFunc = func() {}
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "az-inbox",
	Short: "Multi-tenant WhatsApp session orchestrator",
	Long: `az-inbox keeps every tenant's WhatsApp connections alive, pairs new ones by QR,
and delivers scheduled messages and campaigns through them.`,
}

func init() {
	time.Local = time.UTC

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	initFlags()

	cobra.OnInitialize(initEnvConfig)
}

func initFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("port", "p", "", "change port number with --port <number> | example: --port=8080")
	flags.BoolP("debug", "d", false, "hide or displaying log with --debug <true/false> | example: --debug=true")
	flags.StringSliceP("basic-auth", "b", nil, "basic auth credential | -b=yourUsername:yourPassword")
	flags.String("base-path", "", `base path for subpath deployment --base-path <string> | example: --base-path="/inbox"`)
	flags.String("queue-store", "", `job persistence --queue-store <memory|database>`)
	flags.Duration("reconnect-delay", 0, "delay before reconnecting a dropped session | example: --reconnect-delay=5s")
	flags.Duration("reconnect-max-delay", 0, "cap for escalating reconnect delays, 0 keeps the delay flat | example: --reconnect-max-delay=1m")
	flags.Duration("startup-delay", 0, "wait after dispatching sessions before starting queues | example: --startup-delay=5s")

	_ = viper.BindPFlags(flags)
}

// initEnvConfig loads .env and the environment, then applies explicit flags.
func initEnvConfig() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("[CONFIG] %v", err)
	}

	if viper.IsSet("port") {
		cfg.App.Port = viper.GetString("port")
	}
	if viper.GetBool("debug") {
		cfg.App.Debug = true
	}
	if viper.IsSet("basic-auth") {
		cfg.App.BasicAuth = viper.GetStringSlice("basic-auth")
	}
	if viper.IsSet("base-path") {
		cfg.App.BasePath = viper.GetString("base-path")
	}
	if viper.IsSet("queue-store") {
		cfg.Queue.Store = viper.GetString("queue-store")
	}
	if viper.IsSet("reconnect-delay") {
		cfg.Whatsapp.ReconnectDelay = viper.GetDuration("reconnect-delay")
	}
	if viper.IsSet("reconnect-max-delay") {
		cfg.Whatsapp.ReconnectMaxDelay = viper.GetDuration("reconnect-max-delay")
	}
	if viper.IsSet("startup-delay") {
		cfg.App.StartupDelay = viper.GetDuration("startup-delay")
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("[CONFIG] %v", err)
	}

	if cfg.App.Debug {
		cfg.Whatsapp.LogLevel = "DEBUG"
		logrus.SetLevel(logrus.DebugLevel)
	}
	appConfig = cfg
}

// openDatabase connects the application database and migrates every table
// the process owns.
func openDatabase(ctx context.Context) error {
	var err error
	db, err = database.NewDatabase(appConfig)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	tenantRepo = connRepo.NewTenantGormRepository(db)
	pendingRepo = queueRepo.NewPendingGormRepository(db)

	if err := tenantRepo.Init(ctx); err != nil {
		return fmt.Errorf("migrate tenant tables: %w", err)
	}
	if err := pendingRepo.Init(ctx); err != nil {
		return fmt.Errorf("migrate pending work tables: %w", err)
	}
	if err := whatsapp.NewCredentialStore(db, nil).Init(ctx); err != nil {
		return fmt.Errorf("migrate credential table: %w", err)
	}
	if appConfig.Queue.Store == "database" {
		if err := queueRepo.NewJobGormStore(db).Init(ctx); err != nil {
			return fmt.Errorf("migrate job table: %w", err)
		}
	}
	return nil
}

// initApp wires the whole runtime. Nothing is started here except the
// realtime subscriber; Bootstrap.Run brings sessions and queues up.
func initApp(ctx context.Context) error {
	if err := openDatabase(ctx); err != nil {
		return err
	}

	serverID := utils.GetPersistentServerID(appConfig.App.ServerID, appConfig.Paths.Storages)
	logrus.Infof("[APP] Server ID: %s", serverID)

	var broker websocket.Broker
	var locker queueApp.Locker
	if appConfig.Database.ValkeyEnabled {
		client, err := valkey.NewClient(valkey.Config{
			Address:   appConfig.Database.ValkeyAddress,
			Password:  appConfig.Database.ValkeyPassword,
			DB:        appConfig.Database.ValkeyDB,
			KeyPrefix: appConfig.Database.ValkeyKeyPrefix,
		})
		if err != nil {
			logrus.WithError(err).Warn("[VALKEY] Unavailable, running as a single process")
		} else {
			vkClient = client
			broker = client
			locker = client
			logrus.Infof("[VALKEY] Connected to %s", appConfig.Database.ValkeyAddress)
		}
	}

	// Several processes can share a host, so the loop guard needs a per-process id.
	hub = websocket.NewHub(serverID+"-"+uuid.NewString()[:8], broker)
	bgCtx, cancel := context.WithCancel(context.Background())
	stopBackground = cancel
	go hub.Run(bgCtx)

	var err error
	waContainer, err = whatsapp.OpenStore(ctx, appConfig.Whatsapp)
	if err != nil {
		return err
	}
	creds := whatsapp.NewCredentialStore(db, waContainer)

	registry := connRepo.NewMemoryRegistry()
	supervisor = connApp.NewSupervisor(
		registry,
		tenantRepo,
		creds,
		whatsapp.NewDialer(waContainer, appConfig.Whatsapp.LogLevel),
		hub,
		connApp.WithReconnectPolicy(connApp.ReconnectPolicy{
			Delay:    appConfig.Whatsapp.ReconnectDelay,
			MaxDelay: appConfig.Whatsapp.ReconnectMaxDelay,
		}),
		connApp.WithIngestionHook(connApp.NewMessageIngestor(hub)),
	)

	scheduleStore, campaignStore := jobStores()
	qc := appConfig.Queue
	scheduleQueue = queueApp.NewQueue(queueApp.QueueConfig{
		Kind:            job.KindSchedule,
		Workers:         qc.ScheduleWorkers,
		Buffer:          qc.ScheduleBuffer,
		Retention:       qc.Retention,
		CleanupInterval: qc.CleanupInterval,
		CleanupBatch:    qc.CleanupBatch,
	}, scheduleStore, queueApp.NewScheduleHandler(pendingRepo, registry, qc.MaxAttempts).Handle)
	campaignQueue = queueApp.NewQueue(queueApp.QueueConfig{
		Kind:            job.KindCampaign,
		Workers:         qc.CampaignWorkers,
		Buffer:          qc.CampaignBuffer,
		Retention:       qc.Retention,
		CleanupInterval: qc.CleanupInterval,
		CleanupBatch:    qc.CleanupBatch,
	}, campaignStore, queueApp.NewCampaignHandler(pendingRepo, registry, qc.MaxAttempts, qc.CampaignRate, qc.CampaignBurst).Handle)

	reconciler = queueApp.NewReconciler(pendingRepo, scheduleQueue, campaignQueue, locker, queueApp.ReconcilerConfig{
		CampaignInterval: appConfig.Reconciler.CampaignInterval,
		ScheduleInterval: appConfig.Reconciler.ScheduleInterval,
		LockTTL:          appConfig.Reconciler.LockTTL,
	})

	bootstrap = connApp.NewBootstrap(
		tenantRepo,
		supervisor,
		appConfig.App.StartupDelay,
		appConfig.App.BootstrapParallel,
		scheduleQueue,
		campaignQueue,
		reconciler,
	)
	return nil
}

func jobStores() (job.Store, job.Store) {
	if appConfig.Queue.Store == "memory" {
		logrus.Warn("[QUEUE] Using in-memory job store, jobs do not survive a restart")
		return queueRepo.NewMemoryJobStore(), queueRepo.NewMemoryJobStore()
	}
	// One table serves both queues; rows are partitioned by kind.
	store := queueRepo.NewJobGormStore(db)
	return store, store
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// StopApp shuts the runtime down: the reconciler first so nothing new is
// enqueued, then the queues so running sends finish on live sessions, then
// the sessions and shared connections.
func StopApp(ctx context.Context) {
	logrus.Info("[APP] Stopping application...")

	if reconciler != nil {
		reconciler.Stop()
	}
	var g errgroup.Group
	for _, q := range []*queueApp.Queue{scheduleQueue, campaignQueue} {
		if q == nil {
			continue
		}
		g.Go(func() error {
			q.Stop(ctx)
			return nil
		})
	}
	_ = g.Wait()
	if supervisor != nil {
		supervisor.Shutdown(ctx)
	}
	stopBackground()

	if waContainer != nil {
		if err := waContainer.Close(); err != nil {
			logrus.WithError(err).Warn("[APP] Failed to close whatsapp store")
		}
	}
	if vkClient != nil {
		vkClient.Close()
	}
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	logrus.Info("[APP] Application stopped")
}
