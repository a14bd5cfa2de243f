package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/swagftw/gi"

	"ci-dashboard/caching"
	"ci-dashboard/dashboard/artifacts"
	"ci-dashboard/dashboard/builder"
	"ci-dashboard/dashboard/ledger"
	"ci-dashboard/dashboard/router"
	"ci-dashboard/dashboard/server"
	"ci-dashboard/goutils/githubapi"
	"ci-dashboard/goutils/health"
	"ci-dashboard/goutils/httpclient"
	"ci-dashboard/goutils/logger"
	"ci-dashboard/goutils/redisutils"
	"ci-dashboard/goutils/reporting"
	"ci-dashboard/goutils/settings"
	rabbitmq "ci-dashboard/goutils/taskmgr/rabbitmq"
	"ci-dashboard/goutils/toolchain"
)

var (
	configPath string
	buildsDir  string
	hostName   string
	certsDir   string
	port       int
	interval   int
)

var rootCmd = &cobra.Command{
	Use:   "ci-dashboard",
	Short: "Builds every branch head of a GitHub repository and serves the results",
	Long: `ci-dashboard polls GitHub for branches, builds the head commit of each one
with the configured toolchain and serves every build variant on its own host:

  <branch>.<commit|latest>.<connection>.<buildType>.<apex>`,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "settings file (default is $CONFIG_PATH/settings.json)")
	flags.StringVar(&buildsDir, "builds", "", "directory holding the builds")
	flags.IntVar(&port, "port", 0, "port to serve on")
	flags.IntVar(&interval, "interval", settings.DefaultIntervalMins, "minutes between build passes, 0 disables them")
	flags.StringVar(&hostName, "host", "", "apex host name used for build hosts and redirects")
	flags.StringVar(&certsDir, "certs", "", "directory with key.pem and cert.pem, enables https")
}

func main() {
	logger.InitLogger()

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("ci-dashboard stopped")
	}
}

func run(cmd *cobra.Command, _ []string) error {
	settingsObj := settings.ParseSettings(settingsPath(), func(s *settings.SettingsObj) {
		flags := cmd.Flags()

		if flags.Changed("builds") {
			s.Builds = buildsDir
		}

		if flags.Changed("port") {
			s.Port = port
		}

		if flags.Changed("interval") {
			value := interval
			s.Interval = &value
		}

		if flags.Changed("host") {
			s.HostName = hostName
		}

		if flags.Changed("certs") {
			s.CertsDir = certsDir
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	githubClient, cleanup, err := initGithubClient(settingsObj)
	if err != nil {
		return err
	}
	defer cleanup()

	shutdownPublisher := initPublisher(settingsObj)
	defer shutdownPublisher()

	store := artifacts.NewStore(settingsObj.Builds, settingsObj.Github.Repo, settingsObj.Toolchain.OutputDir)

	if err = injectBuildDeps(settingsObj, githubClient, store); err != nil {
		return err
	}

	b, err := builder.InitBuilder()
	if err != nil {
		return err
	}

	renderer, err := server.NewTemplateRenderer()
	if err != nil {
		return err
	}

	table := router.NewTable()
	server.NewPages(githubClient, store, b, renderer, settingsObj.Variants, settingsObj.Concurrency).Register(table)
	log.WithField("routes", table.Patterns()).Debug("registered page routes")

	dispatcher := server.NewDispatcher(
		router.NewHostParser(settingsObj.HostName, githubClient),
		store,
		table,
		server.NewStaticCache(),
		settingsObj.StaticSegments,
		settingsObj.HostName,
		settingsObj.TLSEnabled(),
	)

	srv := server.NewHTTPServer(settingsObj, server.NewRouter(settingsObj, dispatcher))

	// health check is non-blocking health check http listener
	healthServer := health.HealthCheck(settingsObj.Healthcheck)
	defer healthServer.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 2)

	go func() {
		errChan <- b.Run(ctx)
	}()

	go func() {
		errChan <- server.ListenAndServe(ctx, settingsObj, srv)
	}()

	err = <-errChan
	cancel()

	if second := <-errChan; err == nil {
		err = second
	}

	return err
}

func injectBuildDeps(settingsObj *settings.SettingsObj, githubClient *githubapi.Client, store *artifacts.Store) error {
	if err := gi.Inject(githubClient); err != nil {
		return err
	}

	if err := gi.Inject(toolchain.NewRunner(settingsObj.Toolchain)); err != nil {
		return err
	}

	if err := gi.Inject(reporting.InitIssueReporter(settingsObj)); err != nil {
		return err
	}

	if err := gi.Inject(store); err != nil {
		return err
	}

	return gi.Inject(ledger.NewMetaLedger(settingsObj.LedgerPath, caching.InitDiskCache()))
}

func settingsPath() string {
	if configPath != "" {
		return configPath
	}

	return filepath.Join(settings.ConfigDir(), "settings.json")
}

// initGithubClient builds the GitHub client with the branch list cached in memory and
// commit messages cached in redis when it is configured.
func initGithubClient(settingsObj *settings.SettingsObj) (*githubapi.Client, func(), error) {
	cleanup := func() {}

	memCache := caching.NewInMemoryCache(githubapi.CacheTTL(settingsObj.Github))

	var commitCache caching.DbCache = memCache

	if settingsObj.Redis != nil {
		redisClient, err := redisutils.InitRedisClient(
			settingsObj.Redis.Host,
			settingsObj.Redis.Port,
			settingsObj.Redis.Db,
			settingsObj.Redis.PoolSize,
			settingsObj.Redis.Password,
		)
		if err != nil {
			return nil, cleanup, err
		}

		cleanup = func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(err).Error("error while closing redis client")
			}
		}

		commitCache = caching.NewRedisCache(redisClient)
	}

	githubClient, err := githubapi.NewClient(settingsObj.Github, httpclient.GetDefaultHTTPClient(settingsObj), memCache, commitCache)
	if err != nil {
		cleanup()

		return nil, func() {}, err
	}

	return githubClient, cleanup, nil
}

// initPublisher connects the build event publisher. Build events are optional,
// a broker that cannot be reached only disables them.
func initPublisher(settingsObj *settings.SettingsObj) func() {
	if settingsObj.Rabbitmq == nil {
		return func() {}
	}

	mgr, err := rabbitmq.NewRabbitmqTaskMgr(settingsObj.Rabbitmq)
	if err != nil {
		log.WithError(err).Error("cannot connect to rabbitmq, build events are disabled")

		return func() {}
	}

	if err = gi.Inject(mgr); err != nil {
		log.WithError(err).Error("cannot inject rabbitmq publisher")
	}

	return func() {
		if err := mgr.Shutdown(context.Background()); err != nil {
			log.WithError(err).Error("error while closing rabbitmq connection")
		}
	}
}
