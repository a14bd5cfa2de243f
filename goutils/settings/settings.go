package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"github.com/swagftw/gi"
)

const (
	DefaultIntervalMins = 5
	DefaultMaxBuilds    = 50
	DefaultOutputDir    = "dist/build"
	DefaultLedgerFile   = "meta.json"
)

type (
	RateLimiter struct {
		Burst          int `json:"burst"`
		RequestsPerSec int `json:"req_per_sec"`
	}

	Github struct {
		Owner string `json:"owner" validate:"required"`
		Repo  string `json:"repo" validate:"required"`
		Token string `json:"token"`
		// BaseURL points the client at a GitHub Enterprise or test API, must end with "/".
		BaseURL           string       `json:"base_url"`
		BranchCacheTTL    int          `json:"branch_cache_ttl_secs"`
		ArchiveRetryCount int          `json:"archive_retry_count"`
		RateLimiter       *RateLimiter `json:"rate_limit,omitempty"`
	}

	Toolchain struct {
		// commands are argv lists, "{project}" is replaced by the extracted project directory.
		InstallCommand []string `json:"install_command"`
		BuildCommand   []string `json:"build_command"`
		OutputDir      string   `json:"output_dir"`
	}

	Variants struct {
		Connections []string `json:"connections"`
		BuildTypes  []string `json:"build_types"`
	}

	Redis struct {
		Host     string `json:"host" validate:"required"`
		Port     int    `json:"port" validate:"required"`
		Db       int    `json:"db"`
		Password string `json:"password"`
		PoolSize int    `json:"pool_size"`
	}

	Rabbitmq struct {
		User     string `json:"user"`
		Password string `json:"password"`
		Host     string `json:"host" validate:"required"`
		Port     int    `json:"port" validate:"required"`
		Setup    struct {
			Core struct {
				Exchange string `json:"exchange"`
			} `json:"core"`
			BuildEvents struct {
				RoutingKeyPrefix string `json:"routing_key_prefix"`
			} `json:"build_events"`
		} `json:"setup"`
		RetryCount int `json:"retry_count"`
	}

	HTTPClient struct {
		MaxIdleConns        int `json:"max_idle_conns"`
		MaxConnsPerHost     int `json:"max_conns_per_host"`
		MaxIdleConnsPerHost int `json:"max_idle_conns_per_host"`
		IdleConnTimeout     int `json:"idle_conn_timeout"`
		ConnectionTimeout   int `json:"connection_timeout"`
		RetryMax            int `json:"retry_max"`
	}

	Reporting struct {
		SlackWebhookURL string `json:"slack_webhook_url"`
		IssueEndpoint   string `json:"issue_endpoint"`
	}

	Healthcheck struct {
		Port     int    `json:"port"`
		Endpoint string `json:"endpoint"`
	}
)

type SettingsObj struct {
	InstanceId string `json:"instance_id"`
	// Builds is the output root holding one directory per branch.
	Builds string `json:"builds" validate:"required"`
	Port   int    `json:"port" validate:"required,min=1,max=65535"`
	// Interval between reconciliation passes in minutes, 0 disables periodic passes.
	Interval       *int         `json:"interval" validate:"omitempty,min=0"`
	HostName       string       `json:"host_name"`
	CertsDir       string       `json:"certs_dir"`
	MaxBuilds      int          `json:"max_builds" validate:"min=0"`
	LedgerPath     string       `json:"ledger_path"`
	StaticSegments []string     `json:"static_segments"`
	Concurrency    int          `json:"concurrency"`
	Github         *Github      `json:"github" validate:"required"`
	Toolchain      *Toolchain   `json:"toolchain"`
	Variants       *Variants    `json:"variants"`
	HttpClient     *HTTPClient  `json:"http_client"`
	Redis          *Redis       `json:"redis,omitempty"`
	Rabbitmq       *Rabbitmq    `json:"rabbitmq,omitempty"`
	Reporting      *Reporting   `json:"reporting"`
	Healthcheck    *Healthcheck `json:"healthcheck"`
}

var ErrInvalidSettings = errors.New("invalid settings")

// ConfigDir returns the directory settings.json is read from.
func ConfigDir() string {
	dir := strings.TrimSuffix(os.Getenv("CONFIG_PATH"), "/")
	if dir == "" {
		dir = "."
	}

	return dir
}

// LoadSettings reads, defaults and validates the settings file at settingsFilePath.
// A missing file yields an object built from defaults only, so that every value can come from flags.
func LoadSettings(settingsFilePath string, overrides ...func(*SettingsObj)) (*SettingsObj, error) {
	settingsObj := new(SettingsObj)

	log.Info("reading settings:", settingsFilePath)

	data, err := os.ReadFile(settingsFilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.WithField("path", settingsFilePath).Warn("settings file not found, using defaults and flags")
	case err != nil:
		return nil, fmt.Errorf("cannot read settings file: %w", err)
	default:
		log.Debug("settings json data is ", string(data))

		if err = json.Unmarshal(data, settingsObj); err != nil {
			return nil, fmt.Errorf("cannot unmarshal the settings json: %w", err)
		}
	}

	for _, override := range overrides {
		override(settingsObj)
	}

	SetDefaults(settingsObj, filepath.Dir(settingsFilePath))

	if err = validator.New().Struct(settingsObj); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSettings, err.Error())
	}

	return settingsObj, nil
}

// ParseSettings loads the settings file, applies the overrides and injects the result.
// Invalid settings are fatal.
func ParseSettings(settingsFilePath string, overrides ...func(*SettingsObj)) *SettingsObj {
	log.Debug("parsing settings")

	settingsObj, err := LoadSettings(settingsFilePath, overrides...)
	if err != nil {
		log.WithError(err).Fatal("invalid settings object")
	}

	log.Infof("final Settings Object being used %+v", settingsObj)

	err = gi.Inject(settingsObj)
	if err != nil {
		log.Fatal("cannot inject the settings object", err)
	}

	return settingsObj
}

// SetDefaults sets the default values for the settings object
// add default values in this function if required
func SetDefaults(settingsObj *SettingsObj, configDir string) {
	settingsObj.Builds = strings.TrimSuffix(settingsObj.Builds, "/")

	if settingsObj.Interval == nil {
		interval := DefaultIntervalMins
		settingsObj.Interval = &interval
	}

	if settingsObj.MaxBuilds == 0 {
		settingsObj.MaxBuilds = DefaultMaxBuilds
	}

	if settingsObj.LedgerPath == "" {
		settingsObj.LedgerPath = filepath.Join(configDir, DefaultLedgerFile)
	}

	if len(settingsObj.StaticSegments) == 0 {
		settingsObj.StaticSegments = []string{"img", "css", "fonts", "js", "bower_components", "node_modules"}
	}

	if settingsObj.Concurrency <= 0 {
		settingsObj.Concurrency = 4
	}

	if settingsObj.Github == nil {
		settingsObj.Github = new(Github)
	}

	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		settingsObj.Github.Token = token
	}

	if settingsObj.Github.BranchCacheTTL == 0 {
		settingsObj.Github.BranchCacheTTL = 60
	}

	if settingsObj.Github.ArchiveRetryCount == 0 {
		settingsObj.Github.ArchiveRetryCount = 3
	}

	if settingsObj.Github.RateLimiter == nil {
		settingsObj.Github.RateLimiter = &RateLimiter{Burst: 5, RequestsPerSec: 1}
	}

	if settingsObj.Toolchain == nil {
		settingsObj.Toolchain = new(Toolchain)
	}

	if len(settingsObj.Toolchain.InstallCommand) == 0 {
		settingsObj.Toolchain.InstallCommand = []string{"npm", "--prefix", "{project}", "install"}
	}

	if len(settingsObj.Toolchain.BuildCommand) == 0 {
		settingsObj.Toolchain.BuildCommand = []string{
			"{project}/node_modules/.bin/gulp", "--gulpfile", "{project}/gulpfile.js", "all",
		}
	}

	if settingsObj.Toolchain.OutputDir == "" {
		settingsObj.Toolchain.OutputDir = DefaultOutputDir
	}

	if settingsObj.Variants == nil {
		settingsObj.Variants = new(Variants)
	}

	if len(settingsObj.Variants.Connections) == 0 {
		settingsObj.Variants.Connections = []string{"mainnet", "testnet"}
	}

	if len(settingsObj.Variants.BuildTypes) == 0 {
		settingsObj.Variants.BuildTypes = []string{"dev", "normal", "min"}
	}

	if settingsObj.HttpClient == nil {
		settingsObj.HttpClient = &HTTPClient{
			MaxIdleConns:        10,
			MaxConnsPerHost:     10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     90,
			ConnectionTimeout:   60,
		}
	}

	if settingsObj.HttpClient.RetryMax == 0 {
		settingsObj.HttpClient.RetryMax = 5
	}

	if settingsObj.Reporting == nil {
		settingsObj.Reporting = new(Reporting)
	}

	if settingsObj.Reporting.SlackWebhookURL == "" {
		log.Warning("slack webhook url is not set, build failures will not be reported to slack")
	}

	if settingsObj.Rabbitmq != nil && settingsObj.Rabbitmq.Setup.Core.Exchange == "" {
		settingsObj.Rabbitmq.Setup.Core.Exchange = "ci-dashboard"
	}

	if settingsObj.Rabbitmq != nil && settingsObj.Rabbitmq.RetryCount == 0 {
		settingsObj.Rabbitmq.RetryCount = 3
	}

	// for local testing
	if val, err := strconv.ParseBool(os.Getenv("LOCAL_TESTING")); err == nil && val {
		if settingsObj.Redis != nil {
			settingsObj.Redis.Host = "localhost"
		}

		if settingsObj.Rabbitmq != nil {
			settingsObj.Rabbitmq.Host = "localhost"
		}
	}

	if settingsObj.Healthcheck == nil {
		settingsObj.Healthcheck = new(Healthcheck)
	}

	if settingsObj.Healthcheck.Endpoint == "" {
		settingsObj.Healthcheck.Endpoint = "/health"
	}

	if settingsObj.Healthcheck.Port == 0 {
		settingsObj.Healthcheck.Port = 9000
	}
}

// TLSEnabled reports whether the server should listen with the key pair from CertsDir.
func (s *SettingsObj) TLSEnabled() bool {
	return s.CertsDir != ""
}

func (s *SettingsObj) KeyFile() string {
	return filepath.Join(s.CertsDir, "key.pem")
}

func (s *SettingsObj) CertFile() string {
	return filepath.Join(s.CertsDir, "cert.pem")
}
