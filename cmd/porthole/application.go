package main

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/dig"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/portholeapp/porthole/gateway"
	"github.com/portholeapp/porthole/gateway/agent"
	"github.com/portholeapp/porthole/log"
	"github.com/portholeapp/porthole/stats"
)

const (
	ConfigHTTPAddr     = "http.addr"
	ConfigApiEnabled   = "api.enabled"
	ConfigProxyEnabled = "proxy.enabled"
	ConfigPprofEnabled = "pprof.enabled"

	ConfigGatewayPublicDomain       = "gateway.public_domain"
	ConfigGatewayAllowedEmailDomain = "gateway.allowed_email_domain"

	ConfigScanRanges       = "scan.ranges"
	ConfigScanBatchSize    = "scan.batch_size"
	ConfigScanProbeTimeout = "scan.probe_timeout"
	ConfigResolveTimeout   = "resolve.timeout"

	ConfigCommands = "commands"

	ConfigAgentEnabled        = "agent.enabled"
	ConfigAgentExecutable     = "agent.executable"
	ConfigAgentControlAddr    = "agent.control_addr"
	ConfigAgentSettleInterval = "agent.settle_interval"
	ConfigAgentStartGrace     = "agent.start_grace"
	ConfigAgentPolicyPath     = "agent.policy_path"

	ConfigLogLevel   = "log.level"
	ConfigLogFormat  = "log.format"
	ConfigStatsdAddr = "statsd.addr"
)

func initDefaults(config *viper.Viper) {
	config.SetDefault(ConfigHTTPAddr, ":8080")
	config.SetDefault(ConfigApiEnabled, true)
	config.SetDefault(ConfigProxyEnabled, true)

	config.SetDefault(ConfigScanRanges, []string{"3000-3999", "8000-8999"})
	config.SetDefault(ConfigScanBatchSize, 50)
	config.SetDefault(ConfigScanProbeTimeout, 500*time.Millisecond)
	config.SetDefault(ConfigResolveTimeout, 3*time.Second)

	config.SetDefault(ConfigAgentEnabled, true)
	config.SetDefault(ConfigAgentExecutable, "ngrok")
	config.SetDefault(ConfigAgentControlAddr, "127.0.0.1:4040")
	config.SetDefault(ConfigAgentSettleInterval, 2*time.Second)
	config.SetDefault(ConfigAgentStartGrace, 5*time.Second)
	config.SetDefault(ConfigAgentPolicyPath, filepath.Join(os.TempDir(), "porthole", "policy.yml"))

	config.SetDefault(ConfigLogLevel, "info")
	config.SetDefault(ConfigLogFormat, "text")
}

// startApplication boots the application dependency injection framework and executes the bootFuncs
func startApplication(bootFuncs ...interface{}) error {
	app := fx.New(
		fx.Provide(
			// Viper configuration management.
			newConfig,
			// Loggers: zap for application components, logrus for the HTTP
			// request middleware and stats event mirroring.
			newLogger,
			newLogrus,
			// Parsed, validated gateway configuration.
			newGatewayConfig,
			// Report metrics and events to a statsd collector.
			newStats,
			// Expose an HTTP server for anything that needs it.
			newHTTPServer,
			// Healthcheck registry. Reports status over HTTP.
			newHealthcheck,
			// Tunneling agent session manager.
			newAgentManager,
			// Gateway operations: scanner, lifecycle controller, proxy.
			newGatewayAPI,
		),

		fx.Invoke(bootFuncs...),

		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	go func() {
		if err := app.Start(startCtx); err != nil {
			switch v := dig.RootCause(err).(type) {
			case configError:
				log.Get().Fatalf("Config error: %v", v)
			default:
				log.Get().Fatalf("Startup error: %v", v)
			}
		}

		log.Get().Named("Porthole").Infow("Start", zap.String("version", version))
	}()

	<-app.Done()

	log.Get().Named("Porthole").Infow("Stop")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := app.Stop(stopCtx); err != nil {
		log.Get().Fatalf("Shutdown error: %v", dig.RootCause(err))
	}

	return nil
}

type configError struct {
	msg string
}

func (e configError) Error() string {
	return e.msg
}

func newConfigError(parts ...string) error {
	return configError{strings.Join(parts, " ")}
}

func newConfig() (*viper.Viper, error) {
	config := viper.New()
	config.AutomaticEnv()
	config.SetEnvPrefix("PORTHOLE")
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Optional config file, e.g. /etc/porthole/config.yml
	if path := os.Getenv("PORTHOLE_CONFIG"); path != "" {
		config.SetConfigFile(path)
		if err := config.ReadInConfig(); err != nil {
			return nil, newConfigError("could not read config file:", err.Error())
		}
	}

	initDefaults(config)
	return config, nil
}

func newLogger(config *viper.Viper) *log.Logger {
	log.Init(config.GetString(ConfigLogLevel), config.GetString(ConfigLogFormat))
	return log.Get()
}

func newLogrus(config *viper.Viper) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(config.GetString(ConfigLogLevel)); err == nil {
		logger.SetLevel(level)
	}
	if config.GetString(ConfigLogFormat) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// newGatewayConfig parses and validates the static gateway configuration.
// It is loaded once here and never hot-reloaded.
func newGatewayConfig(config *viper.Viper) (gateway.Config, error) {
	_, portStr, err := net.SplitHostPort(config.GetString(ConfigHTTPAddr))
	if err != nil {
		return gateway.Config{}, newConfigError(ConfigHTTPAddr, "is not host:port:", err.Error())
	}
	gatewayPort, err := strconv.Atoi(portStr)
	if err != nil {
		return gateway.Config{}, newConfigError(ConfigHTTPAddr, "port is not numeric")
	}

	var ranges []gateway.PortRange
	for _, spec := range config.GetStringSlice(ConfigScanRanges) {
		r, err := gateway.ParsePortRange(spec)
		if err != nil {
			return gateway.Config{}, newConfigError(ConfigScanRanges, err.Error())
		}
		ranges = append(ranges, r)
	}

	var commands []gateway.QuickLaunchCommand
	if err := config.UnmarshalKey(ConfigCommands, &commands); err != nil {
		return gateway.Config{}, newConfigError(ConfigCommands, err.Error())
	}

	gatewayConfig := gateway.Config{
		GatewayPort:        gatewayPort,
		PublicDomain:       config.GetString(ConfigGatewayPublicDomain),
		AllowedEmailDomain: config.GetString(ConfigGatewayAllowedEmailDomain),
		Ranges:             ranges,
		ScanBatchSize:      config.GetInt(ConfigScanBatchSize),
		ProbeTimeout:       config.GetDuration(ConfigScanProbeTimeout),
		ResolveTimeout:     config.GetDuration(ConfigResolveTimeout),
		Commands:           commands,
	}
	if err := gatewayConfig.Validate(); err != nil {
		return gateway.Config{}, newConfigError(err.Error())
	}
	return gatewayConfig, nil
}

func newAgentManager(config *viper.Viper, gatewayConfig gateway.Config, logger *log.Logger, st stats.Stats) *agent.Manager {
	client := &agent.Client{
		BaseURL: agent.ControlURL(config.GetString(ConfigAgentControlAddr)),
	}
	return agent.NewManager(agent.Options{
		Executable:         config.GetString(ConfigAgentExecutable),
		ControlURL:         client.BaseURL,
		GatewayPort:        gatewayConfig.GatewayPort,
		PublicDomain:       gatewayConfig.PublicDomain,
		AllowedEmailDomain: gatewayConfig.AllowedEmailDomain,
		PolicyPath:         config.GetString(ConfigAgentPolicyPath),
		SettleInterval:     config.GetDuration(ConfigAgentSettleInterval),
		StartGrace:         config.GetDuration(ConfigAgentStartGrace),
	}, client, logger.Named("Agent"), st.WithPrefix("agent"))
}

func newGatewayAPI(gatewayConfig gateway.Config, manager *agent.Manager, logger *log.Logger, st stats.Stats) gateway.API {
	resolver := gateway.Resolver{Timeout: gatewayConfig.ResolveTimeout}

	return gateway.API{
		Scanner: &gateway.Scanner{
			Ranges:       gatewayConfig.Ranges,
			ExcludePort:  gatewayConfig.GatewayPort,
			BatchSize:    gatewayConfig.ScanBatchSize,
			ProbeTimeout: gatewayConfig.ProbeTimeout,
			Resolver:     resolver,
			Log:          logger.Named("Scanner"),
			Stats:        st,
		},
		Controller: &gateway.Controller{
			Commands: gatewayConfig.Commands,
			Resolver: resolver,
			Log:      logger.Named("Controller"),
			Stats:    st,
		},
		Tunnels: manager,
		Proxy: &gateway.Proxy{
			Log:   logger.Named("Proxy"),
			Stats: st,
		},
		Log:   logger.Named("API"),
		Stats: st,
	}
}

func newHTTPServer(lc fx.Lifecycle, config *viper.Viper, logrusLogger *logrus.Logger, st stats.Stats, logger *log.Logger) *mux.Router {
	router := mux.NewRouter()
	server := &http.Server{Addr: config.GetString(ConfigHTTPAddr), Handler: router}

	httpLogger := logger.Named("HTTP")

	// Log every request.
	router.Use(LoggingMiddleware(logrusLogger, st))

	// Conditionally enable pprof profiling
	if config.GetBool(ConfigPprofEnabled) {
		router.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
		router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		router.HandleFunc("/debug/pprof/profile", pprof.Profile)
		router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			httpLogger.Infow("Start", zap.String("addr", server.Addr))
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					httpLogger.Errorw("HTTP Listener", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})

	return router
}

// newHealthcheck provides a healthcheck registry and attaches it to the HTTP server
func newHealthcheck(router *mux.Router) *healthcheckManager {
	mgr := newHealthcheckManager()
	router.Handle("/healthcheck", mgr)
	return mgr
}

// newStats initializes a Stats client for the server
func newStats(config *viper.Viper, logrusLogger *logrus.Logger) (stats.Stats, error) {
	var statsdClient statsd.ClientInterface

	if statsdAddr := config.GetString(ConfigStatsdAddr); statsdAddr != "" {
		var err error
		statsdClient, err = statsd.New(statsdAddr, statsd.WithMaxBytesPerPayload(4096))
		if err != nil {
			return stats.Stats{}, errors.Wrap(err, "could not initialize statsd client")
		}
	} else {
		statsdClient = &statsd.NoOpClient{}
	}

	st := stats.New(statsdClient, logrusLogger).WithPrefix(name)
	if version != "" {
		st = st.WithTags(stats.Tags{"version": version})
	}
	return st, nil
}
