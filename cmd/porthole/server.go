package main

import (
	"context"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/portholeapp/porthole/gateway"
	"github.com/portholeapp/porthole/gateway/agent"
	"github.com/portholeapp/porthole/log"
	"github.com/portholeapp/porthole/stats"
)

var serverCommand = &cobra.Command{
	Use:   "server",
	Short: "porthole server is the entrypoint for the gateway: the scan/control API, the reverse proxy, and the tunneling agent session.",
	RunE:  runServer,
}

// runServer boots the gateway
func runServer(cmd *cobra.Command, args []string) error {
	return startApplication(
		// Run telemetry systems
		runTelemetry,

		// Reconcile the tunneling agent session on boot.
		runAgent,

		// Register control plane HTTP routes.
		registerAPIRoutes,

		// Register the reverse proxy routes.
		registerProxyRoutes,
	)
}

// runAgent reconciles gateway startup with the external tunneling agent. A
// missing agent executable aborts startup; any other failure leaves the
// gateway running without remote access. Disabling the agent entirely runs
// the gateway tunnel-less without registering the session healthcheck.
func runAgent(
	lc fx.Lifecycle,
	config *viper.Viper,
	manager *agent.Manager,
	gatewayConfig gateway.Config,
	logger *log.Logger,
	healthchecks *healthcheckManager,
) error {
	agentLogger := logger.Named("Agent")

	if !config.GetBool(ConfigAgentEnabled) {
		agentLogger.Infow("Agent disabled; running tunnel-less")
		return nil
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			healthchecks.AddCheck("agent_session", manager.Check)

			if err := manager.Reconcile(ctx); err != nil {
				if errors.Is(err, agent.ErrAgentMissing) {
					return err
				}
				agentLogger.Errorw("Agent session unavailable; remote access disabled", zap.Error(err))
			}
			return nil
		},
	})
	return nil
}

// registerAPIRoutes attaches the API routes to the router
func registerAPIRoutes(config *viper.Viper, router *mux.Router, api gateway.API) error {
	if !config.GetBool(ConfigApiEnabled) {
		return nil
	}
	api.ConfigureWebRoutes(router.PathPrefix("/api").Subrouter())
	return nil
}

// registerProxyRoutes attaches the selection and forwarding routes
func registerProxyRoutes(config *viper.Viper, router *mux.Router, api gateway.API, logrusLogger *logrus.Logger, st stats.Stats) error {
	if !config.GetBool(ConfigProxyEnabled) {
		return nil
	}
	api.ConfigureProxyRoutes(router)

	// mux does not run router middleware for the NotFoundHandler, so the
	// bare-path asset forwarder has to be wrapped explicitly to get the
	// same logging and panic recovery as every routed request.
	router.NotFoundHandler = LoggingMiddleware(logrusLogger, st)(router.NotFoundHandler)
	return nil
}
