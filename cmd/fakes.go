package cmd

import (
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/internal/test/fakes"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// NewFakeDependencies creates in-memory fakes for local development. A single
// credential is seeded so a client can connect without an identity service:
// token "local-token" authenticates as "local-user".
func NewFakeDependencies(logger zerolog.Logger) realtime.ServiceDependencies {
	logger.Warn().Msg("Running in 'local' mode. All external dependencies will be faked.")

	verifier := fakes.NewVerifier()
	verifier.Users["local-token"] = "local-user"

	return realtime.ServiceDependencies{
		Registry: fakes.NewRegistry(),
		Bus:      fakes.NewBus(),
		Broker:   fakes.NewBroker(),
		Gateway:  fakes.NewGateway(),
		Store:    fakes.NewStore(),
		Verifier: verifier,
	}
}
