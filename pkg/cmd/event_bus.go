package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/flowstate-dev/flowstate/pkg/channels/gochannel"
	"github.com/flowstate-dev/flowstate/pkg/channels/kafka"
	"github.com/flowstate-dev/flowstate/pkg/config"
	"github.com/flowstate-dev/flowstate/pkg/eventbus"
)

// NewEventBus builds the lifecycle event transport selected by config. The
// "none" driver returns a nil bus; the manager treats that as silence.
func NewEventBus(cfg config.EventBusConfig, logger *slog.Logger) (eventbus.EventBus, error) {
	switch cfg.Driver {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), "flowstate", cfg.Brokers)
		if err != nil {
			return nil, fmt.Errorf("create kafka channel: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("create gochannel: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported event bus driver %q", cfg.Driver)
	}
}
