// README: Change-notification bus selection by driver name.
package infra

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"ridelink/internal/pubsub"
)

const busPrefix = "ridelink:"

// NewBus returns the bus for driver. The redis driver needs a client.
func NewBus(driver, natsURL string, client *redis.Client) (pubsub.Bus, error) {
	switch driver {
	case "memory":
		return pubsub.NewMemoryBus(), nil
	case "nats":
		bus, err := pubsub.NewNATSBus(natsURL)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("bus driver redis needs a redis client")
		}
		return pubsub.NewRedisBus(client, busPrefix), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", driver)
	}
}
