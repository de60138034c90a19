package events

import (
	"fmt"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/config"
)

// FromConfig builds the configured bus backend. kv is the pub/sub transport
// for the redis backend; it may be nil for the others.
func FromConfig(cfg config.EventBusConfig, kv PubSubClient) (Bus, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBus(), nil
	case "redis":
		if kv == nil {
			return nil, fmt.Errorf("event bus backend %q requires a redis connection", cfg.Backend)
		}
		return NewRedisBus(kv, cfg.ChannelPrefix), nil
	case "pubsub":
		return NewPubSubBus(cfg.PubSubProject, cfg.PubSubTopic)
	default:
		return nil, fmt.Errorf("unknown event bus backend %q", cfg.Backend)
	}
}
