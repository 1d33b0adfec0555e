// Package transports registers every built-in transport with the default
// registry. Import it for its side effects.
package transports

import (
	_ "github.com/drblury/streamrelay/transport/aws"
	_ "github.com/drblury/streamrelay/transport/channel"
	_ "github.com/drblury/streamrelay/transport/http"
	_ "github.com/drblury/streamrelay/transport/kafka"
	_ "github.com/drblury/streamrelay/transport/nats"
	_ "github.com/drblury/streamrelay/transport/rabbitmq"
)
