package courier

import (
	"github.com/google/uuid"
	"github.com/nats-io/nuid"
)

// generateCorrelationID returns a random UUID. Correlation ids must be
// unique across every process on the bus.
func generateCorrelationID() string {
	return uuid.NewString()
}

// generateInstanceID identifies one channel instance. It only needs to be
// unique among the instances of a service and is safe in a subject token.
func generateInstanceID() string {
	return nuid.Next()
}
