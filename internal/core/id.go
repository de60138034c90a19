package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewEvaluationID issues an opaque evaluation id. The millisecond timestamp
// prefix keeps lexicographic order approximately chronological; the UUID
// suffix makes collisions between concurrent ingress nodes negligible.
func NewEvaluationID() string {
	now := time.Now().UTC()
	return fmt.Sprintf("eval-%013x-%s", now.UnixMilli(), uuid.New().String()[:12])
}
