package rpcclient

import "github.com/google/uuid"

func newCorrelationID() string {
	return uuid.NewString()
}
