package dispatcher

import "github.com/nulpointcorp/vllm-gateway/internal/model"

// ModelQueueName is the shared per-model queue name, also used as the
// default-exchange routing key.
func ModelQueueName(modelName string) string {
	return modelName
}

// CompletedQueueName is the queue the Sender publishes completion events
// to, per model.
func CompletedQueueName(modelName string) string {
	return modelName + "_completed"
}

// PrivateQueueName is the per-organization private pool queue for a
// model.
func PrivateQueueName(modelName, organization string) string {
	return modelName + "_" + organization + "_private"
}

// ResolveRequeueTarget implements the private-queue handler's routing
// decision: private-first escalates to the shared queue, private-only
// has no fallback (pure defer-and-retry), any other mode returns
// ErrUnknownRoutingMode, which HandlePrivate treats as a protocol error
// (logged, message acked).
func ResolveRequeueTarget(modelName string, mode model.RoutingMode) (target string, ok bool, err error) {
	switch mode {
	case model.RoutingPrivateFirst:
		return ModelQueueName(modelName), true, nil
	case model.RoutingPrivateOnly:
		return "", false, nil
	default:
		return "", false, model.ErrUnknownRoutingMode
	}
}
