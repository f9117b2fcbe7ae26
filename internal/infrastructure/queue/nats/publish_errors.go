package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
	"github.com/kirillkom/ocr-ingest/internal/infrastructure/resilience"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// classifyPublishError maps a failed JetStream publish onto the executor's retry and breaker policy.
func classifyPublishError(err error) resilience.ErrorClassification {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resilience.ErrorClassification{}
	case misconfiguredPublish(err) != "":
		return resilience.ErrorClassification{RecordFailure: true}
	case resilience.IsCircuitOpen(err), transientPublishError(err):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	default:
		return resilience.ErrorClassification{RecordFailure: true}
	}
}

// transientPublishError covers connection loss, a stream that did not ack in time
// and server-side JetStream API failures.
func transientPublishError(err error) bool {
	if errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionReconnecting) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.Code >= 500
}

// misconfiguredPublish names publish failures that no retry can fix.
func misconfiguredPublish(err error) string {
	switch {
	case errors.Is(err, jetstream.ErrStreamNotFound):
		return "enrichment stream does not exist"
	case errors.Is(err, jetstream.ErrJetStreamNotEnabled):
		return "jetstream is not enabled on the server"
	case errors.Is(err, nats.ErrMaxPayload):
		return "job exceeds the server max payload"
	case errors.Is(err, nats.ErrBadSubject):
		return "invalid enrichment subject"
	default:
		return ""
	}
}

// publishError is the error Enqueue returns. Retryable failures become ErrTemporary and
// misconfiguration carries a readable reason for the enqueue_failed log.
func publishError(err error) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if reason := misconfiguredPublish(err); reason != "" {
		return fmt.Errorf("nats publish: %s: %w", reason, err)
	}
	if classifyPublishError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, "nats publish", err)
	}
	return err
}
