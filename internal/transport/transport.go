// Package transport implements the sinks lineage events are delivered to.
// Every sink returns errors wrapped with domain.Retryable for transient
// failures; any other error is final for that event.
package transport

import (
	"fmt"
	"net/http"
	"path"
	"strings"

	"lineage-stats/internal/domain"
)

// retryableStatus reports whether an HTTP-style status is worth retrying.
// A zero status means no response was received.
func retryableStatus(code int) bool {
	return code == 0 ||
		code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

// classify wraps err as retryable when status allows another attempt.
func classify(status int, err error) error {
	if err == nil {
		return nil
	}
	if retryableStatus(status) {
		return domain.Retryable(err)
	}
	return err
}

// objectKey lays events out as prefix/yyyy/mm/dd/<event id>.json. The key
// depends only on the event, so a retried put overwrites itself.
func objectKey(prefix string, ev *domain.Event) string {
	day := ev.EventTime.UTC().Format("2006/01/02")
	return strings.TrimPrefix(path.Join(prefix, day, ev.EventID+".json"), "/")
}

func requireEvent(env domain.Envelope) error {
	if env.Event == nil || env.Event.EventID == "" {
		return fmt.Errorf("envelope has no event id")
	}
	if len(env.Payload) == 0 {
		return fmt.Errorf("envelope for event %s has no payload", env.Event.EventID)
	}
	return nil
}
