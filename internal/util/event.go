package util

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/nats-io/nats.go"
)

// RespondJSON serializes payload and answers a request/reply message.
func RespondJSON(msg *nats.Msg, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return msg.Respond(data)
}

// RequestJSON performs a request/reply round trip decoding the response
// into out.
func RequestJSON(nc *nats.Conn, subject string, payload any, timeout time.Duration, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := nc.Request(subject, data, timeout)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", subject, err)
	}
	return nil
}
