// Package notify delivers provider notifications to the reconciler over
// at-least-once transports.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Handler applies one notification payload. reconcile.Service satisfies it.
type Handler interface {
	HandleNotification(ctx context.Context, payload []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte) error

func (f HandlerFunc) HandleNotification(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// Publisher enqueues a notification payload.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = (*StreamPublisher)(nil)
)

// ErrMalformedEnvelope marks a transport frame that cannot be unpacked.
var ErrMalformedEnvelope = errors.New("notify: malformed envelope")

// PushMessage is the message part of a Pub/Sub push request.
type PushMessage struct {
	Data        string            `json:"data"`
	MessageID   string            `json:"messageId"`
	PublishTime string            `json:"publishTime"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// PushEnvelope is the body Pub/Sub posts to push endpoints.
type PushEnvelope struct {
	Message      *PushMessage `json:"message"`
	Subscription string       `json:"subscription"`
}

// DecodePush parses a push request body and returns the decoded message data.
func DecodePush(body []byte) (PushEnvelope, []byte, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Message == nil || env.Message.Data == "" {
		return env, nil, fmt.Errorf("%w: message data missing", ErrMalformedEnvelope)
	}
	data, err := decodeData(env.Message.Data)
	if err != nil {
		return env, nil, err
	}
	return env, data, nil
}

// Payload unwraps raw queue bytes. Records bridged from Pub/Sub may still
// carry the push envelope; anything else is passed through as is.
func Payload(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if !bytes.Contains(trimmed, []byte(`"message"`)) {
		return trimmed, nil
	}
	var probe struct {
		Message *PushMessage `json:"message"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil || probe.Message == nil || probe.Message.Data == "" {
		return trimmed, nil
	}
	return decodeData(probe.Message.Data)
}

func decodeData(s string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: message data is not base64", ErrMalformedEnvelope)
	}
	return data, nil
}

// EncodePush wraps payload in a push envelope, the inverse of DecodePush.
func EncodePush(payload []byte, messageID, subscription string) ([]byte, error) {
	return json.Marshal(PushEnvelope{
		Message: &PushMessage{
			Data:      base64.StdEncoding.EncodeToString(payload),
			MessageID: messageID,
		},
		Subscription: subscription,
	})
}
