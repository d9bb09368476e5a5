// Package push sends browser push notifications through the FCM legacy HTTP API.
package push

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// DefaultEndpoint is the FCM legacy send endpoint.
const DefaultEndpoint = "https://fcm.googleapis.com/fcm/send"

var (
	errMissingServerKey = errors.New("push: server key required")
	errNoTokens         = errors.New("push: at least one registration token required")
)

// Sender delivers one notification request to a set of registration tokens.
type Sender interface {
	Send(ctx context.Context, tokens []string) error
}

// FCMConfig configures an FCM sender.
type FCMConfig struct {
	Endpoint   string
	ServerKey  string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// FCMSender posts registration ids to FCM. The service worker supplies the notification text,
// so the request carries no payload.
type FCMSender struct {
	endpoint  string
	serverKey string
	client    *http.Client
	logger    *zap.Logger
}

type sendRequest struct {
	RegistrationIDs []string `json:"registration_ids"`
}

// NewFCMSender validates the configuration and constructs a sender.
func NewFCMSender(cfg FCMConfig) (*FCMSender, error) {
	serverKey := strings.TrimSpace(cfg.ServerKey)
	if serverKey == "" {
		return nil, errMissingServerKey
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FCMSender{endpoint: endpoint, serverKey: serverKey, client: client, logger: logger}, nil
}

// Send issues one request. The response body is logged verbatim whatever the status; there is no retry.
func (s *FCMSender) Send(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return errNoTokens
	}
	payload, err := json.Marshal(sendRequest{RegistrationIDs: tokens})
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "key="+s.serverKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := s.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}
	s.logger.Info("push response",
		zap.Int("status", response.StatusCode),
		zap.Int("tokens", len(tokens)),
		zap.String("body", string(body)))
	return nil
}
