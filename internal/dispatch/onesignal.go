package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "beanprepared/pkg/logx"
)

const defaultOneSignalBaseURL = "https://onesignal.com"

// OneSignalConfig holds the provider credentials.
type OneSignalConfig struct {
	AppID      string
	RESTAPIKey string
	BaseURL    string // test override; default onesignal.com
	Timeout    time.Duration
}

// OneSignal sends push notifications through the OneSignal REST API,
// addressing devices by external user id.
type OneSignal struct {
	cfg  OneSignalConfig
	http *http.Client
	log  logx.Logger
}

func NewOneSignal(cfg OneSignalConfig, log logx.Logger) (*OneSignal, error) {
	if strings.TrimSpace(cfg.AppID) == "" {
		return nil, errors.New("onesignal app id is empty")
	}
	if strings.TrimSpace(cfg.RESTAPIKey) == "" {
		return nil, errors.New("onesignal rest api key is empty")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOneSignalBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &OneSignal{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

type oneSignalPayload struct {
	AppID              string            `json:"app_id"`
	IncludeExternalIDs []string          `json:"include_external_user_ids"`
	Headings           map[string]string `json:"headings"`
	Contents           map[string]string `json:"contents"`
	Data               map[string]any    `json:"data,omitempty"`
}

type oneSignalResponse struct {
	ID     string `json:"id"`
	Errors any    `json:"errors"`
}

// Send posts the notification. A non-2xx provider response is a rejection
// (OK=false, no error); transport failures return an error.
func (c *OneSignal) Send(ctx context.Context, n Notification) (Result, error) {
	if len(n.Recipients) == 0 {
		return Result{}, errors.New("no recipients")
	}

	payload := oneSignalPayload{
		AppID:              c.cfg.AppID,
		IncludeExternalIDs: n.Recipients,
		Headings:           map[string]string{"en": n.Title},
		Contents:           map[string]string{"en": n.Body},
		Data:               n.Data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/notifications", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Basic "+c.cfg.RESTAPIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("onesignal request: %w", err)
	}
	defer resp.Body.Close()

	// The interesting part of an error response fits well under this cap.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	res := Result{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
	}
	var parsed oneSignalResponse
	if json.Unmarshal(raw, &parsed) == nil {
		if res.OK {
			res.Detail = parsed.ID
		} else if parsed.Errors != nil {
			res.Detail = fmt.Sprint(parsed.Errors)
		}
	}
	if !res.OK && res.Detail == "" {
		res.Detail = strings.TrimSpace(string(raw))
	}
	return res, nil
}
