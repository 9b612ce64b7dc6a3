package appium

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// w3cElementKey is the W3C WebDriver element reference key
const w3cElementKey = "element-6066-11e4-a52e-4f735466cecf"

var ErrNoSuchElement = errors.New("no such element")

type By string

const (
	ByXPath = By("xpath")
	ByID    = By("id")
)

// Element is a remote element reference
type Element string

// Capabilities describe the automation session to create
type Capabilities struct {
	DeviceName  string
	AppPackage  string
	AppActivity string
}

// Session is the automation driver contract the checker works against
type Session interface {
	FindElement(ctx context.Context, by By, value string) (Element, error)
	Click(ctx context.Context, el Element) error
	Clear(ctx context.Context, el Element) error
	SendKeys(ctx context.Context, el Element, text string) error
	Text(ctx context.Context, el Element) (string, error)
	Attribute(ctx context.Context, el Element, name string) (string, error)
	Source(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	WindowSize(ctx context.Context) (width, height int, err error)
	Tap(ctx context.Context, x, y int) error
	Back(ctx context.Context) error
	StartActivity(ctx context.Context, pkg, activity string) error
	CurrentActivity(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// Client talks W3C WebDriver to an Appium server
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // session creation installs and starts the UiAutomator2 server
		},
	}
}

// NewSession creates an automation session on the device
func (c *Client) NewSession(ctx context.Context, caps Capabilities) (Session, error) {
	reqBody := map[string]interface{}{
		"capabilities": map[string]interface{}{
			"alwaysMatch": map[string]interface{}{
				"platformName":                "Android",
				"appium:automationName":       "UiAutomator2",
				"appium:deviceName":           caps.DeviceName,
				"appium:udid":                 caps.DeviceName,
				"appium:appPackage":           caps.AppPackage,
				"appium:appActivity":          caps.AppActivity,
				"appium:noReset":              true,
				"appium:autoGrantPermissions": true,
				"appium:newCommandTimeout":    600,
			},
		},
	}

	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/session", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("failed to create session: empty session id")
	}

	return &session{client: c, id: resp.SessionID}, nil
}

// do sends a WebDriver command and decodes the "value" member of the reply into out
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var envelope struct {
		Value json.RawMessage `json:"value"`
	}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
		}
	}

	if resp.StatusCode != http.StatusOK {
		var wdErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(envelope.Value, &wdErr)
		if wdErr.Error == "no such element" {
			return ErrNoSuchElement
		}
		return fmt.Errorf("webdriver error (status %d): %s: %s", resp.StatusCode, wdErr.Error, wdErr.Message)
	}

	if out == nil || len(envelope.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Value, out); err != nil {
		return fmt.Errorf("failed to parse value: %w", err)
	}
	return nil
}

type session struct {
	client *Client
	id     string
}

func (s *session) path(format string, args ...interface{}) string {
	return "/session/" + s.id + fmt.Sprintf(format, args...)
}

func (s *session) FindElement(ctx context.Context, by By, value string) (Element, error) {
	var resp map[string]string
	err := s.client.do(ctx, http.MethodPost, s.path("/element"), map[string]string{
		"using": string(by),
		"value": value,
	}, &resp)
	if err != nil {
		return "", err
	}
	id, ok := resp[w3cElementKey]
	if !ok {
		return "", ErrNoSuchElement
	}
	return Element(id), nil
}

func (s *session) Click(ctx context.Context, el Element) error {
	return s.client.do(ctx, http.MethodPost, s.path("/element/%s/click", el), map[string]string{}, nil)
}

func (s *session) Clear(ctx context.Context, el Element) error {
	return s.client.do(ctx, http.MethodPost, s.path("/element/%s/clear", el), map[string]string{}, nil)
}

func (s *session) SendKeys(ctx context.Context, el Element, text string) error {
	return s.client.do(ctx, http.MethodPost, s.path("/element/%s/value", el), map[string]string{"text": text}, nil)
}

func (s *session) Text(ctx context.Context, el Element) (string, error) {
	var text string
	err := s.client.do(ctx, http.MethodGet, s.path("/element/%s/text", el), nil, &text)
	return text, err
}

func (s *session) Attribute(ctx context.Context, el Element, name string) (string, error) {
	var value *string
	if err := s.client.do(ctx, http.MethodGet, s.path("/element/%s/attribute/%s", el, name), nil, &value); err != nil {
		return "", err
	}
	if value == nil {
		return "", nil
	}
	return *value, nil
}

func (s *session) Source(ctx context.Context) (string, error) {
	var source string
	err := s.client.do(ctx, http.MethodGet, s.path("/source"), nil, &source)
	return source, err
}

func (s *session) Screenshot(ctx context.Context) ([]byte, error) {
	var encoded string
	if err := s.client.do(ctx, http.MethodGet, s.path("/screenshot"), nil, &encoded); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot: %w", err)
	}
	return data, nil
}

func (s *session) WindowSize(ctx context.Context) (int, int, error) {
	var rect struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	if err := s.client.do(ctx, http.MethodGet, s.path("/window/rect"), nil, &rect); err != nil {
		return 0, 0, err
	}
	return rect.Width, rect.Height, nil
}

// Tap presses a single finger at (x, y) for 100ms
func (s *session) Tap(ctx context.Context, x, y int) error {
	actions := map[string]interface{}{
		"actions": []map[string]interface{}{
			{
				"type":       "pointer",
				"id":         "finger1",
				"parameters": map[string]string{"pointerType": "touch"},
				"actions": []map[string]interface{}{
					{"type": "pointerMove", "duration": 0, "x": x, "y": y},
					{"type": "pointerDown", "button": 0},
					{"type": "pause", "duration": 100},
					{"type": "pointerUp", "button": 0},
				},
			},
		},
	}
	return s.client.do(ctx, http.MethodPost, s.path("/actions"), actions, nil)
}

func (s *session) Back(ctx context.Context) error {
	return s.client.do(ctx, http.MethodPost, s.path("/back"), map[string]string{}, nil)
}

func (s *session) StartActivity(ctx context.Context, pkg, activity string) error {
	return s.client.do(ctx, http.MethodPost, s.path("/execute/sync"), map[string]interface{}{
		"script": "mobile: startActivity",
		"args":   []map[string]string{{"component": pkg + "/" + activity}},
	}, nil)
}

func (s *session) CurrentActivity(ctx context.Context) (string, error) {
	var activity string
	err := s.client.do(ctx, http.MethodGet, s.path("/appium/device/current_activity"), nil, &activity)
	return activity, err
}

func (s *session) Close(ctx context.Context) error {
	return s.client.do(ctx, http.MethodDelete, "/session/"+s.id, nil, nil)
}
