package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const DefaultExpoURL = "https://exp.host/--/api/v2/push/send"

// ExpoPusher sends pushes through the Expo push service.
type ExpoPusher struct {
	client      *fasthttp.Client
	url         string
	accessToken string
	timeout     time.Duration
}

type ExpoOption func(*ExpoPusher)

// WithExpoURL overrides the endpoint. Tests point it at a local server.
func WithExpoURL(url string) ExpoOption { return func(p *ExpoPusher) { p.url = url } }

func WithExpoAccessToken(tok string) ExpoOption {
	return func(p *ExpoPusher) { p.accessToken = tok }
}

func WithExpoClient(c *fasthttp.Client) ExpoOption { return func(p *ExpoPusher) { p.client = c } }

func NewExpoPusher(timeout time.Duration, opts ...ExpoOption) *ExpoPusher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := &ExpoPusher{
		url:     DefaultExpoURL,
		timeout: timeout,
		client: &fasthttp.Client{
			Name:                "studymate-push",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: time.Minute,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

type expoMessage struct {
	To    []string          `json:"to"`
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound,omitempty"`
}

type expoTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details"`
}

type expoResponse struct {
	Data   []expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Send posts one message addressed to every token of p.UserID. Tickets
// rejected with DeviceNotRegistered come back as a TokenError.
func (e *ExpoPusher) Send(ctx context.Context, p Push) error {
	if len(p.Tokens) == 0 {
		return nil
	}
	body, err := json.Marshal([]expoMessage{{
		To:    p.Tokens,
		Title: p.Title,
		Body:  p.Body,
		Data:  p.Data,
		Sound: "default",
	}})
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(e.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Accept", "application/json")
	if e.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.accessToken)
	}
	req.SetBodyRaw(body)

	deadline := time.Now().Add(e.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("expo push: %w", err)
	}

	var out expoResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil && resp.StatusCode() == fasthttp.StatusOK {
		return fmt.Errorf("expo push: decode response: %w", err)
	}
	if sc := resp.StatusCode(); sc != fasthttp.StatusOK {
		if len(out.Errors) > 0 {
			return fmt.Errorf("expo push: status %d: %s", sc, out.Errors[0].Message)
		}
		return fmt.Errorf("expo push: status %d", sc)
	}

	var (
		dead     []string
		failures []string
	)
	for i, t := range out.Data {
		if t.Status == "ok" {
			continue
		}
		if t.Details.Error == "DeviceNotRegistered" && i < len(p.Tokens) {
			dead = append(dead, p.Tokens[i])
			continue
		}
		failures = append(failures, t.Message)
	}
	if len(failures) > 0 {
		return errors.New("expo push: " + strings.Join(failures, "; "))
	}
	if len(dead) > 0 {
		return TokenError{Tokens: dead}
	}
	return nil
}

// LogPusher writes pushes to the log instead of sending them.
type LogPusher struct {
	Log *slog.Logger
}

func (l LogPusher) Send(ctx context.Context, p Push) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("notify.push", "user_id", p.UserID, "tokens", len(p.Tokens), "title", p.Title, "body", p.Body)
	return nil
}
