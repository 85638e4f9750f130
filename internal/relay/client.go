package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CalebKiragu/coinmeadow-agent/internal/domain"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Client talks to the relay over HTTP for request/response calls and
// websocket for live streams.
type Client struct {
	wsBase   string // ws:// or wss://
	httpBase string // derived http:// or https://
	self     string // own address, used as sender on outbound messages
	client   *http.Client
	logger   *slog.Logger
}

// NewClient creates a relay client. relayURL is the websocket base, e.g.
// "ws://relay.example.com/relay"; request/response calls use the same host
// over HTTP.
func NewClient(relayURL, selfAddress string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}

	httpURL := *u
	switch u.Scheme {
	case "ws":
		httpURL.Scheme = "http"
	case "wss":
		httpURL.Scheme = "https"
	default:
		return nil, fmt.Errorf("relay url must use ws or wss scheme, got %q", u.Scheme)
	}

	return &Client{
		wsBase:   strings.TrimRight(u.String(), "/"),
		httpBase: strings.TrimRight(httpURL.String(), "/"),
		self:     selfAddress,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}, nil
}

// CanMessage reports whether peer is reachable on the network.
func (c *Client) CanMessage(ctx context.Context, peer string) (bool, error) {
	endpoint := c.httpBase + "/can-message?peer=" + url.QueryEscape(peer)
	var result struct {
		CanMessage bool `json:"can_message"`
	}
	if err := c.getJSON(ctx, endpoint, &result); err != nil {
		return false, fmt.Errorf("can-message check: %w", err)
	}
	return result.CanMessage, nil
}

// NewConversation opens (or resumes) the conversation with peer.
func (c *Client) NewConversation(ctx context.Context, peer string) (PeerConversation, error) {
	endpoint := c.httpBase + "/conversations"
	body, err := json.Marshal(map[string]string{"peer": peer})
	if err != nil {
		return nil, fmt.Errorf("marshal conversation request: %w", err)
	}

	var created struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.postJSON(ctx, endpoint, body, &created); err != nil {
		return nil, fmt.Errorf("open conversation with %s: %w", peer, err)
	}

	return &conversation{client: c, peer: peer, id: created.ConversationID}, nil
}

type conversation struct {
	client *Client
	peer   string
	id     string
}

func (cv *conversation) Peer() string { return cv.peer }

// Messages fetches the conversation history from the relay.
func (cv *conversation) Messages(ctx context.Context) ([]domain.Message, error) {
	endpoint := cv.client.httpBase + "/conversations/" + url.PathEscape(cv.id) + "/messages"
	var msgs []domain.Message
	if err := cv.client.getJSON(ctx, endpoint, &msgs); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return msgs, nil
}

// StreamMessages opens the live stream. Messages are delivered on the
// returned channel until the stream ends; any transport error closes the
// channel and the stream is not reconnected.
func (cv *conversation) StreamMessages(ctx context.Context) (<-chan domain.Message, error) {
	streamURL := cv.client.wsBase + "/conversations/" + url.PathEscape(cv.id) + "/stream"
	conn, _, err := websocket.Dial(ctx, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial message stream: %w", err)
	}
	// History frames can be large.
	conn.SetReadLimit(1 << 20)

	out := make(chan domain.Message)
	go func() {
		defer close(out)
		defer func() {
			if closeErr := conn.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
				cv.client.logger.Debug("Failed to close stream socket", "error", closeErr)
			}
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				// Transport error or cancellation: the stream terminates and
				// the caller must start a fresh conversation to resume.
				cv.client.logger.Warn("Message stream ended", "peer", cv.peer, "error", err)
				return
			}
			var msg domain.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				cv.client.logger.Warn("Dropping malformed stream frame", "peer", cv.peer, "error", err)
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Send publishes text to the conversation and returns the sent message.
func (cv *conversation) Send(ctx context.Context, text string) (domain.Message, error) {
	msg := domain.Message{
		ID:               uuid.NewString(),
		SenderAddress:    cv.client.self,
		RecipientAddress: cv.peer,
		SentAt:           time.Now().UTC(),
		Content:          text,
		ConversationID:   cv.id,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("marshal outbound message: %w", err)
	}
	endpoint := cv.client.httpBase + "/conversations/" + url.PathEscape(cv.id) + "/messages"
	if err := cv.client.postJSON(ctx, endpoint, body, nil); err != nil {
		return domain.Message{}, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, result)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close relay response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
