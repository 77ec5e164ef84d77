package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fentz26/simqueue/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the simqueue API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// GetQueue fetches a queue by id
func (c *Client) GetQueue(id string) (*models.Queue, error) {
	var q models.Queue
	if err := c.get("/queue/"+id, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// GetQueueByNegotiation fetches the active queue of a negotiation
func (c *Client) GetQueueByNegotiation(negotiationID string) (*models.Queue, error) {
	var q models.Queue
	if err := c.get("/queue/by-negotiation/"+negotiationID, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// ListRuns fetches the runs of a queue
func (c *Client) ListRuns(queueID string) ([]models.Run, error) {
	var runs []models.Run
	if err := c.get("/queue/"+queueID+"/runs", &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// QueueAction posts start, pause, resume, stop or retry for a queue
func (c *Client) QueueAction(queueID, action string) error {
	_, err := c.post("/queue/"+queueID+"/"+action, map[string]interface{}{})
	return err
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}
	return health.OK, nil
}

// Subscribe opens the progress websocket for a negotiation. Events are
// delivered on the returned channel until the connection drops.
func (c *Client) Subscribe(negotiationID string) (<-chan models.Event, func(), error) {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("connect websocket: %w", err)
	}
	if err := conn.WriteJSON(map[string]string{
		"type":          "subscribe_negotiation",
		"negotiationId": negotiationID,
	}); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	events := make(chan models.Event, 64)
	go func() {
		defer close(events)
		for {
			var e models.Event
			if err := conn.ReadJSON(&e); err != nil {
				return
			}
			// Acks carry no timestamp.
			if e.Timestamp.IsZero() {
				continue
			}
			events <- e
		}
	}()
	return events, func() { conn.Close() }, nil
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", strings.TrimSpace(string(body)))
	}

	return body, nil
}
