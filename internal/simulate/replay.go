package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/trustscore/internal/telemetry"
)

const batchSize = 500

// Publisher delivers events out of band, e.g. through Kafka.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, events ...telemetry.Event) error
}

// Result is what the server concluded about a replayed session.
type Result struct {
	SessionID string   `json:"sessionId"`
	Kind      Kind     `json:"kind"`
	Events    int      `json:"events"`
	Level     string   `json:"riskLevel"`
	Decision  string   `json:"decision"`
	Factors   []string `json:"riskFactors"`
}

// Replayer drives generated sessions through the HTTP API.
type Replayer struct {
	baseURL    string
	httpClient *http.Client
	publisher  Publisher
	settle     time.Duration
	logger     *slog.Logger
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithPublisher sends events through p instead of the events endpoint.
// settle is how long to wait for the server to consume them before scoring.
func WithPublisher(p Publisher, settle time.Duration) ReplayerOption {
	return func(r *Replayer) {
		r.publisher = p
		r.settle = settle
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) ReplayerOption {
	return func(r *Replayer) { r.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ReplayerOption {
	return func(r *Replayer) { r.logger = l }
}

// NewReplayer creates a replayer against the server at baseURL.
func NewReplayer(baseURL string, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replay creates the session, delivers its events and biometrics, scores it
// and terminates it.
func (r *Replayer) Replay(ctx context.Context, s Session) (Result, error) {
	var created struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	err := r.do(ctx, http.MethodPost, "/v1/sessions", map[string]any{
		"userId":    s.UserID,
		"ipAddress": s.IP,
		"device":    s.Device,
	}, &created)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create session: %w", err)
	}
	id := created.Session.ID
	base := "/v1/sessions/" + id

	if err := r.deliver(ctx, id, s.Events); err != nil {
		return Result{}, err
	}

	err = r.do(ctx, http.MethodPut, base+"/biometrics", map[string]float64{
		"face_match_score": s.FaceMatch,
		"liveness_score":   s.Liveness,
	}, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to set biometrics: %w", err)
	}

	var assessed struct {
		Assessment struct {
			Level    string   `json:"riskLevel"`
			Decision string   `json:"decision"`
			Factors  []string `json:"riskFactors"`
		} `json:"assessment"`
	}
	if err := r.do(ctx, http.MethodPost, base+"/assess", nil, &assessed); err != nil {
		return Result{}, fmt.Errorf("failed to assess session: %w", err)
	}

	if err := r.do(ctx, http.MethodPost, base+"/terminate", nil, nil); err != nil {
		r.logger.Warn("terminate failed", "session_id", id, "error", err)
	}

	return Result{
		SessionID: id,
		Kind:      s.Kind,
		Events:    len(s.Events),
		Level:     assessed.Assessment.Level,
		Decision:  assessed.Assessment.Decision,
		Factors:   assessed.Assessment.Factors,
	}, nil
}

func (r *Replayer) deliver(ctx context.Context, id string, events []telemetry.Event) error {
	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, id, events...); err != nil {
			return fmt.Errorf("failed to publish events: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.settle):
		}
		return nil
	}

	for start := 0; start < len(events); start += batchSize {
		end := min(start+batchSize, len(events))
		if err := r.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/events", events[start:end], nil); err != nil {
			return fmt.Errorf("failed to send events: %w", err)
		}
	}
	return nil
}

func (r *Replayer) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
