package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/glowread/read-gateway/internal/config"
	"github.com/glowread/read-gateway/internal/observability"
	"github.com/glowread/read-gateway/internal/resilience"
)

// ErrBackendUnavailable indicates the speech backend cannot serve requests.
// It is a recoverable condition for the host process but terminal for the
// session that hit it.
var ErrBackendUnavailable = errors.New("speech backend unavailable")

// Client implements Synthesizer against an HTTP speech backend.
// A synthesis request is never retried: retrying mid-utterance would
// desynchronize timing. The circuit breaker only makes failures fail fast.
type Client struct {
	config     *config.Config
	apiURL     string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

// synthesisRequest is the request payload of the speech backend contract
type synthesisRequest struct {
	Text         string  `json:"text"`
	Voice        string  `json:"voice"`
	Speed        float64 `json:"speed,omitempty"`
	OutputFormat string  `json:"output_format,omitempty"`
}

// synthesisResponse is the response payload of the speech backend contract
type synthesisResponse struct {
	Audio      string          `json:"audio"` // Base64 encoded
	Duration   float64         `json:"duration"`
	Timestamps []WordTimestamp `json:"timestamps"`
}

// NewClient creates a new speech backend client
func NewClient(cfg *config.Config) *Client {
	return &Client{
		config: cfg,
		apiURL: cfg.SpeechBackendURL,
		apiKey: cfg.SpeechAPIKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.SpeechTimeout) * time.Second,
		},
		breaker: resilience.NewCircuitBreaker(
			"speech-backend",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		logger: observability.GetLogger().With().Str("component", "speech").Logger(),
	}
}

// Synthesize converts chunk text to audio with word timestamps
func (c *Client) Synthesize(ctx context.Context, text string) (*SynthesisResult, error) {
	var result *SynthesisResult

	err := c.breaker.Call(func() error {
		res, err := c.doSynthesize(ctx, text)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if c.breaker.GetState() == resilience.StateOpen {
			observability.UpdateCircuitBreakerState("speech-backend", int(resilience.StateOpen))
			observability.IncrementCircuitBreakerFailures("speech-backend")
		}
		return nil, err
	}

	observability.UpdateCircuitBreakerState("speech-backend", int(c.breaker.GetState()))
	return result, nil
}

func (c *Client) doSynthesize(ctx context.Context, text string) (*SynthesisResult, error) {
	reqBody := synthesisRequest{
		Text:         text,
		Voice:        c.config.SpeechVoice,
		Speed:        c.config.SpeechSpeed,
		OutputFormat: c.config.SpeechOutputFormat,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/synthesize", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Error().
			Int("status", resp.StatusCode).
			Str("body", string(body)).
			Msg("Speech backend returned error status")
		return nil, fmt.Errorf("speech backend returned status %d", resp.StatusCode)
	}

	var synthResp synthesisResponse
	if err := json.NewDecoder(resp.Body).Decode(&synthResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	audio, err := base64.StdEncoding.DecodeString(synthResp.Audio)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio payload: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("speech backend returned empty audio")
	}

	duration := synthResp.Duration
	if duration == 0 && len(synthResp.Timestamps) > 0 {
		// Backends that omit duration still report word end times
		duration = synthResp.Timestamps[len(synthResp.Timestamps)-1].EndTime
	}

	c.logger.Debug().
		Int("audio_bytes", len(audio)).
		Int("timestamps", len(synthResp.Timestamps)).
		Float64("duration", duration).
		Msg("Synthesis completed")

	return &SynthesisResult{
		Audio:      audio,
		Duration:   duration,
		Timestamps: synthResp.Timestamps,
	}, nil
}

// Probe checks that the backend is reachable and able to serve requests.
// Unlike synthesis, probing retries with backoff: no utterance is in flight
// yet, so retrying cannot desynchronize anything.
func (c *Client) Probe(ctx context.Context) error {
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/health", nil)
		if err != nil {
			return fmt.Errorf("failed to create probe request: %w", err)
		}
		req.Header.Set("x-api-key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: probe returned status %d", ErrBackendUnavailable, resp.StatusCode)
		}
		return nil
	}

	return resilience.Retry(attempt, &resilience.RetryConfig{
		MaxAttempts:       c.config.SpeechProbeAttempts,
		InitialBackoff:    time.Duration(c.config.ProbeInitialBackoff) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}, resilience.IsRetryableNetworkError)
}

// Close releases client resources
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
