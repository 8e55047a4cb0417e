package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Synthesizer produces a WAV byte stream for a text segment.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// SoVITSConfig configures the GPT-SoVITS HTTP client.
type SoVITSConfig struct {
	Host            string
	Port            int
	RefAudioPath    string
	PromptText      string
	TextLang        string
	PromptLang      string
	TextSplitMethod string
	SpeedFactor     float64
	SampleSteps     int

	GPTWeightsPath    string
	SovitsWeightsPath string
}

// SoVITSClient synthesizes speech through a GPT-SoVITS api_v2 server.
type SoVITSClient struct {
	baseURL    string
	cfg        SoVITSConfig
	httpClient *http.Client
}

// NewSoVITSClient creates a client for the given server.
func NewSoVITSClient(cfg SoVITSConfig) *SoVITSClient {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 9880
	}
	return &SoVITSClient{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		cfg:     cfg,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// SetWeights points the server at the configured model weights. Safe
// to skip when the paths are empty; the server then keeps whatever it
// has loaded.
func (c *SoVITSClient) SetWeights(ctx context.Context) error {
	if c.cfg.GPTWeightsPath != "" {
		if err := c.getOK(ctx, "/set_gpt_weights", "weights_path", c.cfg.GPTWeightsPath); err != nil {
			return fmt.Errorf("set gpt weights: %w", err)
		}
	}
	if c.cfg.SovitsWeightsPath != "" {
		if err := c.getOK(ctx, "/set_sovits_weights", "weights_path", c.cfg.SovitsWeightsPath); err != nil {
			return fmt.Errorf("set sovits weights: %w", err)
		}
	}
	return nil
}

func (c *SoVITSClient) getOK(ctx context.Context, path, key, value string) error {
	u := c.baseURL + path + "?" + url.Values{key: {value}}.Encode()
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// ttsRequest is the api_v2 /tts request body.
type ttsRequest struct {
	Text            string  `json:"text"`
	TextLang        string  `json:"text_lang"`
	RefAudioPath    string  `json:"ref_audio_path"`
	PromptText      string  `json:"prompt_text"`
	PromptLang      string  `json:"prompt_lang"`
	TextSplitMethod string  `json:"text_split_method,omitempty"`
	SpeedFactor     float64 `json:"speed_factor,omitempty"`
	SampleSteps     int     `json:"sample_steps,omitempty"`
	MediaType       string  `json:"media_type"`
	StreamingMode   bool    `json:"streaming_mode"`
}

// Synthesize requests streaming WAV audio for text. The caller owns
// the returned body and must close it.
func (c *SoVITSClient) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	body := ttsRequest{
		Text:            text,
		TextLang:        c.cfg.TextLang,
		RefAudioPath:    c.cfg.RefAudioPath,
		PromptText:      c.cfg.PromptText,
		PromptLang:      c.cfg.PromptLang,
		TextSplitMethod: c.cfg.TextSplitMethod,
		SpeedFactor:     c.cfg.SpeedFactor,
		SampleSteps:     c.cfg.SampleSteps,
		MediaType:       "wav",
		StreamingMode:   true,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/tts", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(b))
	}
	return resp.Body, nil
}
