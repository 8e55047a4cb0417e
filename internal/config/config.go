// Package config handles Aoi configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/aoi/config.yaml, /etc/aoi/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aoi", "config.yaml"))
	}

	paths = append(paths, "/etc/aoi/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Aoi configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Models     ModelsConfig     `yaml:"models"`
	Persona    PersonaConfig    `yaml:"persona"`
	Speech     SpeechConfig     `yaml:"speech"`
	Reflection ReflectionConfig `yaml:"reflection"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	UserID     string           `yaml:"user_id"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // "text" or "json"
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines LLM provider settings.
type ModelsConfig struct {
	Provider  string         `yaml:"provider"` // ollama or deepseek
	Default   string         `yaml:"default"`
	OllamaURL string         `yaml:"ollama_url"`
	DeepSeek  DeepSeekConfig `yaml:"deepseek"`
}

// DeepSeekConfig defines the OpenAI-compatible DeepSeek endpoint.
type DeepSeekConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // default: https://api.deepseek.com
}

// PersonaConfig defines the conversational persona injected into every
// turn. These map 1:1 onto the turn parameters the workflow engine
// threads through its stages.
type PersonaConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	UserName     string `yaml:"user_name"`
	AIName       string `yaml:"ai_name"`
	ChatLanguage string `yaml:"chat_language"`
}

// SpeechConfig defines the GPT-SoVITS speech synthesis backend and the
// playback pipeline parameters.
type SpeechConfig struct {
	Host              string  `yaml:"host"`
	Port              int     `yaml:"port"`
	RefAudioPath      string  `yaml:"ref_audio_path"`
	PromptText        string  `yaml:"prompt_text"`
	TextSplitMethod   string  `yaml:"text_split_method"`
	SpeedFactor       float64 `yaml:"speed_factor"`
	SampleSteps       int     `yaml:"sample_steps"`
	GPTWeightsPath    string  `yaml:"gpt_weights_path"`
	SovitsWeightsPath string  `yaml:"sovits_weights_path"`
	SampleRate        int     `yaml:"sample_rate"`
	// PlaybackPath is the file or FIFO the playback chunks are written
	// to; an external player consumes it. Empty disables speech output.
	PlaybackPath string `yaml:"playback_path"`
	// PlaybackChunkBytes is how many PCM bytes accumulate before a
	// write to the output device. Default 19200 (200ms of 48kHz mono
	// 16-bit audio).
	PlaybackChunkBytes int `yaml:"playback_chunk_bytes"`
	// IdleFlushMillis is how long the segmenter waits with no new text
	// before flushing a partial sentence. Default 500.
	IdleFlushMillis int `yaml:"idle_flush_millis"`
}

// ReflectionConfig defines the delayed episodic-memory reflection.
type ReflectionConfig struct {
	// DelaySeconds is how long after a turn completes before reflection
	// runs. Rapid follow-up turns on the same thread reset the timer so
	// they coalesce into a single reflection. Default 180.
	DelaySeconds int `yaml:"delay_seconds"`
}

// MQTTConfig defines the optional MQTT notification republisher.
// When Broker is empty the notifier is disabled.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Provider:  "ollama",
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
			DeepSeek: DeepSeekConfig{
				BaseURL: "https://api.deepseek.com",
			},
		},
		Persona: PersonaConfig{
			SystemPrompt: "You are a warm, attentive companion.",
			UserName:     "liling",
			AIName:       "Aoi",
			ChatLanguage: "中文",
		},
		Speech: SpeechConfig{
			Host:               "localhost",
			Port:               9880,
			SampleRate:         48000,
			PlaybackChunkBytes: 19200,
			IdleFlushMillis:    500,
			SpeedFactor:        1.0,
		},
		Reflection: ReflectionConfig{DelaySeconds: 180},
		UserID:     "liling",
		DataDir:    "data",
		LogFormat:  "text",
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	switch c.Models.Provider {
	case "", "ollama", "deepseek":
	default:
		return fmt.Errorf("unknown models.provider %q (valid: ollama, deepseek)", c.Models.Provider)
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id must not be empty")
	}
	if c.Speech.PlaybackChunkBytes%2 != 0 {
		return fmt.Errorf("speech.playback_chunk_bytes must be even (16-bit samples)")
	}
	return nil
}
