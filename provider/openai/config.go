package openai

// Config holds connection parameters for an OpenAI-compatible endpoint.
type Config struct {
	BaseURL   string            `json:"base_url,omitempty"`
	APIKey    string            `json:"api_key,omitempty"`
	Model     string            `json:"model,omitempty"`
	MaxTokens int               `json:"max_tokens,omitempty"`
	Timeout   int               `json:"timeout,omitempty"` // seconds
	Headers   map[string]string `json:"headers,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults. APIKey and Model
// must be supplied by the caller.
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://api.openai.com/v1",
		Timeout: 120,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.BaseURL != "" {
		c.BaseURL = source.BaseURL
	}
	if source.APIKey != "" {
		c.APIKey = source.APIKey
	}
	if source.Model != "" {
		c.Model = source.Model
	}
	if source.MaxTokens > 0 {
		c.MaxTokens = source.MaxTokens
	}
	if source.Timeout > 0 {
		c.Timeout = source.Timeout
	}
	if len(source.Headers) > 0 {
		c.Headers = source.Headers
	}
}
