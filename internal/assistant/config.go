package assistant

// Config controls how replies are generated.
type Config struct {
	Name            string   // author name of replies and the assistant's persona
	Model           string   // "" = provider default
	MaxTokens       int      // 0 = 4000
	Temperature     *float64 // nil = 0.7
	ContextMessages int      // 0 = 50
	SearchKeywords  []string // nil = DefaultSearchKeywords
	FallbackReply   string   // "" = DefaultFallbackReply
	SystemPrompt    string   // "" = built from Name
}

const (
	DefaultName            = "Bruce"
	DefaultContextMessages = 50
	DefaultMaxTokens       = 4000
	DefaultTemperature     = 0.7
	DefaultFallbackReply   = "Sorry, I couldn't come up with a reply this time."
)

// DefaultSearchKeywords enable web search when found anywhere in the
// triggering message (case-insensitive substring match).
var DefaultSearchKeywords = []string{"such", "search", "aktuell", "news", "heute", "neueste"}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Temperature == nil {
		t := DefaultTemperature
		c.Temperature = &t
	}
	if c.ContextMessages <= 0 {
		c.ContextMessages = DefaultContextMessages
	}
	if c.SearchKeywords == nil {
		c.SearchKeywords = DefaultSearchKeywords
	}
	if c.FallbackReply == "" {
		c.FallbackReply = DefaultFallbackReply
	}
	return c
}
