package resolver

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule maps a keyword to a canned reply.
type Rule struct {
	Keyword string `yaml:"keyword"`
	Reply   string `yaml:"reply"`
}

// Catalog holds every fixed reply the widget can produce without a webhook.
// Rules are matched in declaration order.
type Catalog struct {
	Rules    []Rule   `yaml:"rules"`
	Defaults []string `yaml:"defaults"`
	Errors   []string `yaml:"errors"`
	Fallback string   `yaml:"fallback"`
}

// DefaultFallback is used when the webhook answers without a reply field.
const DefaultFallback = "Sorry, I couldn't generate a response."

// DefaultCatalog returns the built-in reply table.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Rules: []Rule{
			{Keyword: "hello", Reply: "Hello! Glad you're here. How can I assist you today?"},
			{Keyword: "hi", Reply: "Hi! I'm the portfolio assistant. How can I help you?"},
			{Keyword: "help", Reply: "Happy to help! You can ask about experience, projects, or AI services."},
			{Keyword: "ai", Reply: "AI integration is the core focus here, with hands-on work in n8n, Claude, and LangChain."},
			{Keyword: "experience", Reply: "The experience section covers AI consulting, esports management, and founding companies."},
			{Keyword: "contact", Reply: "You can get in touch through the contact form on this page or via LinkedIn."},
			{Keyword: "projects", Reply: "Current projects include an AI education hub, esports ventures, and a consulting company."},
			{Keyword: "startplatz", Reply: "STARTPLATZ AI HUB is a central hub for AI education in Germany."},
			{Keyword: "thanks", Reply: "You're welcome! Is there anything else I can help with?"},
		},
		Defaults: []string{
			"That's an interesting question! AI integration is exactly the kind of thing I can point you to.",
			"For specific questions about AI projects, I recommend getting in touch directly.",
			"The expertise here includes n8n, Claude, and LangChain. Feel free to browse the projects.",
			"Questions about AI strategy and implementation are welcome through the contact form.",
		},
		Errors: []string{
			"Sorry, there was a technical problem. Please try again later.",
			"I can't respond right now. Please use the contact form instead.",
			"There seems to be a connection issue. Please try again in a moment.",
		},
		Fallback: DefaultFallback,
	}
}

// LoadCatalog reads a YAML reply table from path. Fields left empty in the
// file keep their built-in values.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML reply table.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file Catalog
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := DefaultCatalog()
	if len(file.Rules) > 0 {
		c.Rules = file.Rules
	}
	if len(file.Defaults) > 0 {
		c.Defaults = file.Defaults
	}
	if len(file.Errors) > 0 {
		c.Errors = file.Errors
	}
	if strings.TrimSpace(file.Fallback) != "" {
		c.Fallback = file.Fallback
	}

	for i := range c.Rules {
		c.Rules[i].Keyword = strings.ToLower(strings.TrimSpace(c.Rules[i].Keyword))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that the catalog can answer every case.
func (c *Catalog) Validate() error {
	var errs []error
	for i, r := range c.Rules {
		if r.Keyword == "" {
			errs = append(errs, fmt.Errorf("rule %d: keyword cannot be empty", i))
		}
		if r.Reply == "" {
			errs = append(errs, fmt.Errorf("rule %d (%q): reply cannot be empty", i, r.Keyword))
		}
	}
	if len(c.Defaults) == 0 {
		errs = append(errs, errors.New("defaults cannot be empty"))
	}
	if len(c.Errors) == 0 {
		errs = append(errs, errors.New("errors cannot be empty"))
	}
	if c.Fallback == "" {
		errs = append(errs, errors.New("fallback cannot be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid catalog: %w", errors.Join(errs...))
	}
	return nil
}

// Match returns the reply of the first rule whose keyword occurs in message,
// compared case-insensitively.
func (c *Catalog) Match(message string) (string, bool) {
	lower := strings.ToLower(message)
	for _, r := range c.Rules {
		if strings.Contains(lower, r.Keyword) {
			return r.Reply, true
		}
	}
	return "", false
}
