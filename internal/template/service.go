// Package template renders reusable message bodies with Liquid at
// enqueue time. Rendering never happens in the send path; a queue item
// always carries fully resolved content.
package template

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/relaymail/dispatch/internal/domain"
)

// Service compiles and renders Liquid templates with caching. Safe for
// concurrent use.
type Service struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// Rendered is a fully resolved message body ready to enqueue.
type Rendered struct {
	Subject  string
	HTMLBody string
	TextBody string
}

// NewService creates a template service with the standard filter set.
func NewService() *Service {
	s := &Service{engine: liquid.NewEngine()}
	s.registerFilters()
	return s
}

func (s *Service) registerFilters() {
	// {{ first_name | default: "Friend" }}
	s.engine.RegisterFilter("default", func(value any, defaultVal string) any {
		if value == nil {
			return defaultVal
		}
		str := fmt.Sprintf("%v", value)
		if str == "" || str == "<nil>" {
			return defaultVal
		}
		return value
	})

	// {{ name | capitalize }}
	s.engine.RegisterFilter("capitalize", func(str string) string {
		if len(str) == 0 {
			return str
		}
		return strings.ToUpper(string(str[0])) + strings.ToLower(str[1:])
	})

	// {{ bio | truncate: 50 }}
	s.engine.RegisterFilter("truncate", func(str string, length int) string {
		if len(str) <= length {
			return str
		}
		if length <= 3 {
			return str[:length]
		}
		return str[:length-3] + "..."
	})

	// {{ email | urlencode }}
	s.engine.RegisterFilter("urlencode", url.QueryEscape)

	// {{ user_input | escape }}
	s.engine.RegisterFilter("escape", html.EscapeString)
}

// Parse compiles a template string, returning any syntax error.
func (s *Service) Parse(source string) error {
	_, err := s.engine.ParseString(source)
	return err
}

// render compiles (or fetches from cache) and renders one source.
func (s *Service) render(cacheKey, source string, vars map[string]any) (string, error) {
	if cacheKey != "" {
		if cached, ok := s.cache.Load(cacheKey); ok {
			return cached.(*liquid.Template).RenderString(vars)
		}
	}
	tpl, err := s.engine.ParseString(source)
	if err != nil {
		return "", err
	}
	if cacheKey != "" {
		s.cache.Store(cacheKey, tpl)
	}
	return tpl.RenderString(vars)
}

// Render resolves a stored template's subject and bodies against the
// given variables. An inactive template or a missing declared variable
// is an error; the caller decides whether to enqueue.
func (s *Service) Render(t *domain.Template, vars map[string]any) (*Rendered, error) {
	if !t.Active {
		return nil, domain.ErrTemplateInactive
	}
	if missing := MissingVariables(t.Variables, vars); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingVariables, strings.Join(missing, ", "))
	}

	key := t.ID.String()
	subject, err := s.render(key+":subject", t.Subject, vars)
	if err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	htmlBody, err := s.render(key+":html", t.HTMLBody, vars)
	if err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}
	var textBody string
	if t.TextBody != "" {
		textBody, err = s.render(key+":text", t.TextBody, vars)
		if err != nil {
			return nil, fmt.Errorf("render text body: %w", err)
		}
	}
	return &Rendered{Subject: subject, HTMLBody: htmlBody, TextBody: textBody}, nil
}

// Invalidate drops a template's cached compilations after an update.
func (s *Service) Invalidate(templateID string) {
	s.cache.Delete(templateID + ":subject")
	s.cache.Delete(templateID + ":html")
	s.cache.Delete(templateID + ":text")
}

// MissingVariables returns the declared variables absent from vars,
// sorted for stable error messages.
func MissingVariables(declared []string, vars map[string]any) []string {
	var missing []string
	for _, name := range declared {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

var varPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*?)(?:\s*\||\s*\}\})`)

var liquidKeywords = map[string]bool{
	"if": true, "elsif": true, "else": true, "endif": true,
	"for": true, "endfor": true, "unless": true, "endunless": true,
	"case": true, "when": true, "endcase": true,
	"assign": true, "capture": true, "endcapture": true,
	"true": true, "false": true, "nil": true, "empty": true,
	"forloop": true,
}

// ExtractVariables lists the top-level variable names referenced by a
// template source, for storing on the template record.
func ExtractVariables(sources ...string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, src := range sources {
		for _, match := range varPattern.FindAllStringSubmatch(src, -1) {
			name := strings.TrimSpace(match[1])
			if root := strings.SplitN(name, ".", 2)[0]; liquidKeywords[root] {
				continue
			}
			top := strings.SplitN(name, ".", 2)[0]
			if !seen[top] {
				seen[top] = true
				names = append(names, top)
			}
		}
	}
	sort.Strings(names)
	return names
}
