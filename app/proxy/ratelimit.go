package proxy

import (
	"errors"
	"strings"

	"github.com/mpraski/admission-gateway/app/ratelimit"
)

type (
	// rateLimit assigns a route's requests to a category. When methods is
	// set, other methods fall through to the parent's category.
	rateLimit struct {
		category ratelimit.Category
		methods  map[string]struct{}
		fallback ratelimit.Category
	}

	configRateLimit struct {
		Category *string  `yaml:"category"`
		Methods  []string `yaml:"methods,flow"`
	}
)

var (
	errCategoryEmpty = errors.New("category cannot be empty")
	errMethodEmpty   = errors.New("method cannot be empty")
)

var _ ratelimit.Classifier = rateLimit{}

func parseRateLimit(c *configRateLimit, parent *rateLimit) (rateLimit, error) {
	var l rateLimit

	if parent != nil {
		l.category = parent.category
		l.fallback = parent.category
	}

	if c == nil {
		if parent != nil {
			return *parent, nil
		}

		return l, nil
	}

	if c.Category != nil {
		if *c.Category == "" {
			return rateLimit{}, errCategoryEmpty
		}

		l.category = ratelimit.Category(*c.Category)
	}

	if len(c.Methods) > 0 {
		l.methods = make(map[string]struct{}, len(c.Methods))

		for _, m := range c.Methods {
			m = strings.ToUpper(strings.TrimSpace(m))
			if m == "" {
				return rateLimit{}, errMethodEmpty
			}

			l.methods[m] = struct{}{}
		}
	}

	return l, nil
}

func (l rateLimit) Classify(method, _ string) ratelimit.Category {
	if l.methods != nil {
		if _, ok := l.methods[strings.ToUpper(method)]; !ok {
			return l.fallback
		}
	}

	return l.category
}
