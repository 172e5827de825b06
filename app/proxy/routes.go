package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"

	"github.com/dghubble/trie"
	"gopkg.in/yaml.v2"

	"github.com/mpraski/admission-gateway/app/authentication"
)

type (
	routes struct{ t *trie.PathTrie }

	route struct {
		target         *url.URL
		rateLimit      rateLimit
		prefix         string
		rewrite        string
		authentication string
	}

	match struct {
		path  string
		route *route
	}

	configRoute struct {
		Prefix         string           `yaml:"prefix"`
		Target         *string          `yaml:"target"`
		Rewrite        *string          `yaml:"rewrite"`
		Authentication *string          `yaml:"authentication"`
		RateLimit      *configRateLimit `yaml:"rateLimit"`
		Routes         []configRoute    `yaml:"routes,flow"`
	}
)

var (
	ErrUnknownScheme = errors.New("unknown authentication scheme")
	ErrNoTarget      = errors.New("route has no target")
)

func parseRoutes(configDataSource io.Reader, schemes authentication.Schemes) (*routes, error) {
	var c struct {
		Routes []configRoute `yaml:"routes,flow"`
	}

	if err := yaml.NewDecoder(configDataSource).Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config data: %w", err)
	}

	pathTrie := trie.NewPathTrie()

	if err := addRoutes(pathTrie, "/", nil, c.Routes, schemes); err != nil {
		return nil, fmt.Errorf("failed to add routes: %w", err)
	}

	return &routes{t: pathTrie}, nil
}

// addRoutes registers r under p. Nested routes inherit the target, rewrite,
// authentication scheme and rate limit category of their parent a.
func addRoutes(t *trie.PathTrie, p string, a *route, r []configRoute, schemes authentication.Schemes) error {
	for i := range r {
		if r[i].Prefix == "" {
			continue
		}

		c := route{prefix: path.Join(p, r[i].Prefix)}

		if a != nil {
			c.target = a.target
			c.rewrite = a.rewrite
			c.authentication = a.authentication
		}

		if r[i].Target != nil {
			u, err := url.Parse(*r[i].Target)
			if err != nil {
				return fmt.Errorf("failed to parse target of %q: %w", c.prefix, err)
			}

			c.target = u
		}

		if r[i].Rewrite != nil {
			c.rewrite = *r[i].Rewrite
		}

		if r[i].Authentication != nil {
			c.authentication = *r[i].Authentication
		}

		var parent *rateLimit
		if a != nil {
			parent = &a.rateLimit
		}

		l, err := parseRateLimit(r[i].RateLimit, parent)
		if err != nil {
			return fmt.Errorf("failed to parse rate limit of %q: %w", c.prefix, err)
		}

		c.rateLimit = l

		if err := c.validate(schemes); err != nil {
			return fmt.Errorf("route %q is invalid: %w", c.prefix, err)
		}

		if !t.Put(c.prefix, &c) {
			return fmt.Errorf("route %q is already mapped", c.prefix)
		}

		if err := addRoutes(t, c.prefix, &c, r[i].Routes, schemes); err != nil {
			return err
		}
	}

	return nil
}

func (r *route) validate(schemes authentication.Schemes) error {
	if r.target == nil {
		return ErrNoTarget
	}

	if r.authentication != "" {
		if _, ok := schemes[r.authentication]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownScheme, r.authentication)
		}
	}

	return nil
}

// match finds the longest registered prefix of p and applies its rewrite.
func (r *routes) match(p string) (match, bool) {
	var (
		l int
		t *route
		e = r.t.WalkPath(p, func(key string, value interface{}) error {
			//nolint:errcheck //always known
			t = value.(*route)
			l = len(key)

			return nil
		})
	)

	if e != nil || t == nil {
		return match{}, false
	}

	m := match{path: p, route: t}

	if t.rewrite != "" {
		m.path = singleJoiningSlash(t.rewrite, p[l:])
	}

	return m, true
}
