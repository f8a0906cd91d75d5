// Package extract evaluates declarative field strategies against HTML
// snapshots of detail pages.
//
// A Table maps each field to a Strategy. Strategies come in three kinds:
// attribute reads, text reads and chains that try their children in order
// until one yields a value. Tables are plain data so they can be loaded from
// configuration and exercised against captured fixtures.
package extract

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// Kind tags a Strategy variant.
type Kind string

// Strategy kinds.
const (
	KindAttr  Kind = "attr"
	KindText  Kind = "text"
	KindChain Kind = "chain"
)

// Transform post-processes an extracted value.
type Transform string

// Supported transforms.
const (
	TransformNone      Transform = ""
	TransformFirstWord Transform = "first_word"
	TransformDigits    Transform = "digits"
)

// ErrInvalidStrategy is returned by Validate for malformed strategies.
var ErrInvalidStrategy = errors.New("invalid strategy")

// Strategy describes how to read one value from a document.
type Strategy struct {
	Kind         Kind       `mapstructure:"kind" json:"kind"`
	Selector     string     `mapstructure:"selector" json:"selector,omitempty"`
	Attribute    string     `mapstructure:"attribute" json:"attribute,omitempty"`
	TrimPrefixes []string   `mapstructure:"trim_prefixes" json:"trim_prefixes,omitempty"`
	Transform    Transform  `mapstructure:"transform" json:"transform,omitempty"`
	Strategies   []Strategy `mapstructure:"strategies" json:"strategies,omitempty"`
}

// Option customises an attr or text strategy.
type Option func(*Strategy)

// TrimPrefix strips the first matching prefix from the value.
func TrimPrefix(prefixes ...string) Option {
	return func(s *Strategy) { s.TrimPrefixes = append(s.TrimPrefixes, prefixes...) }
}

// WithTransform sets the post-processing transform.
func WithTransform(t Transform) Option {
	return func(s *Strategy) { s.Transform = t }
}

// Attr reads attribute from the first element matching selector.
func Attr(selector, attribute string, opts ...Option) Strategy {
	s := Strategy{Kind: KindAttr, Selector: selector, Attribute: attribute}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Text reads the whitespace-normalised text of the first element matching selector.
func Text(selector string, opts ...Option) Strategy {
	s := Strategy{Kind: KindText, Selector: selector}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Chain tries strategies in order and returns the first non-empty value.
func Chain(strategies ...Strategy) Strategy {
	return Strategy{Kind: KindChain, Strategies: strategies}
}

// Validate checks the strategy tree and compiles every selector.
func (s Strategy) Validate() error {
	switch s.Kind {
	case KindAttr, KindText:
		if strings.TrimSpace(s.Selector) == "" {
			return fmt.Errorf("%w: %s strategy requires a selector", ErrInvalidStrategy, s.Kind)
		}
		if _, err := cascadia.Compile(s.Selector); err != nil {
			return fmt.Errorf("%w: selector %q: %v", ErrInvalidStrategy, s.Selector, err)
		}
		if s.Kind == KindAttr && strings.TrimSpace(s.Attribute) == "" {
			return fmt.Errorf("%w: attr strategy %q requires an attribute", ErrInvalidStrategy, s.Selector)
		}
		switch s.Transform {
		case TransformNone, TransformFirstWord, TransformDigits:
		default:
			return fmt.Errorf("%w: unknown transform %q", ErrInvalidStrategy, s.Transform)
		}
	case KindChain:
		if len(s.Strategies) == 0 {
			return fmt.Errorf("%w: chain requires at least one strategy", ErrInvalidStrategy)
		}
		for i, child := range s.Strategies {
			if err := child.Validate(); err != nil {
				return fmt.Errorf("chain[%d]: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidStrategy, s.Kind)
	}
	return nil
}

// Apply evaluates the strategy against root.
func (s Strategy) Apply(root *goquery.Selection) (string, bool) {
	switch s.Kind {
	case KindChain:
		for _, child := range s.Strategies {
			if v, ok := child.Apply(root); ok {
				return v, true
			}
		}
		return "", false
	case KindAttr:
		v, ok := root.Find(s.Selector).First().Attr(s.Attribute)
		if !ok {
			return "", false
		}
		return s.finish(v)
	case KindText:
		sel := root.Find(s.Selector).First()
		if sel.Length() == 0 {
			return "", false
		}
		return s.finish(sel.Text())
	default:
		return "", false
	}
}

func (s Strategy) finish(raw string) (string, bool) {
	v := collapseSpace(raw)
	for _, prefix := range s.TrimPrefixes {
		if strings.HasPrefix(v, prefix) {
			v = strings.TrimSpace(strings.TrimPrefix(v, prefix))
			break
		}
	}
	switch s.Transform {
	case TransformFirstWord:
		if fields := strings.Fields(v); len(fields) > 0 {
			v = fields[0]
		}
	case TransformDigits:
		v = strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return r
			}
			return -1
		}, v)
	}
	return v, v != ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
