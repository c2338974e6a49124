// Package core provides the canonical structured-key shape shared by the
// smart indices and the query planner.
//
// A structured key has the form `namespace.seg...` with an optional modifier
// suffix, either bracketed (`page.header.title<de,prod>`) or in shorthand
// (`page.title@de`). Modifiers are order-independent and fall into four
// closed categories plus free-form custom values.
package core

import (
	"fmt"
	"strings"
)

// Segment count limits for structured keys.
const (
	MinSegments = 2
	MaxSegments = 8
)

// Closed modifier categories. 每个类别最多出现一次.
var (
	languages = map[string]bool{
		"de": true, "en": true, "fr": true, "es": true, "it": true,
		"nl": true, "pt": true, "pl": true, "ru": true, "ja": true,
		"zh": true, "ko": true, "sv": true, "da": true, "fi": true,
		"no": true, "cs": true, "tr": true, "ar": true, "uk": true,
	}
	environments = map[string]bool{
		"dev": true, "test": true, "stage": true, "staging": true,
		"prod": true, "local": true,
	}
	seasons = map[string]bool{
		"spring": true, "summer": true, "autumn": true, "winter": true,
		"christmas": true, "easter": true,
	}
	variants = map[string]bool{
		"mobile": true, "desktop": true, "tablet": true, "amp": true,
		"print": true,
	}
)

// Modifiers holds the classified modifier set of a structured key.
type Modifiers struct {
	Language    string   `json:"language,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Season      string   `json:"season,omitempty"`
	Variant     string   `json:"variant,omitempty"`
	Custom      []string `json:"custom,omitempty"`
}

// IsEmpty reports whether no modifier is set.
func (m *Modifiers) IsEmpty() bool {
	return m.Language == "" && m.Environment == "" && m.Season == "" &&
		m.Variant == "" && len(m.Custom) == 0
}

// KeyIndex 指向当前表的一行：解析后的结构化键 + 行号
type KeyIndex struct {
	Row       int       `json:"row"`
	Key       string    `json:"key"`
	Namespace string    `json:"namespace"`
	Hierarchy []string  `json:"hierarchy"`
	Modifiers Modifiers `json:"modifiers"`
}

// ErrInvalidKey reports a structured key that failed canonical parsing.
type ErrInvalidKey struct {
	Key    string
	Reason string
}

func (e *ErrInvalidKey) Error() string {
	return fmt.Sprintf("invalid key %q: %s", e.Key, e.Reason)
}

// ParseKey parses a structured key into its canonical shape. Row is left
// zero; callers indexing a table assign it afterwards.
func ParseKey(key string) (*KeyIndex, error) {
	if key == "" {
		return nil, &ErrInvalidKey{Key: key, Reason: "empty key"}
	}

	path := key
	var rawMods []string

	// Bracketed modifier suffix: ns.a.b<de,prod>
	if i := strings.IndexByte(path, '<'); i >= 0 {
		if !strings.HasSuffix(path, ">") {
			return nil, &ErrInvalidKey{Key: key, Reason: "unterminated modifier list"}
		}
		rawMods = splitModifiers(path[i+1 : len(path)-1])
		path = path[:i]
	} else if i := strings.LastIndexByte(path, '@'); i >= 0 {
		// Shorthand suffix: ns.a.b@de or ns.a.b@de,prod
		rawMods = splitModifiers(path[i+1:])
		path = path[:i]
	}

	segments := strings.Split(path, ".")
	if len(segments) < MinSegments || len(segments) > MaxSegments {
		return nil, &ErrInvalidKey{
			Key:    key,
			Reason: fmt.Sprintf("expected %d-%d segments, got %d", MinSegments, MaxSegments, len(segments)),
		}
	}
	for _, seg := range segments {
		if !validSegment(seg) {
			return nil, &ErrInvalidKey{Key: key, Reason: fmt.Sprintf("invalid segment %q", seg)}
		}
	}

	mods, err := ClassifyModifiers(rawMods)
	if err != nil {
		return nil, &ErrInvalidKey{Key: key, Reason: err.Error()}
	}

	return &KeyIndex{
		Key:       key,
		Namespace: segments[0],
		Hierarchy: segments,
		Modifiers: *mods,
	}, nil
}

// ClassifyModifiers sorts raw modifier values into the closed categories.
// 每个封闭类别最多一个值; everything else lands in Custom.
func ClassifyModifiers(raw []string) (*Modifiers, error) {
	mods := &Modifiers{}
	for _, m := range raw {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		switch {
		case languages[m]:
			if mods.Language != "" {
				return nil, fmt.Errorf("duplicate language modifier %q", m)
			}
			mods.Language = m
		case environments[m]:
			if mods.Environment != "" {
				return nil, fmt.Errorf("duplicate environment modifier %q", m)
			}
			mods.Environment = m
		case seasons[m]:
			if mods.Season != "" {
				return nil, fmt.Errorf("duplicate season modifier %q", m)
			}
			mods.Season = m
		case variants[m]:
			if mods.Variant != "" {
				return nil, fmt.Errorf("duplicate variant modifier %q", m)
			}
			mods.Variant = m
		default:
			mods.Custom = append(mods.Custom, m)
		}
	}
	return mods, nil
}

// IsLanguage reports whether v belongs to the closed language category.
func IsLanguage(v string) bool { return languages[v] }

// IsEnvironment reports whether v belongs to the closed environment category.
func IsEnvironment(v string) bool { return environments[v] }

// IsSeason reports whether v belongs to the closed season category.
func IsSeason(v string) bool { return seasons[v] }

// IsVariant reports whether v belongs to the closed variant category.
func IsVariant(v string) bool { return variants[v] }

func splitModifiers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
