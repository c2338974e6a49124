package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		wantNS    string
		wantHier  []string
		wantMods  Modifiers
		wantError bool
	}{
		{
			name:     "plain key",
			key:      "page.header.title",
			wantNS:   "page",
			wantHier: []string{"page", "header", "title"},
		},
		{
			name:     "bracketed modifiers",
			key:      "page.header.title<de,prod>",
			wantNS:   "page",
			wantHier: []string{"page", "header", "title"},
			wantMods: Modifiers{Language: "de", Environment: "prod"},
		},
		{
			name:     "shorthand modifier",
			key:      "page.title@de",
			wantNS:   "page",
			wantHier: []string{"page", "title"},
			wantMods: Modifiers{Language: "de"},
		},
		{
			name:     "custom modifier",
			key:      "menu.home<b2b>",
			wantNS:   "menu",
			wantHier: []string{"menu", "home"},
			wantMods: Modifiers{Custom: []string{"b2b"}},
		},
		{
			name:     "all closed categories",
			key:      "shop.banner.text<en,winter,mobile,stage>",
			wantNS:   "shop",
			wantHier: []string{"shop", "banner", "text"},
			wantMods: Modifiers{Language: "en", Environment: "stage", Season: "winter", Variant: "mobile"},
		},
		{
			name:      "single segment",
			key:       "page",
			wantError: true,
		},
		{
			name:      "too many segments",
			key:       "a.b.c.d.e.f.g.h.i",
			wantError: true,
		},
		{
			name:      "uppercase segment",
			key:       "Page.title",
			wantError: true,
		},
		{
			name:      "duplicate language",
			key:       "page.title<de,en>",
			wantError: true,
		},
		{
			name:      "unterminated modifier list",
			key:       "page.title<de",
			wantError: true,
		},
		{
			name:      "empty key",
			key:       "",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ki, err := ParseKey(tt.key)
			if tt.wantError {
				require.Error(t, err)
				var invalid *ErrInvalidKey
				assert.ErrorAs(t, err, &invalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.key, ki.Key)
			assert.Equal(t, tt.wantNS, ki.Namespace)
			assert.Equal(t, tt.wantHier, ki.Hierarchy)
			assert.Equal(t, tt.wantMods, ki.Modifiers)
		})
	}
}

func TestParseKeySegmentCharset(t *testing.T) {
	ki, err := ParseKey("api-v2.user_list.page-1")
	require.NoError(t, err)
	assert.Equal(t, "api-v2", ki.Namespace)
}

func TestClassifyModifiersOrderIndependent(t *testing.T) {
	a, err := ClassifyModifiers([]string{"de", "prod"})
	require.NoError(t, err)
	b, err := ClassifyModifiers([]string{"prod", "de"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
