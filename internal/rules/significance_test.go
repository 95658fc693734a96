package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lance13c/browzer/internal/config"
)

func TestDefaultFilter(t *testing.T) {
	f := MustDefault()

	tests := []struct {
		name     string
		url      string
		method   string
		resource string
		want     bool
	}{
		{"document", "https://example.com/dashboard", "GET", "Document", true},
		{"api get", "https://example.com/api/users", "GET", "Fetch", true},
		{"graphql", "https://example.com/graphql", "POST", "XHR", true},
		{"form post", "https://example.com/login", "POST", "XHR", true},
		{"static xhr get", "https://example.com/strings.json", "GET", "XHR", false},
		{"analytics host", "https://www.google-analytics.com/g/collect", "POST", "Fetch", false},
		{"analytics subdomain", "https://api.segment.io/v1/t", "POST", "XHR", false},
		{"beacon path", "https://example.com/api/beacon", "POST", "Fetch", false},
		{"image", "https://example.com/logo.png", "GET", "Image", false},
		{"login page not denied", "https://example.com/login", "GET", "Document", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Significant(NewRequest(tt.url, tt.method, tt.resource)))
		})
	}
}

func TestCompileRejectsNonBoolRule(t *testing.T) {
	_, err := Compile(config.SignificanceConfig{Rules: []string{`path + "x"`}})
	require.Error(t, err)

	_, err = Compile(config.SignificanceConfig{Rules: []string{`unknown == 1`}})
	require.Error(t, err)
}

func TestCustomRules(t *testing.T) {
	f, err := Compile(config.SignificanceConfig{
		DenyHosts: []string{"Tracker.example"},
		Rules:     []string{`host endsWith "internal.test" && method == "GET"`},
	})
	require.NoError(t, err)

	assert.True(t, f.Significant(NewRequest("https://svc.internal.test/x", "get", "Other")))
	assert.False(t, f.Significant(NewRequest("https://svc.internal.test/x", "POST", "Other")))
	assert.False(t, f.Significant(NewRequest("https://tracker.example/x", "GET", "Other")))
	assert.Equal(t, []string{`host endsWith "internal.test" && method == "GET"`}, f.Rules())
}

func TestNilFilterIsNeverSignificant(t *testing.T) {
	var f *Filter
	assert.False(t, f.Significant(NewRequest("https://example.com", "GET", "Document")))
}
