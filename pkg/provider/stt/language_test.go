package stt_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/fluentia/pkg/provider/stt"
)

func TestBaseLanguage(t *testing.T) {
	tests := map[string]string{
		"pt-BR":      "pt",
		"pt_br":      "pt",
		"EN-us":      "en",
		"de":         "de",
		"zh-Hant-TW": "zh",
		"":           "",
		"  es  ":     "es",
	}
	for in, want := range tests {
		if got := stt.BaseLanguage(in); got != want {
			t.Errorf("BaseLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMatchLanguage(t *testing.T) {
	configured := []string{"pt-BR", "en-US"}
	if got := stt.MatchLanguage("pt", configured); got != "pt-BR" {
		t.Errorf("got %q, want pt-BR", got)
	}
	if got := stt.MatchLanguage("EN", configured); got != "en-US" {
		t.Errorf("got %q, want en-US", got)
	}
	if got := stt.MatchLanguage("fr", configured); got != "fr" {
		t.Errorf("got %q, want fr", got)
	}
	if got := stt.MatchLanguage("", configured); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestStreamConfigLanguages(t *testing.T) {
	cfg := stt.StreamConfig{Language: "pt-BR", AlternateLanguages: []string{"en-US", "", "PT-br"}}
	want := []string{"pt-BR", "en-US"}
	if got := cfg.Languages(); !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	opts := stt.TranscribeOptions{AlternateLanguages: []string{"en-US"}}
	if got := opts.Languages(); !slices.Equal(got, []string{"en-US"}) {
		t.Errorf("got %v, want [en-US]", got)
	}
}
