package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LessonsChanged is set when any lessons setting changed. The catalogue
	// is then read again even if only the evaluation interval moved.
	LessonsChanged bool

	// TranscribeChanged is set when any batch timeout or body limit changed.
	TranscribeChanged bool

	// SpeechLanguagesChanged is set when the recognition languages changed.
	// New speech sessions use the new pair; open ones keep theirs.
	SpeechLanguagesChanged bool

	// RestartRequired lists sections that changed but cannot be applied live.
	RestartRequired []string
}

// IsEmpty reports whether nothing relevant changed.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.LessonsChanged && !d.TranscribeChanged &&
		!d.SpeechLanguagesChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Lessons != new.Lessons {
		d.LessonsChanged = true
	}
	if old.Transcribe != new.Transcribe {
		d.TranscribeChanged = true
	}
	if old.Speech.PrimaryLanguage != new.Speech.PrimaryLanguage ||
		old.Speech.AuxiliaryLanguage != new.Speech.AuxiliaryLanguage {
		d.SpeechLanguagesChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}
	if old.Speech.DefaultSampleRate != new.Speech.DefaultSampleRate ||
		old.Speech.MaxSessionDuration != new.Speech.MaxSessionDuration {
		d.RestartRequired = append(d.RestartRequired, "speech")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}

	return d
}

// sameProviders compares the provider sections field by field. Entries carry
// option maps and cannot be compared with ==.
func sameProviders(a, b ProvidersConfig) bool {
	if !sameEntry(a.LLM, b.LLM) {
		return false
	}
	if a.STT.Streaming != b.STT.Streaming || a.STT.DefaultBatch != b.STT.DefaultBatch {
		return false
	}
	if a.CircuitBreaker != b.CircuitBreaker || !slices.Equal(a.STT.Fallbacks, b.STT.Fallbacks) {
		return false
	}
	return slices.EqualFunc(a.STT.Backends, b.STT.Backends, sameEntry) &&
		slices.EqualFunc(a.LLMFallbacks, b.LLMFallbacks, sameEntry)
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	return len(a.Options) == len(b.Options) && (len(a.Options) == 0 || reflect.DeepEqual(a.Options, b.Options))
}
