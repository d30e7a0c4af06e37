package protocol_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/fluentia/pkg/protocol"
)

func TestSpeechEvent_MarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		ev   protocol.SpeechEvent
		want string
	}{
		{"recognizing", protocol.Recognizing("Eu vou"), `{"event":"recognizing","text":"Eu vou"}`},
		{"recognizing empty", protocol.Recognizing(""), `{"event":"recognizing","text":""}`},
		{"recognized", protocol.Recognized("Eu vou ao mercado", "pt-BR"), `{"event":"recognized","text":"Eu vou ao mercado","detectedLanguage":"pt-BR"}`},
		{"recognized no language", protocol.Recognized("hi", ""), `{"event":"recognized","text":"hi"}`},
		{"nomatch", protocol.NoMatch(), `{"event":"nomatch"}`},
		{"canceled", protocol.Canceled("Error", "quota"), `{"event":"canceled","reason":"Error","error":"quota"}`},
		{"sessionStopped", protocol.SessionStopped(), `{"event":"sessionStopped"}`},
		{"started", protocol.Started(), `{"event":"started"}`},
		{"error", protocol.Error("not configured"), `{"event":"error","message":"not configured"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.ev)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDecodeSpeechEvent(t *testing.T) {
	t.Run("recognized keeps language", func(t *testing.T) {
		ev, err := protocol.DecodeSpeechEvent([]byte(`{"event":"recognized","text":"ola","detectedLanguage":"pt-BR"}`))
		if err != nil {
			t.Fatal(err)
		}
		if ev.DetectedLanguage != "pt-BR" || ev.Text != "ola" {
			t.Errorf("got %+v", ev)
		}
	})

	t.Run("recognizing drops language", func(t *testing.T) {
		ev, err := protocol.DecodeSpeechEvent([]byte(`{"event":"recognizing","text":"ol","detectedLanguage":"pt-BR"}`))
		if err != nil {
			t.Fatal(err)
		}
		if ev.DetectedLanguage != "" {
			t.Errorf("interim event carried language %q", ev.DetectedLanguage)
		}
	})

	for _, bad := range []string{`not json`, `{}`, `{"event":"bogus"}`} {
		t.Run("rejects "+bad, func(t *testing.T) {
			if _, err := protocol.DecodeSpeechEvent([]byte(bad)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSpeechEvent_Terminal(t *testing.T) {
	terminal := map[protocol.EventType]bool{
		protocol.EventRecognizing:    false,
		protocol.EventRecognized:     false,
		protocol.EventNoMatch:        false,
		protocol.EventStarted:        false,
		protocol.EventCanceled:       true,
		protocol.EventSessionStopped: true,
		protocol.EventError:          true,
	}
	for typ, want := range terminal {
		if got := (protocol.SpeechEvent{Event: typ}).Terminal(); got != want {
			t.Errorf("%s: Terminal() = %v, want %v", typ, got, want)
		}
	}
}

func TestDecodeControl(t *testing.T) {
	msg, err := protocol.DecodeControl([]byte(`{"type":"config","sampleRate":16000,"languageCode":"de-DE"}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.SampleRate == nil || *msg.SampleRate != 16000 {
		t.Errorf("sampleRate: got %v", msg.SampleRate)
	}
	if msg.LanguageCode == nil || *msg.LanguageCode != "de-DE" {
		t.Errorf("languageCode: got %v", msg.LanguageCode)
	}

	partial, err := protocol.DecodeControl([]byte(`{"type":"config","languageCode":"pt-BR"}`))
	if err != nil {
		t.Fatal(err)
	}
	if partial.SampleRate != nil {
		t.Error("absent sampleRate should stay nil")
	}

	for _, bad := range []string{
		`{`,
		`{"sampleRate":16000}`,
		`{"type":"stop"}`,
		`{"type":"config","sampleRate":0}`,
		`{"type":"config","languageCode":"  "}`,
	} {
		if _, err := protocol.DecodeControl([]byte(bad)); err == nil {
			t.Errorf("DecodeControl(%s): expected error", bad)
		}
	}
}

func TestDecodeTurnEvent(t *testing.T) {
	ev, err := protocol.DecodeTurnEvent([]byte(`{"type":"response.output_text.delta","delta":"Hel"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != protocol.TurnEventDelta || ev.Delta != "Hel" {
		t.Errorf("got %+v", ev)
	}

	ev, err = protocol.DecodeTurnEvent([]byte(`{"type":"status","status":"evaluation_complete"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != protocol.StatusEvaluationComplete {
		t.Errorf("status: got %q", ev.Status)
	}

	if _, err := protocol.DecodeTurnEvent([]byte(`{"type":"response.completed"}`)); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestSSE_RoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := protocol.NewSSEWriter(rec)
	if err != nil {
		t.Fatal(err)
	}
	events := []protocol.TurnEvent{
		protocol.StatusEvent(protocol.StatusLoading),
		protocol.ConversationIDEvent("c-1"),
		protocol.DeltaEvent("Hel"),
		protocol.DeltaEvent("lo!"),
		protocol.StatusEvent(protocol.StatusDone),
	}
	for _, ev := range events {
		if err := w.Send(ev); err != nil {
			t.Fatal(err)
		}
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type: got %q", ct)
	}

	sc := protocol.NewSSEScanner(strings.NewReader(rec.Body.String()))
	var got []protocol.TurnEvent
	for sc.Scan() {
		ev, err := protocol.DecodeTurnEvent(sc.Data())
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, ev)
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if len(got) != len(events) {
		t.Fatalf("events: got %d, want %d", len(got), len(events))
	}
	for i := range events {
		if got[i] != events[i] {
			t.Errorf("event %d: got %+v, want %+v", i, got[i], events[i])
		}
	}
}

func TestSSEScanner_IgnoresCommentsAndFields(t *testing.T) {
	stream := ": keep-alive\n\nevent: message\ndata:{\"type\":\"status\",\"status\":\"done\"}\n\n"
	sc := protocol.NewSSEScanner(strings.NewReader(stream))
	if !sc.Scan() {
		t.Fatal("expected one event")
	}
	if string(sc.Data()) != `{"type":"status","status":"done"}` {
		t.Errorf("data: got %s", sc.Data())
	}
	if sc.Scan() {
		t.Error("expected end of stream")
	}
}
