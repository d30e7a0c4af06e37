package main

import (
	"strings"
	"testing"

	"github.com/MrWong99/fluentia/internal/client"
	"github.com/MrWong99/fluentia/internal/client/recorder"
	"github.com/MrWong99/fluentia/internal/client/turn"
	"github.com/MrWong99/fluentia/pkg/audio"
	"github.com/MrWong99/fluentia/pkg/protocol"
)

func TestRenderer_PrintsOnlyChanges(t *testing.T) {
	var sb strings.Builder
	r := newRenderer(&sb)

	views := []client.View{
		{Recorder: recorder.Snapshot{State: recorder.StateRecording}},
		{Recorder: recorder.Snapshot{State: recorder.StateRecording, Interim: "eu vou"}},
		{Recorder: recorder.Snapshot{State: recorder.StateRecording, Interim: "eu vou"}},
		{Recorder: recorder.Snapshot{State: recorder.StateRecording, Transcript: "Eu vou ao mercado", Language: "pt-BR"}},
		{Recorder: recorder.Snapshot{State: recorder.StateIdle}, Turn: turn.Status{InFlight: true, Server: protocol.StatusStreamingResponse, Streaming: "Mui"}},
		{Recorder: recorder.Snapshot{State: recorder.StateIdle}, Turn: turn.Status{InFlight: true, Server: protocol.StatusStreamingResponse, Streaming: "Muito bem!"}},
		{Recorder: recorder.Snapshot{State: recorder.StateIdle}, Turn: turn.Status{Server: protocol.StatusDone}},
	}
	for _, v := range views {
		r.Render(v)
	}

	want := "[recording]\n" +
		"you: eu vou\n" +
		"you (pt-BR): Eu vou ao mercado\n" +
		"[idle]\n" +
		"  · streaming_response\n" +
		"tutor: Muito bem!\n" +
		"  · done\n"
	if got := sb.String(); got != want {
		t.Errorf("output:\n%s\nwant:\n%s", got, want)
	}
}

func TestMeterBar(t *testing.T) {
	tests := []struct {
		level audio.Level
		want  string
	}{
		{audio.Level{}, "[|         ]"},
		{audio.Level{RMS: 0.5, Peak: 0.8}, "[#####   | ]"},
		{audio.Level{RMS: 1, Peak: 1}, "[##########]"},
	}
	for _, tt := range tests {
		if got := meterBar(tt.level, 10); got != tt.want {
			t.Errorf("meterBar(%+v) = %q, want %q", tt.level, got, tt.want)
		}
	}
}
