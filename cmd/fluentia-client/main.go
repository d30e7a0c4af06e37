// Command fluentia-client is a terminal front end for the tutoring server.
// It records from the default microphone, shows the live transcript and
// streams the tutor's replies.
//
// Commands (one per line on stdin):
//
//	<enter>    start or stop recording
//	/send      submit the transcript
//	/done      submit the transcript and close the dialogue
//	/handsoff  toggle hands-off mode
//	/eval      show the latest evaluation
//	/quit      exit
//
// Any other line is submitted as typed text.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/fluentia/internal/app"
	"github.com/MrWong99/fluentia/internal/client"
	"github.com/MrWong99/fluentia/internal/client/recorder"
	"github.com/MrWong99/fluentia/internal/client/transport"
	"github.com/MrWong99/fluentia/internal/client/turn"
	"github.com/MrWong99/fluentia/internal/config"
	"github.com/MrWong99/fluentia/pkg/audio/capture"
	"github.com/MrWong99/fluentia/pkg/audio/capture/portaudio"
	"github.com/MrWong99/fluentia/pkg/protocol"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	dataDir := flag.String("data", "", "directory for the saved conversation (empty disables saving)")
	meter := flag.Bool("meter", false, "show a microphone level meter while recording")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fluentia-client: %v\n", err)
		return 1
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: app.SlogLevel(cfg.Server.LogLevel),
	})))
	cc := cfg.Client

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev, err := portaudio.New()
	if err != nil {
		slog.Error("microphone unavailable", "err", err)
		return 1
	}
	defer dev.Close()

	tc, err := transport.New(cc.ServerURL)
	if err != nil {
		slog.Error("invalid server url", "err", err)
		return 1
	}

	var savePath string
	if *dataDir != "" {
		savePath = filepath.Join(*dataDir, "conversation-"+cc.UserID+".yaml")
	}

	out := newRenderer(os.Stdout)
	sess, err := client.New(ctx, client.Config{
		UserID: cc.UserID,
		Lesson: turn.Selector{Level: cc.Level, Story: cc.Story, Chapter: cc.Chapter, Section: cc.Section},
		Recorder: recorder.Config{
			Mode:        recorder.Mode(cc.Mode),
			SampleRate:  cc.SampleRate,
			Language:    cfg.Speech.PrimaryLanguage,
			MaxDuration: cc.MaxRecording,
		},
		HandsOff:        cc.HandsOff,
		AutoSubmitDelay: cc.AutoSubmitDelay,
		RestartDelay:    cc.RestartDelay,
	}, client.Deps{
		Capturer: capture.NewEngine(dev),
		Dial: func(ctx context.Context, rate int, language string) (recorder.SpeechStream, error) {
			s, err := tc.OpenSpeech(ctx, rate, language)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Transcribe: tc.Transcribe,
		OpenTurn: func(ctx context.Context, req protocol.TurnRequest) (turn.EventStream, error) {
			s, err := tc.SubmitTurn(ctx, req)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Store: turn.NewMemoryStore(savePath),
		Evaluation: func(ctx context.Context) (protocol.Evaluation, error) {
			return tc.Evaluation(ctx, cc.UserID)
		},
		Render: out.Render,
	})
	if err != nil {
		slog.Error("failed to start session", "err", err)
		return 1
	}
	defer sess.Close()

	if *meter {
		go out.Meter(ctx, sess, 100*time.Millisecond)
	}

	fmt.Fprintf(os.Stdout, "lesson %s/%s/%s/%s, mode %s, hands-off %v\n",
		cc.Level, cc.Story, cc.Chapter, cc.Section, cc.Mode, cc.HandsOff)
	go submit(ctx, "start lesson", sess.StartLesson)

	lines := make(chan string)
	go readLines(os.Stdin, lines)
	for {
		select {
		case <-ctx.Done():
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			if quit := handle(ctx, sess, out, line); quit {
				return 0
			}
		}
	}
}

// handle runs one stdin command. Submissions run in the background so the
// learner can keep recording while the reply streams.
func handle(ctx context.Context, sess *client.Session, out *renderer, line string) (quit bool) {
	switch cmd := strings.TrimSpace(line); cmd {
	case "":
		if err := sess.ToggleRecording(ctx); err != nil {
			out.Notice("recording: %v", err)
		}
	case "/send":
		go submit(ctx, "submit", sess.SubmitTranscript)
	case "/done":
		go submit(ctx, "complete dialogue", sess.CompleteDialogue)
	case "/handsoff":
		sess.SetHandsOff(!sess.HandsOff())
		out.Notice("hands-off %v", sess.HandsOff())
	case "/eval":
		sess.RefreshEvaluation(ctx)
		out.Evaluation(sess.View().Evaluation)
	case "/quit":
		return true
	default:
		go submit(ctx, "submit text", func(ctx context.Context) error {
			return sess.SubmitText(ctx, cmd)
		})
	}
	return false
}

func submit(ctx context.Context, what string, fn func(context.Context) error) {
	err := fn(ctx)
	switch {
	case err == nil:
	case errors.Is(err, turn.ErrInFlight):
		slog.Info(what + " ignored, a turn is already running")
	case errors.Is(err, turn.ErrIncompleteSelector):
		slog.Error(what + " failed, set client.level, story, chapter and section")
	default:
		slog.Warn(what+" failed", "err", err)
	}
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
}
