package lesson

import (
	"fmt"
	"strings"

	"github.com/MrWong99/fluentia/pkg/provider/llm"
)

const planInstructions = `You are a language tutor preparing a short spoken lesson.
Write a numbered lesson plan of at most five steps for the section below.
Each step names one phrase or structure the learner should practise.`

const tutorInstructions = `You are a friendly language tutor holding a spoken lesson.
Answer in the lesson's language, keep replies short enough to be read aloud,
and follow the lesson plan one step at a time. Gently correct mistakes.`

const evaluationInstructions = `You evaluate a language learner's part of a lesson dialogue.
Reply with a single JSON object: {"summary": string, "strengths": [string], "improvements": [string]}.`

func lessonContext(l Lesson) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Lesson %s", l.Key)
	if l.Title != "" {
		fmt.Fprintf(&b, ": %s", l.Title)
	}
	b.WriteString("\n\n")
	b.WriteString(l.Content)
	if len(l.Vocabulary) > 0 {
		b.WriteString("\n\nVocabulary: ")
		b.WriteString(strings.Join(l.Vocabulary, ", "))
	}
	return b.String()
}

func planRequest(l Lesson) llm.CompletionRequest {
	return llm.CompletionRequest{
		SystemPrompt: planInstructions,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: lessonContext(l)}},
		Temperature:  0.3,
	}
}

// tutorRequest builds the reply request. An empty query opens the lesson.
func tutorRequest(l Lesson, c Conversation, query string) llm.CompletionRequest {
	system := tutorInstructions + "\n\n" + lessonContext(l)
	if c.Plan != "" {
		system += "\n\nLesson plan:\n" + c.Plan
	}

	msgs := make([]llm.Message, 0, len(c.Messages)+1)
	for _, m := range c.Messages {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	switch {
	case query != "":
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: query})
	case len(msgs) == 0:
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "Start the lesson."})
	default:
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "Continue with the next step."})
	}
	return llm.CompletionRequest{SystemPrompt: system, Messages: msgs, Temperature: 0.7}
}

func evaluationRequest(l Lesson, c Conversation) llm.CompletionRequest {
	var b strings.Builder
	b.WriteString(lessonContext(l))
	b.WriteString("\n\nDialogue:\n")
	for _, m := range c.Messages {
		who := "Tutor"
		if m.Role == RoleLearner {
			who = "Learner"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, m.Content)
	}
	return llm.CompletionRequest{
		SystemPrompt: evaluationInstructions,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		Temperature:  0,
	}
}
