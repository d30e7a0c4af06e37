// Package lesson produces the tutor's side of a lesson turn. It looks up the
// lesson content for the learner's position (level, story, chapter,
// section), keeps the conversation history in a [Store], asks the LLM for a
// lesson plan and a streamed reply, and optionally evaluates the learner.
//
// The HTTP surface is POST /api/chat (a server-sent event stream of
// [protocol.TurnEvent] values) and GET /api/evaluation.
package lesson

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrLessonNotFound is returned when no section matches a [Key].
var ErrLessonNotFound = errors.New("lesson: not found")

// Key identifies one section of the lesson catalogue.
type Key struct {
	Level   string
	Story   string
	Chapter string
	Section string
}

// Complete reports whether every selector part is set.
func (k Key) Complete() bool {
	return k.Level != "" && k.Story != "" && k.Chapter != "" && k.Section != ""
}

func (k Key) String() string {
	return k.Level + "/" + k.Story + "/" + k.Chapter + "/" + k.Section
}

// Lesson is the content of one catalogue section.
type Lesson struct {
	Key        Key
	Title      string
	Content    string
	Vocabulary []string
}

// Catalogue is an immutable index of lessons.
type Catalogue struct {
	lessons map[Key]Lesson
}

type catalogueFile struct {
	Levels []struct {
		ID      string `yaml:"id"`
		Stories []struct {
			ID       string `yaml:"id"`
			Chapters []struct {
				ID       string `yaml:"id"`
				Sections []struct {
					ID         string   `yaml:"id"`
					Title      string   `yaml:"title"`
					Content    string   `yaml:"content"`
					Vocabulary []string `yaml:"vocabulary"`
				} `yaml:"sections"`
			} `yaml:"chapters"`
		} `yaml:"stories"`
	} `yaml:"levels"`
}

// LoadCatalogue reads a catalogue from the YAML file at path.
func LoadCatalogue(path string) (*Catalogue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lesson: open catalogue: %w", err)
	}
	defer f.Close()
	return ParseCatalogue(f)
}

// ParseCatalogue decodes a YAML catalogue. Unknown fields, empty ids and
// duplicate sections are errors.
func ParseCatalogue(r io.Reader) (*Catalogue, error) {
	var file catalogueFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("lesson: decode catalogue: %w", err)
	}

	c := &Catalogue{lessons: make(map[Key]Lesson)}
	var errs []error
	for _, lvl := range file.Levels {
		for _, story := range lvl.Stories {
			for _, ch := range story.Chapters {
				for _, sec := range ch.Sections {
					key := Key{
						Level:   strings.TrimSpace(lvl.ID),
						Story:   strings.TrimSpace(story.ID),
						Chapter: strings.TrimSpace(ch.ID),
						Section: strings.TrimSpace(sec.ID),
					}
					if !key.Complete() {
						errs = append(errs, fmt.Errorf("lesson: section %q has an empty id in its path", key))
						continue
					}
					if _, dup := c.lessons[key]; dup {
						errs = append(errs, fmt.Errorf("lesson: duplicate section %q", key))
						continue
					}
					c.lessons[key] = Lesson{
						Key:        key,
						Title:      sec.Title,
						Content:    strings.TrimSpace(sec.Content),
						Vocabulary: sec.Vocabulary,
					}
				}
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Lookup returns the lesson for key.
func (c *Catalogue) Lookup(key Key) (Lesson, error) {
	if c != nil {
		if l, ok := c.lessons[key]; ok {
			return l, nil
		}
	}
	return Lesson{}, fmt.Errorf("%w: %s", ErrLessonNotFound, key)
}

// Len returns the number of sections.
func (c *Catalogue) Len() int {
	if c == nil {
		return 0
	}
	return len(c.lessons)
}
