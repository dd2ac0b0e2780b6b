// Package quiz holds the multiple-choice question content a session plays
// through and walks one participant through it.
package quiz

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PointsPerCorrect is awarded for every correct answer.
const PointsPerCorrect = 10

var (
	ErrNoQuestions   = errors.New("question database is empty")
	ErrInvalidAnswer = errors.New("answer index out of range")
	ErrFinished      = errors.New("quiz already finished")
)

//go:embed default.yaml
var defaultQuestions []byte

type Question struct {
	Text    string   `yaml:"text" json:"text"`
	Answers []string `yaml:"answers" json:"answers"`
	Correct int      `yaml:"correct" json:"correct"`
}

type Database struct {
	Title     string     `yaml:"title" json:"title"`
	Questions []Question `yaml:"questions" json:"questions"`
}

// Default returns the question set compiled into the binary.
func Default() *Database {
	db, err := Parse(defaultQuestions)
	if err != nil {
		panic(fmt.Sprintf("embedded questions: %v", err))
	}
	return db
}

// Load reads a YAML question database. An empty path yields Default.
func Load(path string) (*Database, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read questions: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Database, error) {
	var db Database
	if err := yaml.Unmarshal(b, &db); err != nil {
		return nil, fmt.Errorf("failed to parse questions: %w", err)
	}
	if len(db.Questions) == 0 {
		return nil, ErrNoQuestions
	}
	for i, q := range db.Questions {
		if q.Text == "" {
			return nil, fmt.Errorf("question %d: missing text", i+1)
		}
		if len(q.Answers) < 2 {
			return nil, fmt.Errorf("question %d: needs at least two answers", i+1)
		}
		if q.Correct < 0 || q.Correct >= len(q.Answers) {
			return nil, fmt.Errorf("question %d: correct index %d out of range", i+1, q.Correct)
		}
	}
	return &db, nil
}
