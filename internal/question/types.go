// Package question lets an in-flight agent turn ask the user a structured,
// multiple-choice question and wait for the answer.
package question

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Shape limits for a question set.
const (
	MaxQuestions    = 4
	MaxHeaderLength = 12
	MinOptions      = 2
	MaxOptions      = 4
)

// Option is one choice offered for a question.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Question is a single multiple-choice question.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header"`
	MultiSelect bool     `json:"multiSelect"`
	Options     []Option `json:"options"`
}

// Payload is the frame sent to the outbound channel.
type Payload struct {
	Type      string     `json:"type"`
	ID        string     `json:"id"`
	Questions []Question `json:"questions"`
}

// Answer is either a single selection or, for multi-select questions, a list.
type Answer struct {
	Single string
	Multi  []string
}

// Single returns an answer holding one selection.
func Single(s string) Answer { return Answer{Single: s} }

// Multi returns an answer holding several selections.
func Multi(values ...string) Answer { return Answer{Multi: values} }

// IsMulti reports whether the answer is a list.
func (a Answer) IsMulti() bool { return a.Multi != nil }

// Values returns the answer as a list regardless of its shape.
func (a Answer) Values() []string {
	if a.IsMulti() {
		return a.Multi
	}
	return []string{a.Single}
}

// MarshalJSON encodes the answer as a JSON string or array.
func (a Answer) MarshalJSON() ([]byte, error) {
	if a.IsMulti() {
		return json.Marshal(a.Multi)
	}
	return json.Marshal(a.Single)
}

// UnmarshalJSON accepts a JSON string or an array of strings.
func (a *Answer) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Answer{Single: single}
		return nil
	}
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return fmt.Errorf("answer must be a string or a list of strings: %w", err)
	}
	if multi == nil {
		multi = []string{}
	}
	*a = Answer{Multi: multi}
	return nil
}

// Answers maps question text to the selected answer.
type Answers map[string]Answer

// AnswerPayload is the frame received on the reverse path.
type AnswerPayload struct {
	QuestionID string  `json:"questionId"`
	Answers    Answers `json:"answers"`
}

// Validate checks the shape of a question set.
func Validate(questions []Question) error {
	if len(questions) == 0 || len(questions) > MaxQuestions {
		return fmt.Errorf("%w: expected 1-%d questions, got %d", ErrValidation, MaxQuestions, len(questions))
	}
	var errs []error
	for i, q := range questions {
		if q.Question == "" {
			errs = append(errs, fmt.Errorf("question %d: text is required", i+1))
		}
		if q.Header == "" || utf8.RuneCountInString(q.Header) > MaxHeaderLength {
			errs = append(errs, fmt.Errorf("question %d: header must be 1-%d characters", i+1, MaxHeaderLength))
		}
		if len(q.Options) < MinOptions || len(q.Options) > MaxOptions {
			errs = append(errs, fmt.Errorf("question %d: expected %d-%d options, got %d", i+1, MinOptions, MaxOptions, len(q.Options)))
		}
		for j, opt := range q.Options {
			if opt.Label == "" || opt.Description == "" {
				errs = append(errs, fmt.Errorf("question %d option %d: label and description are required", i+1, j+1))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
	}
	return nil
}
