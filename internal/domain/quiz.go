package domain

import "encoding/json"

// Quiz is the content served by the development backend.
type Quiz struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	TimeLimitSeconds *int       `json:"timeLimitSeconds,omitempty"`
	Questions        []Question `json:"questions"`
}

type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []Option `json:"options"`
	Points  int      `json:"points"`
}

type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// QuestionIDs returns the question IDs in quiz order.
func (q Quiz) QuestionIDs() []string {
	ids := make([]string, 0, len(q.Questions))
	for _, question := range q.Questions {
		ids = append(ids, question.ID)
	}
	return ids
}

// Score awards a question's points when the answer names a correct option,
// either as a bare option ID string or as {"optionId": "..."}.
func (q Quiz) Score(answers map[string]Answer) (score, max float64) {
	for _, question := range q.Questions {
		points := question.Points
		if points == 0 {
			points = 1
		}
		max += float64(points)
		answer, ok := answers[question.ID]
		if !ok || answer.Empty() {
			continue
		}
		chosen := chosenOption(answer)
		for _, opt := range question.Options {
			if opt.Correct && opt.ID == chosen {
				score += float64(points)
				break
			}
		}
	}
	return score, max
}

func chosenOption(a Answer) string {
	var id string
	if err := json.Unmarshal(a, &id); err == nil {
		return id
	}
	var obj struct {
		OptionID string `json:"optionId"`
	}
	if err := json.Unmarshal(a, &obj); err == nil {
		return obj.OptionID
	}
	return ""
}
