package fetcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"cardfetch/internal/cards"
)

type solutionBody struct {
	Answers   []json.RawMessage `json:"answers"`
	Feedback  string            `json:"feedback"`
	ScoreText string            `json:"scoreText"`
	Score     json.RawMessage   `json:"score"`
}

// the site is not consistent about quoting option values and scores
func rawScalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}

func parseSolution(body []byte) (*cards.Solution, error) {
	var decoded solutionBody
	err := json.Unmarshal(body, &decoded)
	if err != nil {
		return nil, fmt.Errorf("decode solution: %w", err)
	}

	solution := &cards.Solution{
		Feedback:  strings.TrimSpace(decoded.Feedback),
		ScoreText: strings.TrimSpace(decoded.ScoreText),
	}
	for _, raw := range decoded.Answers {
		value := rawScalar(raw)
		if value == "" || value == "null" {
			continue
		}
		solution.Answers = append(solution.Answers, value)
	}
	if score := rawScalar(decoded.Score); score != "" && score != "null" {
		solution.Score, err = strconv.ParseFloat(strings.TrimSuffix(score, "%"), 64)
		if err != nil {
			return nil, fmt.Errorf("decode score %q: %w", score, err)
		}
	}
	return solution, nil
}
