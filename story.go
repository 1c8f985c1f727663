// Package storycache holds the domain types shared by the offline cache
// coordinator: story records, the story API envelopes and content hashing.
package storycache

import (
	"encoding/json"
	"strings"
	"time"
)

// StoryRecord is one user-visible story as served by the story API.
type StoryRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	PhotoURL    string    `json:"photoUrl"`
	CreatedAt   time.Time `json:"createdAt"`
	Lat         *float64  `json:"lat,omitempty"`
	Lon         *float64  `json:"lon,omitempty"`
}

// HasID reports whether the record carries a usable primary key.
func (r StoryRecord) HasID() bool {
	return strings.TrimSpace(r.ID) != ""
}

// ListResponse is the envelope returned by GET /stories.
type ListResponse struct {
	Error     bool          `json:"error"`
	Message   string        `json:"message"`
	ListStory []StoryRecord `json:"listStory"`
}

// DetailResponse is the envelope returned by GET /stories/{id}.
type DetailResponse struct {
	Error   bool         `json:"error"`
	Message string       `json:"message"`
	Story   *StoryRecord `json:"story,omitempty"`
}

// ErrorResponse is the envelope the API uses for failures.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// ExtractStories pulls story records out of an API response body.
// It understands both the list and the detail envelope and returns nil
// for error envelopes or bodies it cannot parse. List entries that do not
// decode are skipped so one bad record does not hide the rest.
func ExtractStories(body []byte) []StoryRecord {
	var env struct {
		Error     bool              `json:"error"`
		ListStory []json.RawMessage `json:"listStory"`
		Story     json.RawMessage   `json:"story"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Error {
		return nil
	}
	if env.ListStory != nil {
		out := make([]StoryRecord, 0, len(env.ListStory))
		for _, raw := range env.ListStory {
			var rec StoryRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return out
	}
	if len(env.Story) > 0 && string(env.Story) != "null" {
		var rec StoryRecord
		if err := json.Unmarshal(env.Story, &rec); err != nil {
			return nil
		}
		return []StoryRecord{rec}
	}
	return nil
}
