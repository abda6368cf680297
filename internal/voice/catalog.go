package voice

import "strings"

// Default is the engine voice used when a request names no voice or one the
// catalog does not know.
const Default = "en-US-AriaNeural"

// Voice describes one public voice and the engine voice it maps to.
type Voice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Language    string `json:"language"`
	Gender      string `json:"gender"`
	EngineVoice string `json:"edge_voice"`
}

var catalog = []Voice{
	{ID: "alloy", Name: "Aria", Language: "en", Gender: "female", EngineVoice: "en-US-AriaNeural"},
	{ID: "echo", Name: "Guy", Language: "en", Gender: "male", EngineVoice: "en-US-GuyNeural"},
	{ID: "fable", Name: "Jenny", Language: "en", Gender: "female", EngineVoice: "en-US-JennyNeural"},
	{ID: "onyx", Name: "Davis", Language: "en", Gender: "male", EngineVoice: "en-US-DavisNeural"},
	{ID: "nova", Name: "Sara", Language: "en", Gender: "female", EngineVoice: "en-US-SaraNeural"},
	{ID: "shimmer", Name: "Michelle", Language: "en", Gender: "female", EngineVoice: "en-US-MichelleNeural"},
}

var (
	byID          = make(map[string]string, len(catalog))
	byEngineVoice = make(map[string]string, len(catalog))
)

func init() {
	for _, v := range catalog {
		byID[v.ID] = v.EngineVoice
		byEngineVoice[strings.ToLower(v.EngineVoice)] = v.EngineVoice
	}
}

// Resolve maps a public voice id to its engine voice. It never fails:
// catalog engine names resolve to themselves and anything else falls back
// to Default.
func Resolve(id string) string {
	key := strings.ToLower(strings.TrimSpace(id))
	if key == "" {
		return Default
	}
	if engineVoice, ok := byID[key]; ok {
		return engineVoice
	}
	if engineVoice, ok := byEngineVoice[key]; ok {
		return engineVoice
	}
	return Default
}

// Known reports whether id names a catalog voice, either by public id or by
// engine voice name.
func Known(id string) bool {
	key := strings.ToLower(strings.TrimSpace(id))
	if _, ok := byID[key]; ok {
		return true
	}
	_, ok := byEngineVoice[key]
	return ok
}

// List returns the catalog in its fixed order. Callers own the returned slice.
func List() []Voice {
	return append([]Voice(nil), catalog...)
}
