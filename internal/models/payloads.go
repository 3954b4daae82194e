package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload reports a payload that fails its type's shape rules.
var ErrInvalidPayload = errors.New("invalid payload")

// Payload is the typed view of a job's payload document. Storage keeps the
// document form; this layer gives each job type a known shape. Fields the
// shape does not name (provider correlation ids, forward-compat extensions)
// survive in Extra.
type Payload interface {
	Validate() error
}

// VideoGeneratePayload drives a provider-side video render.
type VideoGeneratePayload struct {
	Prompt          string         `json:"prompt,omitempty"`
	Script          string         `json:"script,omitempty"`
	DurationSeconds int            `json:"duration_seconds,omitempty"`
	AspectRatio     string         `json:"aspect_ratio,omitempty"`
	Voice           string         `json:"voice,omitempty"`
	Extra           map[string]any `json:"-"`
}

func (p VideoGeneratePayload) Validate() error {
	if p.Prompt == "" && p.Script == "" {
		return fmt.Errorf("%w: video generation needs a prompt or a script", ErrInvalidPayload)
	}
	if p.DurationSeconds < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidPayload)
	}
	return nil
}

// ImageGeneratePayload drives a provider-side image render.
type ImageGeneratePayload struct {
	Prompt string         `json:"prompt"`
	Style  string         `json:"style,omitempty"`
	Width  int            `json:"width,omitempty"`
	Height int            `json:"height,omitempty"`
	Extra  map[string]any `json:"-"`
}

func (p ImageGeneratePayload) Validate() error {
	if p.Prompt == "" {
		return fmt.Errorf("%w: image generation needs a prompt", ErrInvalidPayload)
	}
	if p.Width < 0 || p.Height < 0 {
		return fmt.Errorf("%w: negative dimensions", ErrInvalidPayload)
	}
	return nil
}

// ArticleWritePayload drives long-form text generation.
type ArticleWritePayload struct {
	Topic     string         `json:"topic"`
	Tone      string         `json:"tone,omitempty"`
	WordCount int            `json:"word_count,omitempty"`
	Keywords  []string       `json:"keywords,omitempty"`
	Extra     map[string]any `json:"-"`
}

func (p ArticleWritePayload) Validate() error {
	if p.Topic == "" {
		return fmt.Errorf("%w: article needs a topic", ErrInvalidPayload)
	}
	return nil
}

// SocialPublishPayload posts finished content to a social network.
type SocialPublishPayload struct {
	Network   string         `json:"network"`
	Text      string         `json:"text,omitempty"`
	MediaURLs []string       `json:"media_urls,omitempty"`
	Extra     map[string]any `json:"-"`
}

func (p SocialPublishPayload) Validate() error {
	if p.Network == "" {
		return fmt.Errorf("%w: publish needs a target network", ErrInvalidPayload)
	}
	if p.Text == "" && len(p.MediaURLs) == 0 {
		return fmt.Errorf("%w: publish needs text or media", ErrInvalidPayload)
	}
	return nil
}

// ResearchRunPayload drives a background research/aggregation run.
type ResearchRunPayload struct {
	Query string         `json:"query"`
	Depth int            `json:"depth,omitempty"`
	Extra map[string]any `json:"-"`
}

func (p ResearchRunPayload) Validate() error {
	if p.Query == "" {
		return fmt.Errorf("%w: research needs a query", ErrInvalidPayload)
	}
	return nil
}

// ProviderTestPayload exercises a provider connection end to end.
type ProviderTestPayload struct {
	Provider string         `json:"provider"`
	Extra    map[string]any `json:"-"`
}

func (p ProviderTestPayload) Validate() error {
	if p.Provider == "" {
		return fmt.Errorf("%w: provider test needs a provider name", ErrInvalidPayload)
	}
	return nil
}

// payloadKeys names the document keys each shape claims; everything else in
// the document lands in Extra.
var payloadKeys = map[string][]string{
	TypeVideoGenerate: {"prompt", "script", "duration_seconds", "aspect_ratio", "voice"},
	TypeImageGenerate: {"prompt", "style", "width", "height"},
	TypeArticleWrite:  {"topic", "tone", "word_count", "keywords"},
	TypeSocialPublish: {"network", "text", "media_urls"},
	TypeResearchRun:   {"query", "depth"},
	TypeProviderTest:  {"provider"},
}

// DecodePayload maps a payload document onto the typed shape for jobType and
// validates it. Unknown document fields are preserved, not rejected.
func DecodePayload(jobType string, doc map[string]any) (Payload, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	var p Payload
	var err error
	switch jobType {
	case TypeVideoGenerate:
		v := VideoGeneratePayload{}
		v.Extra, err = decodeInto(doc, &v, payloadKeys[jobType])
		p = v
	case TypeImageGenerate:
		v := ImageGeneratePayload{}
		v.Extra, err = decodeInto(doc, &v, payloadKeys[jobType])
		p = v
	case TypeArticleWrite:
		v := ArticleWritePayload{}
		v.Extra, err = decodeInto(doc, &v, payloadKeys[jobType])
		p = v
	case TypeSocialPublish:
		v := SocialPublishPayload{}
		v.Extra, err = decodeInto(doc, &v, payloadKeys[jobType])
		p = v
	case TypeResearchRun:
		v := ResearchRunPayload{}
		v.Extra, err = decodeInto(doc, &v, payloadKeys[jobType])
		p = v
	case TypeProviderTest:
		v := ProviderTestPayload{}
		v.Extra, err = decodeInto(doc, &v, payloadKeys[jobType])
		p = v
	default:
		return nil, fmt.Errorf("no payload shape for type %q", jobType)
	}
	if err != nil {
		return nil, err
	}
	return p, p.Validate()
}

func decodeInto(doc map[string]any, dst any, known []string) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	extra := map[string]any{}
	for k, v := range doc {
		if !contains(known, k) {
			extra[k] = v
		}
	}
	return extra, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
