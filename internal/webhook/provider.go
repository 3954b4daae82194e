package webhook

import (
	"errors"
	"fmt"
	"strings"

	"content-engine/internal/models"
)

// ErrInvalidPayload rejects a body that parsed as JSON but does not satisfy
// the provider's schema. Nothing is persisted for these.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Parsed is a provider payload reduced to what resolution needs.
type Parsed struct {
	// StatusKey is the provider-specific status string, concatenated with
	// the provider name into the stored event_type for traceability.
	StatusKey string
	RawStatus string
	JobType   string
	Tokens    []string
	AssetURL  string
	ErrorMsg  string
}

// Provider describes one upstream webhook sender.
type Provider struct {
	Name   string
	Secret string
	Parse  func(body map[string]any) (Parsed, error)
}

func str(body map[string]any, key string) string {
	if v, ok := body[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// VideoProvider is the short-running "video completed" push. The sender
// reports only once per render: a completion (with the asset URL) or a
// failure. Some payload framings omit the status entirely and imply it from
// the presence of an error.
func VideoProvider(secret string) Provider {
	return Provider{
		Name:   "vidora",
		Secret: secret,
		Parse: func(body map[string]any) (Parsed, error) {
			videoID := str(body, "video_id")
			taskID := str(body, "task_id")
			if videoID == "" && taskID == "" {
				return Parsed{}, fmt.Errorf("%w: missing video_id/task_id", ErrInvalidPayload)
			}

			errMsg := str(body, "error")
			rawStatus := str(body, "status")
			if rawStatus == "" {
				if errMsg != "" {
					rawStatus = "failed"
				} else {
					rawStatus = "completed"
				}
			}

			assetURL := str(body, "video_url")
			if assetURL == "" {
				assetURL = str(body, "url")
			}

			var tokens []string
			for _, t := range []string{taskID, videoID} {
				if t != "" {
					tokens = append(tokens, t)
				}
			}

			return Parsed{
				StatusKey: rawStatus,
				RawStatus: rawStatus,
				JobType:   models.TypeVideoGenerate,
				Tokens:    tokens,
				AssetURL:  assetURL,
				ErrorMsg:  errMsg,
			}, nil
		},
	}
}

// StatusProvider is the generic task-status push: every state change of a
// provider task is reported with an explicit status string, which may be a
// vocabulary token we have never seen.
func StatusProvider(secret string) Provider {
	return Provider{
		Name:   "taskstatus",
		Secret: secret,
		Parse: func(body map[string]any) (Parsed, error) {
			taskID := str(body, "task_id")
			if taskID == "" {
				return Parsed{}, fmt.Errorf("%w: missing task_id", ErrInvalidPayload)
			}
			rawStatus := str(body, "status")
			if rawStatus == "" {
				return Parsed{}, fmt.Errorf("%w: missing status", ErrInvalidPayload)
			}

			jobType := models.TypeVideoGenerate
			if str(body, "task_type") == "image" {
				jobType = models.TypeImageGenerate
			}

			assetURL := str(body, "asset_url")
			if assetURL == "" {
				if result, ok := body["result"].(map[string]any); ok {
					assetURL = str(result, "url")
				}
			}

			errMsg := str(body, "error")
			if errMsg == "" {
				errMsg = str(body, "message")
			}

			tokens := []string{taskID}
			if cb := str(body, "callback_id"); cb != "" {
				tokens = append(tokens, cb)
			}

			return Parsed{
				StatusKey: rawStatus,
				RawStatus: rawStatus,
				JobType:   jobType,
				Tokens:    tokens,
				AssetURL:  assetURL,
				ErrorMsg:  errMsg,
			}, nil
		},
	}
}
