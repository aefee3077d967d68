package apifree

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/digkill/CreatorBot/internal/models"
)

type PollState int

const (
	Pending PollState = iota
	Succeeded
	Failed
)

func (s PollState) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// PollResult is the interpreted outcome of one poll. MediaURL is set only for
// Succeeded, Detail only for Failed.
type PollResult struct {
	State    PollState
	MediaURL string
	Detail   string
}

// Key paths tried in order. The provider's response shape varies between models and
// API revisions, so none of these is guaranteed to be present.
var (
	requestIDPaths = []string{"request_id", "resp_data.request_id", "id", "task_id", "result.id"}
	mediaURLPaths  = []string{"url", "output_url", "result.url", "result.output_url"}
	statusPaths    = []string{"status", "state", "phase"}
	mediaListPaths = map[models.JobKind][]string{
		models.KindImage: {"images", "result.images"},
		models.KindVideo: {"videos", "result.videos"},
	}
	failureTokens = []string{"fail", "error"}
)

// ExtractRequestID returns the first non-empty identifier found in a submit response.
func ExtractRequestID(body []byte) string {
	doc := gjson.ParseBytes(body)
	for _, path := range requestIDPaths {
		if v := doc.Get(path); v.Exists() && v.Type != gjson.Null {
			if id := strings.TrimSpace(v.String()); id != "" {
				return id
			}
		}
	}
	return ""
}

// Interpret classifies a poll response. A URL wins over any status text; without a
// URL a status containing a failure token means Failed, anything else Pending.
func Interpret(kind models.JobKind, body []byte) PollResult {
	doc := gjson.ParseBytes(body)

	if url := extractMediaURL(kind, doc); url != "" {
		return PollResult{State: Succeeded, MediaURL: url}
	}

	status := strings.ToLower(firstString(doc, statusPaths))
	for _, token := range failureTokens {
		if strings.Contains(status, token) {
			return PollResult{State: Failed, Detail: strings.TrimSpace(string(body))}
		}
	}
	return PollResult{State: Pending}
}

func extractMediaURL(kind models.JobKind, doc gjson.Result) string {
	if url := firstString(doc, mediaURLPaths); url != "" {
		return url
	}
	for _, path := range mediaListPaths[kind] {
		list := doc.Get(path)
		if !list.IsArray() {
			continue
		}
		items := list.Array()
		if len(items) == 0 {
			continue
		}
		first := items[0]
		if first.IsObject() {
			first = first.Get("url")
		}
		if url := strings.TrimSpace(first.String()); url != "" {
			return url
		}
	}
	return ""
}

func firstString(doc gjson.Result, paths []string) string {
	for _, path := range paths {
		v := doc.Get(path)
		if v.Type != gjson.String {
			continue
		}
		if s := strings.TrimSpace(v.Str); s != "" {
			return s
		}
	}
	return ""
}
