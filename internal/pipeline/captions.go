package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lessonplans/ingest/internal/models"
	"github.com/lessonplans/ingest/internal/retry"
)

// CaptionFilenameField is the lesson data field naming the transcript file.
const CaptionFilenameField = "videoTitle"

// ErrNoCaptions is returned when a lesson has no transcript to fetch.
var ErrNoCaptions = errors.New("no captions available")

// HTTPCaptionFetcher downloads WebVTT transcripts from a static file host.
type HTTPCaptionFetcher struct {
	BaseURL string
	Client  *http.Client
	Policy  retry.Policy
}

// NewHTTPCaptionFetcher creates a fetcher for files under baseURL.
func NewHTTPCaptionFetcher(baseURL string, timeout time.Duration) *HTTPCaptionFetcher {
	return &HTTPCaptionFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
		Policy:  retry.DefaultPolicy(),
	}
}

// FetchCaptions GETs <base>/<filename>.vtt and parses its cues.
func (f *HTTPCaptionFetcher) FetchCaptions(ctx context.Context, filename string) ([]models.CaptionLine, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, ErrNoCaptions
	}
	target := f.BaseURL + "/" + url.PathEscape(filename) + ".vtt"

	var lines []models.CaptionLine
	err := retry.Do(ctx, f.Policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		resp, err := f.Client.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNoCaptions, filename)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return retry.Retryable(fmt.Errorf("captions host returned %d", resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("captions host returned %d", resp.StatusCode)
		}

		lines, err = ParseVTT(resp.Body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch captions %q: %w", filename, err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoCaptions, filename)
	}
	return lines, nil
}

// ParseVTT reads WebVTT cues. Cue identifiers, NOTE/STYLE/REGION blocks and
// inline tags are dropped; multi-line cue text is joined with a space.
func ParseVTT(r io.Reader) ([]models.CaptionLine, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		lines  []models.CaptionLine
		cue    *models.CaptionLine
		text   []string
		header = true
		skip   bool
	)
	flush := func() {
		if cue != nil && len(text) > 0 {
			cue.Text = strings.Join(text, " ")
			lines = append(lines, *cue)
		}
		cue, text, skip = nil, nil, false
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if header {
			header = false
			if !strings.HasPrefix(strings.TrimPrefix(line, "\ufeff"), "WEBVTT") {
				return nil, errors.New("captions are not WebVTT")
			}
			skip = true
			continue
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flush()
		case skip:
		case cue == nil && (strings.HasPrefix(trimmed, "NOTE") || trimmed == "STYLE" || trimmed == "REGION"):
			skip = true
		case strings.Contains(trimmed, "-->"):
			start, end, _ := strings.Cut(trimmed, "-->")
			end = strings.TrimSpace(end)
			if i := strings.IndexByte(end, ' '); i >= 0 {
				end = end[:i] // cue settings
			}
			cue = &models.CaptionLine{Start: strings.TrimSpace(start), End: end}
		case cue == nil:
			// cue identifier
		default:
			if t := stripTags(trimmed); t != "" {
				text = append(text, t)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read captions: %w", err)
	}
	flush()
	return lines, nil
}

func stripTags(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>' && inTag:
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// captionFilename reads the transcript filename from lesson data. Lessons
// without a video have no filename and no transcript.
func captionFilename(data json.RawMessage) (string, bool, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", false, fmt.Errorf("lesson data is not an object: %w", err)
	}
	name, _ := fields[CaptionFilenameField].(string)
	name = strings.TrimSpace(name)
	return name, name != "", nil
}
