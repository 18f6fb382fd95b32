// Package template implements the transcode template registry: parsing
// FFmpeg-style argument strings into Template records and rendering them
// back into the flat argument string a Session hands to the encoder.
package template

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"transcodesupervisor/internal/config"
)

// Template is an immutable description of one output variant: codec,
// bitrate, resolution, frame rate, and any extra arguments the operator
// configured verbatim.
type Template struct {
	Name string

	VideoCodec    string
	VideoBitrate  int // kbps
	Width         int
	Height        int
	FrameRate     int
	ExtraVideoArg string

	AudioCodec    string
	AudioBitrate  int // kbps
	ExtraAudioArg string

	FilterArg string
}

// IsValid reports whether t has a name and at least one codec set.
func (t Template) IsValid() bool {
	return t.Name != "" && (t.VideoCodec != "" || t.AudioCodec != "")
}

// Render returns the flat argument string a Session composes into the
// encoder command line, in the fixed order: video codec, video bitrate,
// frame rate, extra video args, audio codec, audio bitrate, extra audio
// args, filter args.
func (t Template) Render() string {
	var b strings.Builder
	if t.VideoCodec != "" {
		fmt.Fprintf(&b, " -vcodec %s", t.VideoCodec)
		if t.VideoBitrate > 0 {
			fmt.Fprintf(&b, " -b:v %dk", t.VideoBitrate)
		}
		if t.FrameRate > 0 {
			fmt.Fprintf(&b, " -r %d", t.FrameRate)
		}
		if t.ExtraVideoArg != "" {
			b.WriteByte(' ')
			b.WriteString(t.ExtraVideoArg)
		}
	}
	if t.AudioCodec != "" {
		fmt.Fprintf(&b, " -acodec %s", t.AudioCodec)
		if t.AudioBitrate > 0 {
			fmt.Fprintf(&b, " -b:a %dk", t.AudioBitrate)
		}
		if t.ExtraAudioArg != "" {
			b.WriteByte(' ')
			b.WriteString(t.ExtraAudioArg)
		}
	}
	if t.FilterArg != "" {
		b.WriteByte(' ')
		b.WriteString(t.FilterArg)
	}
	return strings.TrimSpace(b.String())
}

var scaleRegexp = regexp.MustCompile(`scale=(\d+):(\d+)`)

// Parse tokenizes a whitespace-separated FFmpeg-style argument string into
// a Template. Unknown tokens are preserved verbatim in the relevant
// free-form trailing field (video or audio, based on which section of the
// string they trail) rather than dropped.
func Parse(name, params string) (Template, error) {
	tmpl := Template{Name: name}
	tokens := strings.Fields(params)

	var videoExtra, audioExtra []string
	section := "video" // tokens before the first -acodec are "video extras"

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch tok {
		case "-vcodec":
			if i+1 >= len(tokens) {
				return Template{}, fmt.Errorf("template %q: -vcodec missing value", name)
			}
			i++
			tmpl.VideoCodec = tokens[i]
		case "-acodec":
			if i+1 >= len(tokens) {
				return Template{}, fmt.Errorf("template %q: -acodec missing value", name)
			}
			i++
			tmpl.AudioCodec = tokens[i]
			section = "audio"
		case "-b:v":
			if i+1 >= len(tokens) {
				return Template{}, fmt.Errorf("template %q: -b:v missing value", name)
			}
			i++
			kbps, err := parseKbps(tokens[i])
			if err != nil {
				return Template{}, fmt.Errorf("template %q: -b:v: %w", name, err)
			}
			tmpl.VideoBitrate = kbps
		case "-b:a":
			if i+1 >= len(tokens) {
				return Template{}, fmt.Errorf("template %q: -b:a missing value", name)
			}
			i++
			kbps, err := parseKbps(tokens[i])
			if err != nil {
				return Template{}, fmt.Errorf("template %q: -b:a: %w", name, err)
			}
			tmpl.AudioBitrate = kbps
		case "-r":
			if i+1 >= len(tokens) {
				return Template{}, fmt.Errorf("template %q: -r missing value", name)
			}
			i++
			fps, err := strconv.Atoi(tokens[i])
			if err != nil {
				return Template{}, fmt.Errorf("template %q: -r: %w", name, err)
			}
			tmpl.FrameRate = fps
		case "-vf":
			if i+1 >= len(tokens) {
				return Template{}, fmt.Errorf("template %q: -vf missing value", name)
			}
			i++
			expr := tokens[i]
			if m := scaleRegexp.FindStringSubmatch(expr); m != nil {
				tmpl.Width, _ = strconv.Atoi(m[1])
				tmpl.Height, _ = strconv.Atoi(m[2])
			}
			tmpl.FilterArg = strings.TrimSpace(tmpl.FilterArg + " -vf " + expr)
		default:
			if section == "video" {
				videoExtra = append(videoExtra, tok)
			} else {
				audioExtra = append(audioExtra, tok)
			}
		}
	}

	tmpl.ExtraVideoArg = strings.Join(videoExtra, " ")
	tmpl.ExtraAudioArg = strings.Join(audioExtra, " ")

	if !tmpl.IsValid() {
		return Template{}, fmt.Errorf("template %q: invalid (no name or no codec)", name)
	}
	return tmpl, nil
}

func parseKbps(raw string) (int, error) {
	raw = strings.TrimSuffix(strings.TrimSuffix(raw, "k"), "K")
	return strconv.Atoi(raw)
}

// Registry holds the set of named templates known to the supervisor.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]Template)}
}

// Get returns the named template.
func (r *Registry) Get(name string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	return t, ok
}

// List returns all templates in unspecified order.
func (r *Registry) List() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	return out
}

// Add registers t, replacing any template of the same name. It fails if t
// is invalid.
func (r *Registry) Add(t Template) bool {
	if !t.IsValid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name] = t
	return true
}

// Remove deletes the named template, reporting whether it existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[name]; !ok {
		return false
	}
	delete(r.templates, name)
	return true
}

// reset atomically clears and replaces the registry contents. Used by
// Load to make a reload all-or-nothing from the caller's perspective.
func (r *Registry) reset(templates map[string]Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates = templates
}

// Exists reports whether name is a registered template.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.templates[name]
	return ok
}

// keyPrefix is the config.Store namespace templates live under: a key
// "templates.1080p60" holds that template's FFmpeg-style argument string.
const keyPrefix = "templates."

// Load reads every "templates.<name>" entry from store and rebuilds r in
// one atomic swap. A template body that fails to parse is logged and
// skipped rather than aborting the whole reload, so one operator typo
// cannot take every other template offline.
func Load(ctx context.Context, store config.Store, logger *slog.Logger) (*Registry, error) {
	keys, err := store.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("template: list keys: %w", err)
	}

	templates := make(map[string]Template, len(keys))
	skipped := 0
	for _, key := range keys {
		name := strings.TrimPrefix(key, keyPrefix)
		if name == "" {
			continue
		}
		params, ok, err := store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("template: get %q: %w", key, err)
		}
		if !ok {
			continue
		}
		tmpl, err := Parse(name, params)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping invalid template", "name", name, "error", err)
			}
			skipped++
			continue
		}
		templates[name] = tmpl
	}
	if logger != nil {
		logger.Info("templates loaded", "loaded", len(templates), "skipped", skipped)
	}

	r := NewRegistry()
	r.reset(templates)
	return r, nil
}

// Reload refreshes an existing registry in place from store, using the
// same skip-and-log policy as Load. It returns the count of templates
// successfully loaded.
func Reload(ctx context.Context, store config.Store, logger *slog.Logger, r *Registry) (int, error) {
	fresh, err := Load(ctx, store, logger)
	if err != nil {
		return 0, err
	}
	fresh.mu.RLock()
	n := len(fresh.templates)
	templates := fresh.templates
	fresh.mu.RUnlock()

	r.reset(templates)
	return n, nil
}
