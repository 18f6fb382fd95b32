package template

import (
	"context"
	"testing"

	"transcodesupervisor/internal/config"
)

func TestParseRecognizesKnownTokens(t *testing.T) {
	tmpl, err := Parse("sd", "-vcodec libx264 -b:v 500k -r 30 -vf scale=640:360 -acodec aac -b:a 96k")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tmpl.VideoCodec != "libx264" || tmpl.VideoBitrate != 500 || tmpl.FrameRate != 30 {
		t.Fatalf("unexpected template: %+v", tmpl)
	}
	if tmpl.Width != 640 || tmpl.Height != 360 {
		t.Fatalf("scale not extracted: %+v", tmpl)
	}
	if tmpl.AudioCodec != "aac" || tmpl.AudioBitrate != 96 {
		t.Fatalf("unexpected audio fields: %+v", tmpl)
	}
}

func TestParseUppercaseKSuffix(t *testing.T) {
	tmpl, err := Parse("hd", "-vcodec libx264 -b:v 2000K")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tmpl.VideoBitrate != 2000 {
		t.Fatalf("VideoBitrate = %d, want 2000", tmpl.VideoBitrate)
	}
}

func TestParseRejectsTemplateWithNoCodec(t *testing.T) {
	_, err := Parse("bogus", "-r 30")
	if err == nil {
		t.Fatal("expected error for template with no codec set")
	}
}

func TestParseUnknownTokensPreservedVerbatim(t *testing.T) {
	tmpl, err := Parse("custom", "-vcodec libx264 -preset veryfast -acodec aac -profile:a aac_low")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tmpl.ExtraVideoArg != "-preset veryfast" {
		t.Fatalf("ExtraVideoArg = %q", tmpl.ExtraVideoArg)
	}
	if tmpl.ExtraAudioArg != "-profile:a aac_low" {
		t.Fatalf("ExtraAudioArg = %q", tmpl.ExtraAudioArg)
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	original, err := Parse("sd", "-vcodec libx264 -b:v 500k -r 30 -acodec aac -b:a 96k")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	rendered := original.Render()
	reparsed, err := Parse("sd", rendered)
	if err != nil {
		t.Fatalf("Parse(rendered): %v", err)
	}

	if reparsed.VideoCodec != original.VideoCodec ||
		reparsed.VideoBitrate != original.VideoBitrate ||
		reparsed.FrameRate != original.FrameRate ||
		reparsed.AudioCodec != original.AudioCodec ||
		reparsed.AudioBitrate != original.AudioBitrate {
		t.Fatalf("round trip mismatch: original=%+v reparsed=%+v", original, reparsed)
	}
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	tmpl, _ := Parse("sd", "-vcodec libx264")

	if !r.Add(tmpl) {
		t.Fatal("Add should succeed for valid template")
	}
	if got, ok := r.Get("sd"); !ok || got.Name != "sd" {
		t.Fatalf("Get returned %+v, %v", got, ok)
	}
	if !r.Exists("sd") {
		t.Fatal("Exists should be true after Add")
	}
	if !r.Remove("sd") {
		t.Fatal("Remove should report true for existing template")
	}
	if r.Remove("sd") {
		t.Fatal("second Remove should report false")
	}
}

func TestRegistryAddRejectsInvalidTemplate(t *testing.T) {
	r := NewRegistry()
	if r.Add(Template{Name: "broken"}) {
		t.Fatal("Add should reject a template with no codec")
	}
}

type fakeStore struct {
	values map[string]string
}

func (f fakeStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

func (f fakeStore) Keys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for k := range f.values {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

var _ config.Store = fakeStore{}

func TestLoadSkipsInvalidTemplatesButKeepsValidOnes(t *testing.T) {
	store := fakeStore{values: map[string]string{
		"templates.sd":     "-vcodec libx264 -b:v 500k",
		"templates.broken": "-r 30",
	}}

	r, err := Load(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !r.Exists("sd") {
		t.Fatal("expected sd template to load")
	}
	if r.Exists("broken") {
		t.Fatal("expected broken template to be skipped")
	}
}
