package avatar

import "testing"

func TestVoiceForLanguage(t *testing.T) {
	cases := map[string]string{
		"en-US":  "en-US-AvaMultilingualNeural",
		"fr-FR":  "fr-FR-DeniseNeural",
		"fr_fr":  "fr-FR-DeniseNeural",
		"JA-jp":  "ja-JP-NanamiNeural",
		" de-DE": "de-DE-KatjaNeural",
		"de":     DefaultVoice,
		"xx-YY":  DefaultVoice,
		"":       DefaultVoice,
		"!!":     DefaultVoice,
	}
	for tag, want := range cases {
		if got := VoiceForLanguage(tag); got != want {
			t.Fatalf("VoiceForLanguage(%q) = %q, want %q", tag, got, want)
		}
	}
}

func TestVoicesSortedByLanguage(t *testing.T) {
	list := Voices()
	if len(list) != len(voicesByLanguage) {
		t.Fatalf("expected %d voices, got %d", len(voicesByLanguage), len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Language >= list[i].Language {
			t.Fatalf("voices not sorted at %d: %s >= %s", i, list[i-1].Language, list[i].Language)
		}
	}
}
