package avatar

import (
	"sort"
	"strings"

	"golang.org/x/text/language"
)

// DefaultVoice handles any language the table does not list.
const DefaultVoice = "en-US-AvaMultilingualNeural"

var voicesByLanguage = map[string]string{
	"ar-SA": "ar-SA-ZariyahNeural",
	"de-DE": "de-DE-KatjaNeural",
	"en-AU": "en-AU-NatashaNeural",
	"en-GB": "en-GB-SoniaNeural",
	"en-IN": "en-IN-NeerjaNeural",
	"en-US": "en-US-AvaMultilingualNeural",
	"es-ES": "es-ES-ElviraNeural",
	"es-MX": "es-MX-DaliaNeural",
	"fr-CA": "fr-CA-SylvieNeural",
	"fr-FR": "fr-FR-DeniseNeural",
	"hi-IN": "hi-IN-SwaraNeural",
	"id-ID": "id-ID-GadisNeural",
	"it-IT": "it-IT-ElsaNeural",
	"ja-JP": "ja-JP-NanamiNeural",
	"ko-KR": "ko-KR-SunHiNeural",
	"nl-NL": "nl-NL-ColetteNeural",
	"pl-PL": "pl-PL-ZofiaNeural",
	"pt-BR": "pt-BR-FranciscaNeural",
	"pt-PT": "pt-PT-RaquelNeural",
	"ru-RU": "ru-RU-SvetlanaNeural",
	"sv-SE": "sv-SE-SofieNeural",
	"tr-TR": "tr-TR-EmelNeural",
	"zh-CN": "zh-CN-XiaoxiaoNeural",
}

// VoiceForLanguage maps a BCP-47 tag to a neural voice. Matching is exact on
// the canonical tag ("en_us" and "EN-US" both match "en-US"); anything else
// gets DefaultVoice.
func VoiceForLanguage(tag string) string {
	if key := canonicalTag(tag); key != "" {
		if voice, ok := voicesByLanguage[key]; ok {
			return voice
		}
	}
	return DefaultVoice
}

// VoiceEntry is one row of the voice table.
type VoiceEntry struct {
	Language string
	Voice    string
}

// Voices lists the table sorted by language tag.
func Voices() []VoiceEntry {
	out := make([]VoiceEntry, 0, len(voicesByLanguage))
	for lang, voice := range voicesByLanguage {
		out = append(out, VoiceEntry{Language: lang, Voice: voice})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}

func canonicalTag(tag string) string {
	tag = strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
	if tag == "" {
		return ""
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return ""
	}
	return parsed.String()
}
