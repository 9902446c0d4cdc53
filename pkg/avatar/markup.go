package avatar

import (
	"encoding/xml"
	"strings"
)

// BuildMarkup wraps text in the speech markup the avatar service renders:
// a <speak> document with one <voice> element and no leading silence.
func BuildMarkup(text, voice string) string {
	if voice == "" {
		voice = DefaultVoice
	}
	var b strings.Builder
	b.WriteString("<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' ")
	b.WriteString("xmlns:mstts='http://www.w3.org/2001/mstts' xml:lang='")
	b.WriteString(escape(voiceLocale(voice)))
	b.WriteString("'><voice name='")
	b.WriteString(escape(voice))
	b.WriteString("'><mstts:leadingsilence-exact value='0'/>")
	b.WriteString(escape(text))
	b.WriteString("</voice></speak>")
	return b.String()
}

// voiceLocale takes the "ll-RR" prefix of a voice name such as "en-US-AvaNeural".
func voiceLocale(voice string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) < 3 {
		return "en-US"
	}
	return parts[0] + "-" + parts[1]
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
