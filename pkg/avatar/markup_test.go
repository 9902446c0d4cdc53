package avatar

import (
	"encoding/xml"
	"strings"
	"testing"
)

func TestBuildMarkupEscapesText(t *testing.T) {
	out := BuildMarkup(`Tom & "Jerry" <3`, "fr-FR-DeniseNeural")
	if !strings.Contains(out, "xml:lang='fr-FR'") {
		t.Fatalf("expected locale from voice, got %s", out)
	}
	if !strings.Contains(out, "<voice name='fr-FR-DeniseNeural'>") {
		t.Fatalf("expected voice element, got %s", out)
	}
	if strings.Contains(out, "<3") || !strings.Contains(out, "Tom &amp; ") {
		t.Fatalf("text not escaped: %s", out)
	}
	if !strings.Contains(out, "<mstts:leadingsilence-exact value='0'/>") {
		t.Fatalf("expected zero leading silence, got %s", out)
	}

	var doc struct {
		XMLName xml.Name `xml:"speak"`
		Voice   struct {
			Name string `xml:"name,attr"`
			Text string `xml:",chardata"`
		} `xml:"voice"`
	}
	if err := xml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("markup is not well-formed: %v", err)
	}
	if doc.Voice.Text != `Tom & "Jerry" <3` {
		t.Fatalf("round trip mismatch: %q", doc.Voice.Text)
	}
}

func TestBuildMarkupDefaultsVoice(t *testing.T) {
	out := BuildMarkup("hi", "")
	if !strings.Contains(out, DefaultVoice) || !strings.Contains(out, "xml:lang='en-US'") {
		t.Fatalf("expected default voice, got %s", out)
	}
}
