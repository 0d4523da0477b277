package wakeword

import "testing"

func TestMatchExactPhrase(t *testing.T) {
	d := New("hey pilot", 0.88)

	rest, ok := d.Match("hey pilot turn off the lights")
	if !ok {
		t.Fatal("exact wake phrase not detected")
	}
	if rest != "turn off the lights" {
		t.Errorf("remainder = %q, want %q", rest, "turn off the lights")
	}
}

func TestMatchPhraseOnly(t *testing.T) {
	d := New("hey pilot", 0.88)

	rest, ok := d.Match("hey pilot")
	if !ok {
		t.Fatal("bare wake phrase not detected")
	}
	if rest != "" {
		t.Errorf("remainder = %q, want empty", rest)
	}
}

func TestMatchTranscriptionVariants(t *testing.T) {
	d := New("hey pilot", 0.88)

	variants := []string{
		"hey pilots what time is it",
		"hay pilot what time is it",
	}
	for _, v := range variants {
		if _, ok := d.Match(v); !ok {
			t.Errorf("variant %q not detected", v)
		}
	}
}

func TestMatchCaseInsensitive(t *testing.T) {
	d := New("Hey Pilot", 0.88)
	if _, ok := d.Match("HEY PILOT open the blinds"); !ok {
		t.Error("case-insensitive match failed")
	}
}

func TestNoMatchUnrelatedSpeech(t *testing.T) {
	d := New("hey pilot", 0.88)

	for _, text := range []string{
		"turn off the lights",
		"hey banana what time is it",
		"the weather is nice today",
		"",
	} {
		if rest, ok := d.Match(text); ok {
			t.Errorf("Match(%q) = %q, true; want no match", text, rest)
		}
	}
}

func TestMatchMidSentence(t *testing.T) {
	d := New("hey pilot", 0.88)

	rest, ok := d.Match("um hey pilot play some music")
	if !ok {
		t.Fatal("wake phrase mid-sentence not detected")
	}
	if rest != "play some music" {
		t.Errorf("remainder = %q", rest)
	}
}

func TestShorterThanPhrase(t *testing.T) {
	d := New("hey pilot", 0.88)
	if _, ok := d.Match("hey"); ok {
		t.Error("partial wake phrase detected")
	}
}

func TestInvalidThresholdFallsBack(t *testing.T) {
	d := New("hey pilot", 5.0)
	if d.threshold != 0.88 {
		t.Errorf("threshold = %v, want default 0.88", d.threshold)
	}
}
