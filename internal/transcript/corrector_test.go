package transcript

import (
	"strings"
	"testing"
)

func TestCorrectReplacesPhoneticMishearing(t *testing.T) {
	c := New([]string{"Eldrina", "Quorvex Labs"})

	got, corrections := c.Correct("tell el drina about the meeting")
	if !strings.Contains(got, "Eldrina") {
		t.Fatalf("Correct() = %q, want Eldrina substituted", got)
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(corrections))
	}
	if corrections[0].Corrected != "Eldrina" {
		t.Errorf("Corrected = %q, want Eldrina", corrections[0].Corrected)
	}
	if corrections[0].Confidence <= 0 || corrections[0].Confidence > 1 {
		t.Errorf("Confidence = %v, want in (0, 1]", corrections[0].Confidence)
	}
}

func TestCorrectMultiWordTerm(t *testing.T) {
	c := New([]string{"Quorvex Labs"})

	got, corrections := c.Correct("I work at corvex labs now")
	if !strings.Contains(got, "Quorvex Labs") {
		t.Fatalf("Correct() = %q, want Quorvex Labs substituted", got)
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(corrections))
	}
}

func TestCorrectLeavesUnrelatedTextAlone(t *testing.T) {
	c := New([]string{"Eldrina"})

	in := "the weather is nice today"
	got, corrections := c.Correct(in)
	if got != in {
		t.Errorf("Correct() = %q, want unchanged %q", got, in)
	}
	if corrections != nil {
		t.Errorf("corrections = %v, want nil", corrections)
	}
}

func TestCorrectPreservesPunctuation(t *testing.T) {
	c := New([]string{"Eldrina"})

	got, _ := c.Correct("is that eldreena?")
	if !strings.HasSuffix(got, "Eldrina?") {
		t.Errorf("Correct() = %q, want trailing punctuation preserved", got)
	}
}

func TestCorrectExactWordIsNotACorrection(t *testing.T) {
	c := New([]string{"Eldrina"})

	got, corrections := c.Correct("Eldrina called earlier")
	if corrections != nil {
		t.Errorf("corrections = %v, want nil for already-correct word", corrections)
	}
	if !strings.HasPrefix(got, "Eldrina") {
		t.Errorf("Correct() = %q, want word kept", got)
	}
}

func TestEmptyVocabularyIsNoOp(t *testing.T) {
	c := New(nil)

	in := "el drina and corvex"
	got, corrections := c.Correct(in)
	if got != in || corrections != nil {
		t.Errorf("Correct() = %q, %v; want no-op", got, corrections)
	}
}

func TestFuzzyThresholdRejectsWeakMatches(t *testing.T) {
	// "banana" shares no phonetic codes or shape with "Eldrina"; it
	// must survive untouched even with a generous phonetic threshold.
	c := New([]string{"Eldrina"}, WithPhoneticThreshold(0.5))

	got, corrections := c.Correct("I ate a banana")
	if corrections != nil {
		t.Errorf("corrections = %v, want nil; got text %q", corrections, got)
	}
}
