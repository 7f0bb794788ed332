package provider

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/devco/imgrelay/pkg/credential"
)

func TestClassify_DefaultsToTransient(t *testing.T) {
	if got := Classify(errors.New("boom")); got != ErrorTransient {
		t.Errorf("Classify(plain error) = %v, want TRANSIENT", got)
	}
}

func TestClassify_UnwrapsProviderError(t *testing.T) {
	err := &Error{Class: ErrorAuth, Err: errors.New("invalid key")}
	if got := Classify(err); got != ErrorAuth {
		t.Errorf("Classify = %v, want AUTH", got)
	}
}

func TestNormalizeImage_DownscalesLargeImage(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 3000, 1500))
	for y := 0; y < 1500; y++ {
		for x := 0; x < 3000; x++ {
			src.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, nil); err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}

	out, err := NormalizeImage(buf.Bytes())
	if err != nil {
		t.Fatalf("NormalizeImage: %v", err)
	}

	decoded, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decoding normalized output: %v", err)
	}
	bounds := decoded.Bounds()
	longest := bounds.Dx()
	if bounds.Dy() > longest {
		longest = bounds.Dy()
	}
	if longest > MaxLongestSide {
		t.Errorf("longest side = %d, want <= %d", longest, MaxLongestSide)
	}
}

func TestNormalizeImage_LeavesSmallImageUntouched(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 50))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, nil); err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}

	out, err := NormalizeImage(buf.Bytes())
	if err != nil {
		t.Fatalf("NormalizeImage: %v", err)
	}

	decoded, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decoding normalized output: %v", err)
	}
	if decoded.Bounds().Dx() != 100 || decoded.Bounds().Dy() != 50 {
		t.Errorf("bounds = %v, want 100x50", decoded.Bounds())
	}
}

// fakeRotator is a minimal Rotator stand-in for exercising the retry loop
// without a real coordination store.
type fakeRotator struct {
	selections  int
	markFailed  int
	recordCalls int
}

func (f *fakeRotator) SelectCredential(context.Context) (*credential.Selected, error) {
	f.selections++
	return &credential.Selected{Credential: credential.Credential{ID: "cred-1", APIKey: "key"}}, nil
}

func (f *fakeRotator) RecordUsage(context.Context, credential.Selected, int64) (bool, error) {
	f.recordCalls++
	return true, nil
}

func (f *fakeRotator) MarkFailed(context.Context, credential.Selected, time.Duration) error {
	f.markFailed++
	return nil
}

type fakeAdapter struct {
	failCount int
	failClass ErrorClass
	calls     int
}

func (a *fakeAdapter) Translate(context.Context, Credential, []byte, string) (string, int64, error) {
	a.calls++
	if a.calls <= a.failCount {
		return "", 0, &Error{Class: a.failClass, Err: errors.New("simulated failure")}
	}
	return "translated", 10, nil
}

func TestTranslate_SucceedsOnFirstAttempt(t *testing.T) {
	rot := &fakeRotator{}
	adapter := &fakeAdapter{}

	text, err := Translate(context.Background(), rot, adapter, []byte("img"), "prompt")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if text != "translated" {
		t.Errorf("text = %q", text)
	}
	if rot.selections != 1 {
		t.Errorf("selections = %d, want 1", rot.selections)
	}
}

func TestTranslate_RetriesOnTransientFailure(t *testing.T) {
	rot := &fakeRotator{}
	adapter := &fakeAdapter{failCount: 2, failClass: ErrorTransient}

	text, err := Translate(context.Background(), rot, adapter, []byte("img"), "prompt")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if text != "translated" {
		t.Errorf("text = %q", text)
	}
	if adapter.calls != 3 {
		t.Errorf("calls = %d, want 3", adapter.calls)
	}
}

func TestTranslate_MarksFailedOnQuotaOrRate(t *testing.T) {
	rot := &fakeRotator{}
	adapter := &fakeAdapter{failCount: MaxAttempts, failClass: ErrorQuotaOrRate}

	_, err := Translate(context.Background(), rot, adapter, []byte("img"), "prompt")
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if rot.markFailed != MaxAttempts {
		t.Errorf("markFailed = %d, want %d", rot.markFailed, MaxAttempts)
	}
}
