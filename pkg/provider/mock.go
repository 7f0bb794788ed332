package provider

import (
	"context"
	"fmt"
)

// MockAdapter is the default Adapter backend: it does not call out to any
// external translation service, returning deterministic placeholder text
// instead. It exists so the dispatch fabric is exercisable end to end
// without a real provider credential.
type MockAdapter struct{}

// Translate implements Adapter.
func (MockAdapter) Translate(_ context.Context, cred Credential, imageBytes []byte, prompt string) (string, int64, error) {
	text := fmt.Sprintf("[mock translation via %s] %s (%d bytes)", cred.ID, prompt, len(imageBytes))
	tokensUsed := int64(len(prompt)/4) + int64(len(imageBytes)/1024)
	return text, tokensUsed, nil
}
