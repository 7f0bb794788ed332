package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/devco/imgrelay/pkg/credential"
)

// MaxAttempts bounds a single translate call: up to 3 attempts, each
// re-obtaining a credential from the rotator.
const MaxAttempts = 3

// quotaOrRateCooldown and authCooldown are the durations a credential is
// marked failed for after each error class, inside a single translate
// call's retry loop.
const (
	quotaOrRateCooldown = 600 * time.Second
	authCooldown        = 3600 * time.Second
)

// attemptBackOff produces the 2^attempt second delay the retry policy
// calls for. attempt is 1-indexed; NextBackOff is called once before each
// retry, so the first call corresponds to the wait before attempt 2.
type attemptBackOff struct {
	attempt int
}

func (b *attemptBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(1<<uint(b.attempt)) * time.Second
}

// Rotator is the subset of *credential.Rotator the retrying translator
// needs, kept narrow so it's trivially fakeable in tests.
type Rotator interface {
	SelectCredential(ctx context.Context) (*credential.Selected, error)
	RecordUsage(ctx context.Context, sel credential.Selected, tokensUsed int64) (bool, error)
	MarkFailed(ctx context.Context, sel credential.Selected, baseDuration time.Duration) error
}

// Translate runs adapter.Translate with the retry policy from spec §4.2:
// up to MaxAttempts attempts with 2^attempt second exponential backoff,
// re-obtaining a credential from rot on every attempt. QUOTA_OR_RATE marks
// the credential failed for 600s before the next attempt, AUTH for 3600s.
func Translate(ctx context.Context, rot Rotator, adapter Adapter, imageBytes []byte, prompt string) (string, error) {
	bo := &attemptBackOff{}

	result, err := backoff.Retry(ctx, func() (string, error) {
		sel, selErr := rot.SelectCredential(ctx)
		if selErr != nil {
			return "", backoff.Permanent(selErr)
		}
		if sel == nil {
			return "", backoff.Permanent(&Error{Class: ErrorTransient, Err: errNoCredentialAvailable})
		}

		text, tokens, err := adapter.Translate(ctx, Credential{ID: sel.Credential.ID, APIKey: sel.Credential.APIKey}, imageBytes, prompt)
		if err == nil {
			if _, recordErr := rot.RecordUsage(ctx, *sel, tokens); recordErr != nil {
				return text, nil // usage accounting failure doesn't fail a successful translation
			}
			return text, nil
		}

		class := Classify(err)
		switch class {
		case ErrorQuotaOrRate:
			_ = rot.MarkFailed(ctx, *sel, quotaOrRateCooldown)
			return "", err
		case ErrorAuth:
			_ = rot.MarkFailed(ctx, *sel, authCooldown)
			return "", err
		default:
			return "", err
		}
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(MaxAttempts))

	return result, err
}

var errNoCredentialAvailable = &noCredentialError{}

type noCredentialError struct{}

func (*noCredentialError) Error() string { return "no available credential" }
