package rp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loginrelay/loginrelay/pkg/nonce"
	"github.com/loginrelay/loginrelay/pkg/oauth2"
	"github.com/loginrelay/loginrelay/pkg/oidc"
	"github.com/loginrelay/loginrelay/pkg/token"
	"github.com/loginrelay/loginrelay/pkg/util"
	"github.com/segmentio/ksuid"
)

type FlowState string

const (
	FlowInitiated        FlowState = "INITIATED"
	FlowRedirected       FlowState = "REDIRECTED"
	FlowCallbackReceived FlowState = "CALLBACK_RECEIVED"
	FlowExchanging       FlowState = "EXCHANGING"
	FlowFetchingProfile  FlowState = "FETCHING_PROFILE"
	FlowIssuing          FlowState = "ISSUING"
	FlowCompleted        FlowState = "COMPLETED"
	FlowFailed           FlowState = "FAILED"
)

// FailureReason doubles as the opaque error code surfaced to the user.
type FailureReason string

const (
	FailureInvalidState FailureReason = "invalid_state"
	FailureAuthDenied   FailureReason = "auth_denied"
	FailureUnavailable  FailureReason = "unavailable"
	FailurePolicyDenied FailureReason = "policy_denied"
	FailureTimeout      FailureReason = "timeout"
)

type FlowError struct {
	Reason FailureReason
	Err    error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("login flow failed (%s): %v", e.Reason, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

type Transition struct {
	To FlowState
	At time.Time
}

// Flow is the per-attempt state machine. Transitions are recorded with
// timestamps for auditability and never replayed; idempotency comes from
// the single-use state token.
type Flow struct {
	ID          string
	Attempt     *LoginAttempt
	State       FlowState
	transitions []Transition
}

func newFlow(initial FlowState) *Flow {
	f := &Flow{
		ID:    ksuid.New().String(),
		State: initial,
	}
	f.transitions = append(f.transitions, Transition{To: initial, At: time.Now()})
	return f
}

func (f *Flow) Transitions() []Transition {
	return f.transitions
}

func (f *Flow) advance(to FlowState) {
	f.transitions = append(f.transitions, Transition{To: to, At: time.Now()})
	slog.Debug("Login flow transition", "flow_id", f.ID, "from", f.State, "to", to)
	f.State = to
}

func (f *Flow) fail(reason FailureReason, err error) *FlowError {
	f.advance(FlowFailed)
	slog.Warn("Login flow failed", "flow_id", f.ID, "reason", reason, "error", err)
	return &FlowError{Reason: reason, Err: err}
}

// failFromProviderCall maps an error of a back-channel provider call to
// the flow taxonomy: deadline ⇒ timeout, definitive provider rejection ⇒
// auth_denied, anything else ⇒ unavailable (retries already exhausted).
func (f *Flow) failFromProviderCall(ctx context.Context, err error) *FlowError {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return f.fail(FailureTimeout, err)
	}
	var oidcErr *oauth2.Error
	if errors.As(err, &oidcErr) {
		return f.fail(FailureAuthDenied, err)
	}
	return f.fail(FailureUnavailable, err)
}

// Orchestrator drives login attempts through the flow state machine.
type Orchestrator struct {
	providers   map[string]oidc.Client
	attempts    AttemptStore
	nonces      nonce.Service
	issuer      *token.Issuer
	attemptTTL  time.Duration
	flowTimeout time.Duration
}

// Begin creates a login attempt for a provider and returns the attempt
// together with the authorization URL to redirect the user to.
func (o *Orchestrator) Begin(providerName, returnURL string) (*LoginAttempt, string, error) {
	client, ok := o.providers[providerName]
	if !ok {
		return nil, "", fmt.Errorf("unknown provider: %s", providerName)
	}

	flow := newFlow(FlowInitiated)

	nonceValue, err := o.nonces.Get()
	if err != nil {
		return nil, "", fmt.Errorf("unable to generate nonce: %w", err)
	}

	now := time.Now()
	attempt := &LoginAttempt{
		ID:        ksuid.New().String(),
		Provider:  providerName,
		State:     oauth2.GenerateState(),
		Nonce:     nonceValue,
		Verifier:  oauth2.GenerateCodeVerifier(),
		ReturnURL: returnURL,
		CreatedAt: now,
		ExpiresAt: now.Add(o.attemptTTL),
	}

	authURL, err := client.AuthCodeURL(attempt.State, attempt.Nonce, attempt.Verifier)
	if err != nil {
		return nil, "", fmt.Errorf("unable to build authorization url: %w", err)
	}

	if err := o.attempts.SaveAttempt(attempt); err != nil {
		return nil, "", fmt.Errorf("unable to save login attempt: %w", err)
	}

	flow.Attempt = attempt
	flow.advance(FlowRedirected)
	slog.Info("Login attempt started", "flow_id", flow.ID, "attempt_id", attempt.ID, "provider", providerName)

	return attempt, authURL, nil
}

// Callback drives the flow from the provider callback to a credential.
// Every failure is terminal for the attempt; the state token has been
// consumed and a retry needs a fresh login.
func (o *Orchestrator) Callback(ctx context.Context, providerName, code, state string) (*token.Credential, string, *FlowError) {
	flow := newFlow(FlowCallbackReceived)

	attempt, err := o.attempts.ConsumeAttempt(state)
	if err != nil {
		// unknown or replayed state, possibly a CSRF attempt
		return nil, "", flow.fail(FailureInvalidState, fmt.Errorf("state %q: %w", state, err))
	}
	flow.Attempt = attempt

	if attempt.Provider != providerName {
		return nil, "", flow.fail(FailureInvalidState, fmt.Errorf("state was issued for provider %s, callback came for %s", attempt.Provider, providerName))
	}

	client := o.providers[providerName]

	ctx, cancel := context.WithTimeout(ctx, o.flowTimeout)
	defer cancel()

	flow.advance(FlowExchanging)
	tokens, err := client.Exchange(ctx, code, attempt.Verifier)
	if err != nil {
		return nil, "", flow.failFromProviderCall(ctx, err)
	}

	if tokens.IDToken != "" {
		idToken, err := client.ParseIDToken(tokens)
		if err != nil {
			return nil, "", flow.fail(FailureAuthDenied, err)
		}
		slog.Debug("Verified ID token", "flow_id", flow.ID, "id_token", util.JWSToText(tokens.IDToken))
		nonceClaim, _ := idToken.Get("nonce")
		if nonceClaim != attempt.Nonce {
			return nil, "", flow.fail(FailureInvalidState, fmt.Errorf("id token nonce does not match login attempt"))
		}
		if err := o.nonces.Redeem(attempt.Nonce); err != nil {
			return nil, "", flow.fail(FailureInvalidState, fmt.Errorf("nonce replay: %w", err))
		}
	}

	flow.advance(FlowFetchingProfile)
	profile, err := client.Userinfo(ctx, tokens.AccessToken)
	if err != nil {
		return nil, "", flow.failFromProviderCall(ctx, err)
	}

	flow.advance(FlowIssuing)
	credential, err := o.issuer.Issue(ctx, profile)
	if err != nil {
		if errors.Is(err, token.ErrPolicyRejected) {
			return nil, "", flow.fail(FailurePolicyDenied, err)
		}
		return nil, "", flow.failFromProviderCall(ctx, err)
	}

	flow.advance(FlowCompleted)
	slog.Info("Login flow completed", "flow_id", flow.ID, "attempt_id", attempt.ID, "provider", providerName)

	return credential, attempt.ReturnURL, nil
}
