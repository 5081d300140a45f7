package dispatch

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/relaymail/dispatch/internal/domain"
	"github.com/relaymail/dispatch/internal/provider"
	"github.com/relaymail/dispatch/internal/secrets"
	"github.com/relaymail/dispatch/internal/store"
)

// Verifier checks stored account credentials against the live backend.
// A failed check moves the account to failed; ordinary send errors
// never do that, only an explicit verification.
type Verifier struct {
	store    *store.Store
	cipher   *secrets.Cipher
	registry *provider.Registry
}

// NewVerifier creates an account credential verifier.
func NewVerifier(st *store.Store, cipher *secrets.Cipher, registry *provider.Registry) *Verifier {
	return &Verifier{store: st, cipher: cipher, registry: registry}
}

// VerifyAccount decrypts the account's credentials and asks the
// backend whether they are usable. Success reactivates a failed
// account and stamps last sync; failure moves it to failed.
func (v *Verifier) VerifyAccount(ctx context.Context, accountID uuid.UUID) (bool, error) {
	account, err := v.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}

	creds, err := v.cipher.DecryptMap(account.Credentials)
	if err != nil {
		return false, fmt.Errorf("decrypt credentials: %w", err)
	}
	if !provider.ValidateCredentials(account.Backend, provider.Credentials(creds)) {
		if err := v.store.UpdateAccountStatus(ctx, accountID, domain.AccountFailed); err != nil {
			return false, err
		}
		return false, nil
	}

	adapter, err := v.registry.Adapter(account.Backend, provider.Credentials(creds))
	if err != nil {
		return false, err
	}

	ok, err := adapter.VerifyCredentials(ctx)
	if err != nil {
		log.Printf("[Verify] %s credential check error for %s: %v", account.Backend, accountID, err)
	}
	if !ok {
		if uerr := v.store.UpdateAccountStatus(ctx, accountID, domain.AccountFailed); uerr != nil {
			return false, uerr
		}
		return false, err
	}

	if account.Status == domain.AccountFailed {
		if err := v.store.UpdateAccountStatus(ctx, accountID, domain.AccountActive); err != nil {
			return true, err
		}
	}
	if err := v.store.TouchLastSync(ctx, accountID); err != nil {
		return true, err
	}
	return true, nil
}
