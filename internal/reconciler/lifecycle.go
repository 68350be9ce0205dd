package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/sonroyaalmerol/caldav-sync/internal/discovery"
	"github.com/sonroyaalmerol/caldav-sync/internal/model"
	"github.com/sonroyaalmerol/caldav-sync/internal/quirks"
	"github.com/sonroyaalmerol/caldav-sync/internal/store"
	"github.com/sonroyaalmerol/caldav-sync/internal/synerr"
	"github.com/sonroyaalmerol/caldav-sync/internal/transport"
)

// Discover runs discovery against baseURL with creds, without persisting
// anything: the caller decides what becomes an Account.
func (r *Reconciler) Discover(ctx context.Context, baseURL string, creds transport.Credentials) (*discovery.Result, error) {
	tr := transport.New(r.trCfg, creds, r.log)
	return discovery.New(tr, r.log).Discover(ctx, baseURL)
}

// AccountMeta is the caller-supplied half of Attach: the discovery result's
// identifying fields plus the credentials to persist, since Discover itself
// never stores them.
type AccountMeta struct {
	Provider        model.ProviderFamily
	BaseURL         string
	PrincipalURL    string
	CalendarHomeURL string
	IdentityLabel   string
	Credentials     transport.Credentials
}

// Attach persists a new Account plus the caller-selected subset of
// discovered calendars, and stores its credentials. (provider,
// identityLabel) is unique; attaching an already-known pair returns the
// existing account id instead of erroring, so re-running discovery/attach
// is safe.
func (r *Reconciler) Attach(ctx context.Context, meta AccountMeta, selected []discovery.Calendar) (string, error) {
	if existing, err := r.st.FindAccount(ctx, meta.Provider, meta.IdentityLabel); err == nil && existing != nil {
		return existing.ID, r.attachCalendars(ctx, existing.ID, selected)
	} else if err != nil && err != store.ErrNotFound {
		return "", synerr.New(synerr.InternalInvariant, false, err)
	}

	acc := &model.Account{
		ID:              newID(),
		Provider:        meta.Provider,
		BaseURL:         meta.BaseURL,
		PrincipalURL:    meta.PrincipalURL,
		CalendarHomeURL: meta.CalendarHomeURL,
		IdentityLabel:   meta.IdentityLabel,
	}
	if err := r.st.CreateAccount(ctx, acc); err != nil {
		return "", synerr.New(synerr.InternalInvariant, false, fmt.Errorf("reconciler: create account: %w", err))
	}
	if err := r.creds.Update(ctx, acc.ID, meta.Credentials); err != nil {
		return "", err
	}
	if err := r.attachCalendars(ctx, acc.ID, selected); err != nil {
		return "", err
	}
	return acc.ID, nil
}

func (r *Reconciler) attachCalendars(ctx context.Context, accountID string, selected []discovery.Calendar) error {
	for _, dc := range selected {
		cal := &model.Calendar{
			ID:          newID(),
			AccountID:   accountID,
			URL:         dc.URL,
			DisplayName: dc.DisplayName,
			Color:       dc.Color,
			ReadOnly:    dc.ReadOnly,
			Visible:     true,
			CTag:        dc.CTag,
			SyncToken:   dc.SyncToken,
			LastSync:    time.Time{},
		}
		if err := r.st.CreateCalendar(ctx, cal); err != nil {
			return synerr.New(synerr.InternalInvariant, false, fmt.Errorf("reconciler: create calendar %s: %w", dc.URL, err))
		}
	}
	return nil
}

// Detach deletes accountID and invalidates its stored credentials.
// Calendar/event cleanup is the Store backend's responsibility (cascading
// delete); the store owns the entities.
func (r *Reconciler) Detach(ctx context.Context, accountID string) error {
	if err := r.st.DeleteAccount(ctx, accountID); err != nil {
		return synerr.New(synerr.InternalInvariant, false, err)
	}
	return r.creds.Invalidate(ctx, accountID)
}

// DetectFamily is a small convenience: sniff a provider family from a bare
// host (quirks.Detect with no response headers) before the first Discover
// call picks one anyway. The CLI does not call it.
func DetectFamily(baseURL string) model.ProviderFamily {
	return quirks.Detect(baseURL, nil)
}
