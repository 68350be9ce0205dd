package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/sonroyaalmerol/caldav-sync/internal/model"
	"github.com/sonroyaalmerol/caldav-sync/internal/store"
)

func (s *Store) CreateAccount(ctx context.Context, acc *model.Account) error {
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		insert into accounts (id, provider, base_url, principal_url, calendar_home_url, identity_label)
		values (?, ?, ?, ?, ?, ?)`,
		acc.ID, string(acc.Provider), acc.BaseURL, acc.PrincipalURL, acc.CalendarHomeURL, acc.IdentityLabel)
	return err
}

func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		select id, provider, base_url, principal_url, calendar_home_url, identity_label
		from accounts where id = ?`, id)
	return scanAccount(row)
}

func (s *Store) FindAccount(ctx context.Context, provider model.ProviderFamily, identityLabel string) (*model.Account, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		select id, provider, base_url, principal_url, calendar_home_url, identity_label
		from accounts where provider = ? and identity_label = ?`, string(provider), identityLabel)
	return scanAccount(row)
}

func (s *Store) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		select id, provider, base_url, principal_url, calendar_home_url, identity_label from accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Account
	for rows.Next() {
		var a model.Account
		var provider string
		if err := rows.Scan(&a.ID, &provider, &a.BaseURL, &a.PrincipalURL, &a.CalendarHomeURL, &a.IdentityLabel); err != nil {
			return nil, err
		}
		a.Provider = model.ProviderFamily(provider)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `delete from accounts where id = ?`, id)
	return err
}

func scanAccount(row *sql.Row) (*model.Account, error) {
	var a model.Account
	var provider string
	if err := row.Scan(&a.ID, &provider, &a.BaseURL, &a.PrincipalURL, &a.CalendarHomeURL, &a.IdentityLabel); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	a.Provider = model.ProviderFamily(provider)
	return &a, nil
}
