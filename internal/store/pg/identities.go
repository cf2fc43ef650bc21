package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"orgpass.org/internal/fieldcodec"
	"orgpass.org/internal/identity"
)

const identityColumns = `id, email, password_hash, account_type, grant_credential_id, granted_at, profile, active, refresh_tokens, created_at, updated_at`

func scanIdentity(row rowScanner) (identity.Identity, error) {
	var (
		out       identity.Identity
		grantID   sql.NullString
		grantedAt sql.NullTime
		profile   []byte
		tokens    []byte
	)
	if err := row.Scan(&out.ID, &out.Email, &out.PasswordHash, &out.AccountType, &grantID, &grantedAt,
		&profile, &out.Active, &tokens, &out.CreatedAt, &out.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Identity{}, identity.ErrNotFound
		}
		return identity.Identity{}, err
	}
	if grantID.Valid {
		out.Grant = &identity.Grant{CredentialID: grantID.String, GrantedAt: grantedAt.Time.UTC()}
	}
	out.Profile = fieldcodec.Sealed{}
	if err := unmarshalJSON(profile, &out.Profile); err != nil {
		return identity.Identity{}, err
	}
	if err := unmarshalJSON(tokens, &out.RefreshTokens); err != nil {
		return identity.Identity{}, err
	}
	return out, nil
}

func (s *Store) CreateIdentity(ctx context.Context, id identity.Identity) error {
	profile, err := marshalJSON(id.Profile, "{}")
	if err != nil {
		return err
	}
	tokens, err := marshalJSON(id.RefreshTokens, "[]")
	if err != nil {
		return err
	}
	var grantID sql.NullString
	var grantedAt sql.NullTime
	if id.Grant != nil {
		grantID = sql.NullString{String: id.Grant.CredentialID, Valid: true}
		grantedAt = sql.NullTime{Time: id.Grant.GrantedAt, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		insert into identities (`+identityColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, id.ID, id.Email, id.PasswordHash, string(id.AccountType), grantID, grantedAt,
		profile, id.Active, tokens, id.CreatedAt, id.UpdatedAt)
	if isUniqueViolation(err) {
		return identity.ErrEmailTaken
	}
	return err
}

func (s *Store) GetIdentity(ctx context.Context, id string) (identity.Identity, error) {
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where id=$1`, id)
	return scanIdentity(row)
}

func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (identity.Identity, error) {
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where email=$1`, email)
	return scanIdentity(row)
}

func (s *Store) UpdateProfile(ctx context.Context, id string, profile fieldcodec.Sealed, at time.Time) error {
	raw, err := marshalJSON(profile, "{}")
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `update identities set profile=$2, updated_at=$3 where id=$1`, id, raw, at)
	if err != nil {
		return err
	}
	return expectOne(res, identity.ErrNotFound)
}

func (s *Store) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update identities set active=$2, updated_at=$3 where id=$1`, id, active, at)
	if err != nil {
		return err
	}
	return expectOne(res, identity.ErrNotFound)
}

func (s *Store) AttachGrant(ctx context.Context, id string, g identity.Grant) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return attachGrant(ctx, tx, id, g)
	})
}

// attachGrant sets the grant only while none is present.
func attachGrant(ctx context.Context, tx *sql.Tx, id string, g identity.Grant) error {
	res, err := tx.ExecContext(ctx, `
		update identities set grant_credential_id=$2, granted_at=$3, updated_at=$3
		where id=$1 and grant_credential_id is null
	`, id, g.CredentialID, g.GrantedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from identities where id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return identity.ErrNotFound
	}
	return identity.ErrGrantConflict
}

func (s *Store) AddRefreshToken(ctx context.Context, id, hash string) error {
	return s.mutateTokens(ctx, id, func(tokens []string) ([]string, bool) {
		return identity.PushRefreshToken(tokens, hash), true
	})
}

func (s *Store) RemoveRefreshToken(ctx context.Context, id, hash string) (bool, error) {
	var found bool
	err := s.mutateTokens(ctx, id, func(tokens []string) ([]string, bool) {
		var next []string
		next, found = identity.DropRefreshToken(tokens, hash)
		return next, found
	})
	return found, err
}

func (s *Store) mutateTokens(ctx context.Context, id string, fn func([]string) ([]string, bool)) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx, `select refresh_tokens from identities where id=$1 for update`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return identity.ErrNotFound
		}
		if err != nil {
			return err
		}
		var tokens []string
		if err := unmarshalJSON(raw, &tokens); err != nil {
			return err
		}
		next, changed := fn(tokens)
		if !changed {
			return nil
		}
		out, err := marshalJSON(next, "[]")
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `update identities set refresh_tokens=$2 where id=$1`, id, out)
		return err
	})
}

func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from identities where id=$1`, id)
	if err != nil {
		return err
	}
	return expectOne(res, identity.ErrNotFound)
}
