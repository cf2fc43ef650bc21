package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"orgpass.org/internal/credential"
	"orgpass.org/internal/identity"
)

const credentialColumns = `id, code, expires_at, issued_by, active, redeemed_by, redeemed_at, description, created_at`

func scanCredential(row rowScanner) (credential.Credential, error) {
	var (
		c          credential.Credential
		redeemedBy sql.NullString
		redeemedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Code, &c.ExpiresAt, &c.IssuedBy, &c.Active, &redeemedBy, &redeemedAt,
		&c.Description, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return credential.Credential{}, credential.ErrNotFound
		}
		return credential.Credential{}, err
	}
	if redeemedBy.Valid {
		c.Redemption = &credential.Redemption{IdentityID: redeemedBy.String, RedeemedAt: redeemedAt.Time.UTC()}
	}
	c.ExpiresAt = c.ExpiresAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (s *Store) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `select exists(select 1 from credentials where code=$1)`,
		credential.NormalizeCode(code)).Scan(&exists)
	return exists, err
}

func (s *Store) Create(ctx context.Context, c credential.Credential) error {
	return s.inTx(ctx, func(tx *sql.Tx) error { return insertCredential(ctx, tx, c) })
}

func (s *Store) CreateBatch(ctx context.Context, cs []credential.Credential) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range cs {
			if err := insertCredential(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertCredential(ctx context.Context, tx *sql.Tx, c credential.Credential) error {
	var redeemedBy sql.NullString
	var redeemedAt sql.NullTime
	if c.Redemption != nil {
		redeemedBy = sql.NullString{String: c.Redemption.IdentityID, Valid: true}
		redeemedAt = sql.NullTime{Time: c.Redemption.RedeemedAt, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		insert into credentials (`+credentialColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, c.ID, credential.NormalizeCode(c.Code), c.ExpiresAt, c.IssuedBy, c.Active, redeemedBy, redeemedAt,
		c.Description, c.CreatedAt)
	if isUniqueViolation(err) {
		return credential.ErrDuplicateCode
	}
	return err
}

func (s *Store) GetByID(ctx context.Context, id string) (credential.Credential, error) {
	return scanCredential(s.db.QueryRowContext(ctx, `select `+credentialColumns+` from credentials where id=$1`, id))
}

func (s *Store) GetByCode(ctx context.Context, code string) (credential.Credential, error) {
	return scanCredential(s.db.QueryRowContext(ctx, `select `+credentialColumns+` from credentials where code=$1`,
		credential.NormalizeCode(code)))
}

// Redeem locks the identity row and then the credential row, so concurrent
// redemptions of one code serialize on the credential and only the first
// sees it unused.
func (s *Store) Redeem(ctx context.Context, in credential.RedeemRecord) (credential.Credential, identity.Grant, error) {
	var (
		out   credential.Credential
		grant identity.Grant
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			who     identity.Identity
			grantID sql.NullString
		)
		err := tx.QueryRowContext(ctx, `
			select id, account_type, grant_credential_id from identities where id=$1 for update
		`, in.IdentityID).Scan(&who.ID, &who.AccountType, &grantID)
		if errors.Is(err, sql.ErrNoRows) {
			return identity.ErrNotFound
		}
		if err != nil {
			return err
		}
		if grantID.Valid {
			who.Grant = &identity.Grant{CredentialID: grantID.String}
		}

		c, err := scanCredential(tx.QueryRowContext(ctx, `
			select `+credentialColumns+` from credentials where code=$1 for update
		`, credential.NormalizeCode(in.Code)))
		if err != nil {
			return err
		}
		if identity.HasCapability(who, identity.CapabilityCreateOrganization) {
			return credential.ErrAlreadyGranted
		}
		if err := c.Check(in.Now); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			update credentials set redeemed_by=$2, redeemed_at=$3
			where id=$1 and redeemed_at is null
		`, c.ID, in.IdentityID, in.Now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return credential.ErrAlreadyUsed
		}
		grant = identity.Grant{CredentialID: c.ID, GrantedAt: in.Now}
		if err := attachGrant(ctx, tx, in.IdentityID, grant); err != nil {
			return err
		}
		c.Redemption = &credential.Redemption{IdentityID: in.IdentityID, RedeemedAt: in.Now}
		out = c
		return nil
	})
	if err != nil {
		return credential.Credential{}, identity.Grant{}, err
	}
	return out, grant, nil
}

func (s *Store) Deactivate(ctx context.Context, id string) (credential.Credential, error) {
	var out credential.Credential
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		c, err := scanCredential(tx.QueryRowContext(ctx, `
			select `+credentialColumns+` from credentials where id=$1 for update
		`, id))
		if err != nil {
			return err
		}
		if c.Used() {
			return credential.ErrAlreadyUsed
		}
		if c.Active {
			if _, err := tx.ExecContext(ctx, `update credentials set active=false where id=$1`, id); err != nil {
				return err
			}
			c.Active = false
		}
		out = c
		return nil
	})
	return out, err
}

func (s *Store) Stats(ctx context.Context, now time.Time) (credential.Stats, error) {
	var st credential.Stats
	err := s.db.QueryRowContext(ctx, `
		select
			count(*),
			count(*) filter (where active and expires_at > $1 and redeemed_at is null),
			count(*) filter (where expires_at <= $1),
			count(*) filter (where redeemed_at is not null),
			count(*) filter (where redeemed_at is null)
		from credentials
	`, now).Scan(&st.Total, &st.Active, &st.Expired, &st.Used, &st.Unused)
	return st, err
}
