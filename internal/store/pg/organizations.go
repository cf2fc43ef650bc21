package pg

import (
	"context"
	"database/sql"
	"errors"

	"orgpass.org/internal/fieldcodec"
	"orgpass.org/internal/org"
)

const organizationColumns = `id, owner_id, name, status, public, basic, legal, contact, financial, programs, extra, revision, created_at, updated_at`

type sealedColumns struct {
	basic, legal, contact, financial, programs, extra []byte
}

func sealOrganization(o org.Organization) (sealedColumns, error) {
	var (
		cols sealedColumns
		err  error
	)
	for _, f := range []struct {
		dst   *[]byte
		v     any
		empty string
	}{
		{&cols.basic, o.Basic, "{}"},
		{&cols.legal, o.Legal, "{}"},
		{&cols.contact, o.Contact, "{}"},
		{&cols.financial, o.Financial, "{}"},
		{&cols.programs, o.Programs, "[]"},
		{&cols.extra, o.Extra, "{}"},
	} {
		if *f.dst, err = marshalJSON(f.v, f.empty); err != nil {
			return sealedColumns{}, err
		}
	}
	return cols, nil
}

func scanOrganization(row rowScanner) (org.Organization, error) {
	var (
		o    org.Organization
		cols sealedColumns
	)
	if err := row.Scan(&o.ID, &o.OwnerID, &o.Name, &o.Status, &o.Public, &cols.basic, &cols.legal,
		&cols.contact, &cols.financial, &cols.programs, &cols.extra, &o.Revision, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return org.Organization{}, org.ErrNotFound
		}
		return org.Organization{}, err
	}
	o.Basic, o.Legal, o.Contact = fieldcodec.Sealed{}, fieldcodec.Sealed{}, fieldcodec.Sealed{}
	o.Financial, o.Extra = fieldcodec.Sealed{}, fieldcodec.Sealed{}
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{cols.basic, &o.Basic},
		{cols.legal, &o.Legal},
		{cols.contact, &o.Contact},
		{cols.financial, &o.Financial},
		{cols.programs, &o.Programs},
		{cols.extra, &o.Extra},
	} {
		if err := unmarshalJSON(f.raw, f.dst); err != nil {
			return org.Organization{}, err
		}
	}
	return o, nil
}

func (s *Store) CreateOrganization(ctx context.Context, o org.Organization) error {
	cols, err := sealOrganization(o)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into organizations (`+organizationColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, o.ID, o.OwnerID, o.Name, string(o.Status), o.Public, cols.basic, cols.legal, cols.contact,
		cols.financial, cols.programs, cols.extra, o.Revision, o.CreatedAt, o.UpdatedAt)
	return err
}

func (s *Store) GetOrganization(ctx context.Context, id string) (org.Organization, error) {
	return scanOrganization(s.db.QueryRowContext(ctx, `select `+organizationColumns+` from organizations where id=$1`, id))
}

func (s *Store) UpdateOrganization(ctx context.Context, o org.Organization) error {
	cols, err := sealOrganization(o)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update organizations
		set name=$2, status=$3, public=$4, basic=$5, legal=$6, contact=$7, financial=$8,
			programs=$9, extra=$10, updated_at=$11, revision=revision+1
		where id=$1 and revision=$12
	`, o.ID, o.Name, string(o.Status), o.Public, cols.basic, cols.legal, cols.contact, cols.financial,
		cols.programs, cols.extra, o.UpdatedAt, o.Revision)
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
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from organizations where id=$1)`, o.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return org.ErrNotFound
	}
	return org.ErrModified
}

func (s *Store) DeleteOrganization(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from organizations where id=$1`, id)
	if err != nil {
		return err
	}
	return expectOne(res, org.ErrNotFound)
}

func (s *Store) DeleteOrganizationsByOwner(ctx context.Context, ownerID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from organizations where owner_id=$1`, ownerID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
