package org

import (
	"sort"
	"strconv"

	"orgpass.org/internal/fieldcodec"
)

// BasicInfo is the part of an organization shown in the public view.
type BasicInfo struct {
	Description string `json:"description,omitempty"`
	Website     string `json:"website,omitempty"`
	Founded     string `json:"founded,omitempty"`
	Category    string `json:"category,omitempty"`
}

// LegalInfo identifies the organization to authorities.
type LegalInfo struct {
	LegalName          string `json:"legal_name,omitempty"`
	RegistrationNumber string `json:"registration_number,omitempty"`
	TaxID              string `json:"tax_id,omitempty"`
	Jurisdiction       string `json:"jurisdiction,omitempty"`
}

// ContactInfo is how to reach the organization.
type ContactInfo struct {
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// FinancialInfo holds banking details.
type FinancialInfo struct {
	BankName      string `json:"bank_name,omitempty"`
	AccountHolder string `json:"account_holder,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	Routing       string `json:"routing,omitempty"`
}

// Details is the decrypted content of an organization.
type Details struct {
	Basic     BasicInfo         `json:"basic"`
	Legal     LegalInfo         `json:"legal"`
	Contact   ContactInfo       `json:"contact"`
	Financial FinancialInfo     `json:"financial"`
	Programs  []string          `json:"programs,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

func (b BasicInfo) bundle() fieldcodec.Bundle {
	return fieldcodec.Bundle{
		"description": b.Description,
		"website":     b.Website,
		"founded":     b.Founded,
		"category":    b.Category,
	}
}

func basicFrom(b fieldcodec.Bundle) BasicInfo {
	return BasicInfo{
		Description: b["description"],
		Website:     b["website"],
		Founded:     b["founded"],
		Category:    b["category"],
	}
}

func (l LegalInfo) bundle() fieldcodec.Bundle {
	return fieldcodec.Bundle{
		"legal_name":          l.LegalName,
		"registration_number": l.RegistrationNumber,
		"tax_id":              l.TaxID,
		"jurisdiction":        l.Jurisdiction,
	}
}

func legalFrom(b fieldcodec.Bundle) LegalInfo {
	return LegalInfo{
		LegalName:          b["legal_name"],
		RegistrationNumber: b["registration_number"],
		TaxID:              b["tax_id"],
		Jurisdiction:       b["jurisdiction"],
	}
}

func (c ContactInfo) bundle() fieldcodec.Bundle {
	return fieldcodec.Bundle{
		"email":       c.Email,
		"phone":       c.Phone,
		"street":      c.Street,
		"city":        c.City,
		"region":      c.Region,
		"postal_code": c.PostalCode,
		"country":     c.Country,
	}
}

func contactFrom(b fieldcodec.Bundle) ContactInfo {
	return ContactInfo{
		Email:      b["email"],
		Phone:      b["phone"],
		Street:     b["street"],
		City:       b["city"],
		Region:     b["region"],
		PostalCode: b["postal_code"],
		Country:    b["country"],
	}
}

func (f FinancialInfo) bundle() fieldcodec.Bundle {
	return fieldcodec.Bundle{
		"bank_name":      f.BankName,
		"account_holder": f.AccountHolder,
		"account_number": f.AccountNumber,
		"routing":        f.Routing,
	}
}

func financialFrom(b fieldcodec.Bundle) FinancialInfo {
	return FinancialInfo{
		BankName:      b["bank_name"],
		AccountHolder: b["account_holder"],
		AccountNumber: b["account_number"],
		Routing:       b["routing"],
	}
}

// seal encodes d into the sealed columns of o.
func seal(codec fieldcodec.Encrypter, d Details, o *Organization) error {
	var err error
	if o.Basic, err = codec.SealBundle(d.Basic.bundle()); err != nil {
		return err
	}
	if o.Legal, err = codec.SealBundle(d.Legal.bundle()); err != nil {
		return err
	}
	if o.Contact, err = codec.SealBundle(d.Contact.bundle()); err != nil {
		return err
	}
	if o.Financial, err = codec.SealBundle(d.Financial.bundle()); err != nil {
		return err
	}
	o.Programs = nil
	for _, p := range d.Programs {
		blob, err := codec.Encode(p)
		if err != nil {
			return err
		}
		if !blob.IsAbsent() {
			o.Programs = append(o.Programs, blob)
		}
	}
	if o.Extra, err = codec.SealBundle(fieldcodec.Bundle(d.Extra)); err != nil {
		return err
	}
	return nil
}

// open decodes every sealed column of o. Unreadable fields are reported
// as "<group>.<field>", "programs.<index>" or "extra.<key>".
func open(codec fieldcodec.Encrypter, o Organization) (Details, []string) {
	var degraded []string
	collect := func(group string, names []string) {
		for _, n := range names {
			degraded = append(degraded, group+"."+n)
		}
	}

	basic, bad := codec.OpenGroup("basic", o.Basic)
	collect("basic", bad)
	legal, bad := codec.OpenGroup("legal", o.Legal)
	collect("legal", bad)
	contact, bad := codec.OpenGroup("contact", o.Contact)
	collect("contact", bad)
	financial, bad := codec.OpenGroup("financial", o.Financial)
	collect("financial", bad)
	extra, bad := codec.OpenGroup("extra", o.Extra)
	collect("extra", bad)

	d := Details{
		Basic:     basicFrom(basic),
		Legal:     legalFrom(legal),
		Contact:   contactFrom(contact),
		Financial: financialFrom(financial),
	}
	for i, blob := range o.Programs {
		field := "programs." + strconv.Itoa(i)
		p, err := codec.DecodeField(field, blob)
		if err != nil {
			degraded = append(degraded, field)
			continue
		}
		d.Programs = append(d.Programs, p)
	}
	if len(extra) > 0 {
		d.Extra = map[string]string(extra)
	}
	sort.Strings(degraded)
	return d, degraded
}
