package identity

import "orgpass.org/internal/fieldcodec"

// Profile holds the personal data of an identity. Every field is sealed
// with the field codec before it is stored.
type Profile struct {
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Description string `json:"description,omitempty"`
	Street      string `json:"street,omitempty"`
	City        string `json:"city,omitempty"`
	Region      string `json:"region,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
	Country     string `json:"country,omitempty"`
}

func (p Profile) bundle() fieldcodec.Bundle {
	return fieldcodec.Bundle{
		"first_name":  p.FirstName,
		"last_name":   p.LastName,
		"phone":       p.Phone,
		"description": p.Description,
		"street":      p.Street,
		"city":        p.City,
		"region":      p.Region,
		"postal_code": p.PostalCode,
		"country":     p.Country,
	}
}

func profileFromBundle(b fieldcodec.Bundle) Profile {
	return Profile{
		FirstName:   b["first_name"],
		LastName:    b["last_name"],
		Phone:       b["phone"],
		Description: b["description"],
		Street:      b["street"],
		City:        b["city"],
		Region:      b["region"],
		PostalCode:  b["postal_code"],
		Country:     b["country"],
	}
}

// Merge overlays the non-empty fields of patch onto p.
func (p Profile) Merge(patch Profile) Profile {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&p.FirstName, patch.FirstName)
	set(&p.LastName, patch.LastName)
	set(&p.Phone, patch.Phone)
	set(&p.Description, patch.Description)
	set(&p.Street, patch.Street)
	set(&p.City, patch.City)
	set(&p.Region, patch.Region)
	set(&p.PostalCode, patch.PostalCode)
	set(&p.Country, patch.Country)
	return p
}
