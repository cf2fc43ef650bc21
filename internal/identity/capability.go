package identity

// Capability names a privileged action.
type Capability string

// CapabilityCreateOrganization allows registering an organization.
const CapabilityCreateOrganization Capability = "organization.create"

// accountKind decides which capabilities an account type holds.
type accountKind interface {
	allows(id Identity, c Capability) bool
}

// grantHolder accounts need a redeemed credential.
type grantHolder struct{}

func (grantHolder) allows(id Identity, c Capability) bool {
	switch c {
	case CapabilityCreateOrganization:
		return id.Grant != nil
	}
	return false
}

// administrator accounts hold every capability without a grant.
type administrator struct{}

func (administrator) allows(Identity, Capability) bool { return true }

// nobody is used for unknown account types.
type nobody struct{}

func (nobody) allows(Identity, Capability) bool { return false }

func kindOf(t AccountType) accountKind {
	switch t {
	case AccountAdmin:
		return administrator{}
	case AccountIndividual, AccountOrganization:
		return grantHolder{}
	}
	return nobody{}
}

// HasCapability reports whether id may perform c.
func HasCapability(id Identity, c Capability) bool {
	return kindOf(id.AccountType).allows(id, c)
}
