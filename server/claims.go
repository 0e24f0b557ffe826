package server

import (
	"maps"
	"slices"

	"github.com/giantswarm/tenant-oauth/storage"
	"github.com/giantswarm/tenant-oauth/token"
)

// Scopes that gate claims.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopePhone         = "phone"
	ScopeOfflineAccess = "offline_access"
	ScopeOrganization  = "organization"
	ScopeOrganizations = "organizations"
)

// claimsInput is everything claims assembly looks at.
type claimsInput struct {
	user        *storage.User
	memberships []storage.Membership
	client      *storage.Client
	scopes      []string
	selectedOrg string
}

// buildUserClaims assembles the scope-gated subject claims.
func buildUserClaims(in claimsInput) token.UserClaims {
	var c token.UserClaims
	if in.user == nil {
		return c
	}
	u := in.user

	if slices.Contains(in.scopes, ScopeProfile) {
		c.Name = u.Name
		c.GivenName = u.GivenName
		c.FamilyName = u.FamilyName
	}
	if slices.Contains(in.scopes, ScopeEmail) && u.Email != "" {
		c.Email = u.Email
		c.EmailVerified = &u.EmailVerified
	}
	if slices.Contains(in.scopes, ScopePhone) && u.PhoneNumber != "" {
		c.PhoneNumber = u.PhoneNumber
		c.PhoneNumberVerified = &u.PhoneNumberVerified
	}

	orgs := organizations(in.memberships)
	wantOrgs := slices.Contains(in.scopes, ScopeOrganizations)
	if wantOrgs && len(orgs) > 0 {
		c.Organizations = orgs
	}
	if wantOrgs || slices.Contains(in.scopes, ScopeOrganization) {
		if i := slices.IndexFunc(orgs, func(o token.Organization) bool { return o.ID == in.selectedOrg }); in.selectedOrg != "" && i >= 0 {
			selected := orgs[i]
			c.Organization = &selected
		}
	}

	if in.client != nil && in.client.IncludeRoleClaims {
		c.Roles, c.Permissions, c.Custom = resolveRoles(in.memberships, in.client.Roles, in.selectedOrg)
	}
	return c
}

// organizations folds organization-scoped memberships into one entry per
// organization, ordered by id.
func organizations(memberships []storage.Membership) []token.Organization {
	byID := make(map[string]*token.Organization)
	for _, m := range memberships {
		if m.OrganizationID == "" {
			continue
		}
		org, ok := byID[m.OrganizationID]
		if !ok {
			org = &token.Organization{ID: m.OrganizationID}
			byID[m.OrganizationID] = org
		}
		if org.Name == "" {
			org.Name = m.OrganizationName
		}
		org.Roles = append(org.Roles, m.Roles...)
	}

	out := make([]token.Organization, 0, len(byID))
	for _, id := range slices.Sorted(maps.Keys(byID)) {
		org := byID[id]
		org.Roles = sortedUnique(org.Roles)
		out = append(out, *org)
	}
	return out
}

// isMember reports whether orgID is one of the memberships' organizations.
func isMember(memberships []storage.Membership, orgID string) bool {
	return slices.ContainsFunc(memberships, func(m storage.Membership) bool {
		return m.OrganizationID == orgID
	})
}

// resolveRoles intersects the subject's role assignments with the client's
// role table. Tenant-wide memberships always apply; organization-scoped
// ones only for the selected organization, or all of them when none is
// selected.
func resolveRoles(memberships []storage.Membership, table map[string][]string, selectedOrg string) (roles, permissions []string, custom map[string]string) {
	for _, m := range memberships {
		if m.OrganizationID != "" && selectedOrg != "" && m.OrganizationID != selectedOrg {
			continue
		}
		for _, role := range m.Roles {
			perms, ok := table[role]
			if !ok {
				continue
			}
			roles = append(roles, role)
			permissions = append(permissions, perms...)
		}
		if len(m.CustomClaims) > 0 {
			if custom == nil {
				custom = make(map[string]string, len(m.CustomClaims))
			}
			maps.Copy(custom, m.CustomClaims)
		}
	}
	return sortedUnique(roles), sortedUnique(permissions), custom
}

func sortedUnique(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}
