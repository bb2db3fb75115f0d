package assignment

import (
	"context"
	"fmt"
)

// sessionShape classifies a session for the extension rule table
type sessionShape int

const (
	shapeSingle sessionShape = iota
	shapeTeam
	shapeTeamWithFeedback
)

func shapeOf(session *Session) sessionShape {
	switch {
	case session.TeamSession && session.HasFeedbackRoom():
		return shapeTeamWithFeedback
	case session.TeamSession:
		return shapeTeam
	default:
		return shapeSingle
	}
}

// inclusionRule decides which team members of the agency are admitted to a room
// beyond the base set.
type inclusionRule struct {
	// authority a team member must hold; empty admits every team member
	authority string
	// skip the team member holding the assigned counselor's principal
	excludeAssigned bool
}

// extensionRules is keyed by session shape, then room role. A missing entry
// means the room gets no team extension.
var extensionRules = map[sessionShape]map[RoomRole]inclusionRule{
	shapeTeam: {
		RolePrimary:  {excludeAssigned: true},
		RoleFeedback: {excludeAssigned: true},
	},
	shapeTeamWithFeedback: {
		RolePrimary:  {authority: AuthorityViewAllPeerSessions},
		RoleFeedback: {authority: AuthorityViewAllFeedbackSessions},
	},
}

// MemberSetInput is the context of one authorized-set computation
type MemberSetInput struct {
	Role     RoomRole
	Session  *Session
	Assigned *Counselor
	// Keep is a counselor that stays regardless of the rules, typically the
	// privileged requester who reassigned the session to someone else.
	Keep *Counselor
}

// MemberSetComputer derives the principals allowed to remain in a session room.
// Every call re-reads team composition and authorities, so revoked grants are
// picked up by the next reconciliation without a dedicated trigger.
type MemberSetComputer struct {
	accounts  ServiceAccounts
	directory AgencyDirectory
	identity  IdentityFacts
}

// NewMemberSetComputer creates a computer for the given service accounts and lookups
func NewMemberSetComputer(accounts ServiceAccounts, directory AgencyDirectory, identity IdentityFacts) *MemberSetComputer {
	return &MemberSetComputer{
		accounts:  accounts,
		directory: directory,
		identity:  identity,
	}
}

// Compute returns the authorized principal set for the input's room role
func (c *MemberSetComputer) Compute(ctx context.Context, in MemberSetInput) (PrincipalSet, error) {
	set := NewPrincipalSet(
		in.Session.VisitorPrincipalID,
		in.Assigned.PrincipalID,
		c.accounts.TechnicalPrincipalID,
		c.accounts.SystemPrincipalID,
	)
	if in.Keep != nil {
		set.Add(in.Keep.PrincipalID)
	}

	extension, err := c.TeamExtension(ctx, in)
	if err != nil {
		return nil, err
	}
	for _, id := range extension {
		set.Add(id)
	}

	return set, nil
}

// TeamExtension returns only the team members admitted by the rule table
func (c *MemberSetComputer) TeamExtension(ctx context.Context, in MemberSetInput) ([]string, error) {
	rule, ok := extensionRules[shapeOf(in.Session)][in.Role]
	if !ok {
		return nil, nil
	}

	members, err := c.directory.TeamMembersOf(ctx, in.Session.AgencyID)
	if err != nil {
		return nil, external(fmt.Sprintf("load team of agency %s", in.Session.AgencyID), err)
	}

	var admitted []string
	for _, member := range members {
		if !member.TeamMember || member.PrincipalID == "" {
			continue
		}
		if rule.excludeAssigned && member.PrincipalID == in.Assigned.PrincipalID {
			continue
		}
		if rule.authority != "" {
			granted, err := c.identity.HasAuthority(ctx, member.ID, rule.authority)
			if err != nil {
				return nil, external(fmt.Sprintf("check %s of counselor %s", rule.authority, member.ID), err)
			}
			if !granted {
				continue
			}
		}
		admitted = append(admitted, member.PrincipalID)
	}

	return admitted, nil
}
